// Package schema holds the fixed per-task-kind field contracts that extracted
// data is scored against.
package schema

import (
	_ "embed"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/scrapegen/internal/model"
)

// FieldType is the expected shape of a field value.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeDate   FieldType = "date"
	TypeArray  FieldType = "array"
	TypeNumber FieldType = "number"
)

// Field is a single named field with its expected type.
type Field struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`
}

// FieldSchema is the contract for one task kind.
type FieldSchema struct {
	Kind     model.TaskKind `yaml:"-"`
	Required []Field        `yaml:"required"`
	Optional []Field        `yaml:"optional"`
}

// RequiredNames returns the required field names in declaration order.
func (s *FieldSchema) RequiredNames() []string {
	return names(s.Required)
}

// OptionalNames returns the optional field names in declaration order.
func (s *FieldSchema) OptionalNames() []string {
	return names(s.Optional)
}

// Total is the number of fields counted by the completeness score.
func (s *FieldSchema) Total() int {
	return len(s.Required) + len(s.Optional)
}

// All returns required fields followed by optional fields.
func (s *FieldSchema) All() []Field {
	out := make([]Field, 0, s.Total())
	out = append(out, s.Required...)
	return append(out, s.Optional...)
}

// TypeOf returns the declared type of a field, or "" when unknown.
func (s *FieldSchema) TypeOf(name string) FieldType {
	for _, f := range s.All() {
		if f.Name == name {
			return f.Type
		}
	}
	return ""
}

// IsRequired reports whether name is a required field.
func (s *FieldSchema) IsRequired(name string) bool {
	for _, f := range s.Required {
		if f.Name == name {
			return true
		}
	}
	return false
}

func names(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

//go:embed schemas.yaml
var schemasYAML []byte

var (
	loadOnce sync.Once
	loaded   map[model.TaskKind]*FieldSchema
	loadErr  error
)

// Parse decodes a schema document keyed by task kind.
func Parse(data []byte) (map[model.TaskKind]*FieldSchema, error) {
	raw := map[string]*FieldSchema{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "schema: unmarshal")
	}
	out := make(map[model.TaskKind]*FieldSchema, len(raw))
	for k, s := range raw {
		kind := model.TaskKind(k)
		if !kind.Valid() {
			return nil, eris.Errorf("schema: unknown task kind %q", k)
		}
		if s == nil || len(s.Required) == 0 {
			return nil, eris.Errorf("schema: %s has no required fields", k)
		}
		s.Kind = kind
		out[kind] = s
	}
	return out, nil
}

// For returns the built-in schema for kind.
func For(kind model.TaskKind) (*FieldSchema, error) {
	loadOnce.Do(func() {
		loaded, loadErr = Parse(schemasYAML)
	})
	if loadErr != nil {
		return nil, loadErr
	}
	s, ok := loaded[kind]
	if !ok {
		return nil, eris.Errorf("schema: no schema for task kind %q", kind)
	}
	return s, nil
}

// MustFor is For that panics on a missing schema. The embedded document is
// covered by tests, so a panic here means a build-time mistake.
func MustFor(kind model.TaskKind) *FieldSchema {
	s, err := For(kind)
	if err != nil {
		panic(err)
	}
	return s
}
