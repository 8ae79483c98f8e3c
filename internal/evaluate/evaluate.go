// Package evaluate scores extracted data against the field schema of its
// task kind and a set of quality heuristics.
package evaluate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/schema"
)

// Config holds the heuristic thresholds. Zero values take defaults.
type Config struct {
	// MinCoverage is the minimum completeness score for acceptance. Default 0.3.
	MinCoverage float64 `yaml:"min_coverage" mapstructure:"min_coverage"`
	// MaxFutureMonths bounds how far ahead an event date is plausible. Default 10.
	MaxFutureMonths int `yaml:"max_future_months" mapstructure:"max_future_months"`
	// SampleSize is how many event records are inspected. Default 3.
	SampleSize int `yaml:"sample_size" mapstructure:"sample_size"`
	// MaxPrice is the largest plausible ticket price. Default 10000.
	MaxPrice float64 `yaml:"max_price" mapstructure:"max_price"`
}

func (c Config) withDefaults() Config {
	if c.MinCoverage <= 0 {
		c.MinCoverage = 0.3
	}
	if c.MaxFutureMonths <= 0 {
		c.MaxFutureMonths = 10
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 3
	}
	if c.MaxPrice <= 0 {
		c.MaxPrice = 10000
	}
	return c
}

// Evaluation is the outcome of scoring one extraction.
type Evaluation struct {
	FieldsFound           []string       `json:"fields_found"`
	FieldsMissing         []string       `json:"fields_missing"`
	RequiredFieldsMissing []string       `json:"required_fields_missing"`
	Score                 float64        `json:"score"`
	Acceptable            bool           `json:"acceptable"`
	Feedback              string         `json:"feedback"`
	QualityIssues         []QualityIssue `json:"quality_issues,omitempty"`
	RecordCount           int            `json:"record_count"`
	SampleSize            int            `json:"sample_size"`
}

// HasBlockingIssue reports whether any quality issue prevents acceptance.
func (e Evaluation) HasBlockingIssue() bool {
	for _, q := range e.QualityIssues {
		if q.Blocking {
			return true
		}
	}
	return false
}

// Evaluator scores extracted data. It holds no mutable state.
type Evaluator struct {
	cfg Config
	now func() time.Time
}

// New creates an Evaluator.
func New(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults(), now: time.Now}
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// EvaluateJSON decodes raw and evaluates it. Undecodable input scores zero.
func (e *Evaluator) EvaluateJSON(raw json.RawMessage, kind model.TaskKind) Evaluation {
	if len(raw) == 0 {
		return e.Evaluate(nil, kind)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return e.empty(kind, "the result was not valid JSON")
	}
	return e.Evaluate(data, kind)
}

// Evaluate scores data for kind. data is a JSON-decoded value: an object
// for VENUE_PROFILE, an array of objects for EVENT_LISTING.
func (e *Evaluator) Evaluate(data any, kind model.TaskKind) Evaluation {
	fs, err := schema.For(kind)
	if err != nil {
		return e.empty(kind, err.Error())
	}

	var records []map[string]any
	switch kind {
	case model.TaskEventListing:
		arr, ok := data.([]any)
		if !ok {
			return e.empty(kind, describeShape(data))
		}
		for _, item := range arr {
			rec, ok := item.(map[string]any)
			if !ok {
				return e.empty(kind, "an array containing "+describeShape(item))
			}
			records = append(records, rec)
		}
	default:
		rec, ok := data.(map[string]any)
		if !ok {
			return e.empty(kind, describeShape(data))
		}
		records = []map[string]any{rec}
	}
	if len(records) == 0 || allBlank(records) {
		return e.empty(kind, describeShape(data))
	}

	sample := records
	if kind == model.TaskEventListing && len(sample) > e.cfg.SampleSize {
		sample = sample[:e.cfg.SampleSize]
	}

	ev := Evaluation{RecordCount: len(records), SampleSize: len(sample)}
	need := int(math.Ceil(float64(len(sample)) / 2))
	for _, f := range fs.All() {
		hits := 0
		for _, rec := range sample {
			if Present(rec[f.Name]) {
				hits++
			}
		}
		if hits >= need {
			ev.FieldsFound = append(ev.FieldsFound, f.Name)
			continue
		}
		ev.FieldsMissing = append(ev.FieldsMissing, f.Name)
		if fs.IsRequired(f.Name) {
			ev.RequiredFieldsMissing = append(ev.RequiredFieldsMissing, f.Name)
		}
	}

	ev.QualityIssues = e.typeIssues(fs, sample)
	if kind == model.TaskEventListing {
		ev.QualityIssues = append(ev.QualityIssues, e.eventIssues(sample)...)
	}

	ev.Score = float64(len(ev.FieldsFound)) / float64(fs.Total())
	ev.Acceptable = len(ev.RequiredFieldsMissing) == 0 &&
		ev.Score >= e.cfg.MinCoverage &&
		!ev.HasBlockingIssue()
	ev.Feedback = e.feedback(fs, ev, records)
	return ev
}

func (e *Evaluator) empty(kind model.TaskKind, got string) Evaluation {
	ev := Evaluation{}
	if fs, err := schema.For(kind); err == nil {
		ev.FieldsMissing = append(fs.RequiredNames(), fs.OptionalNames()...)
		ev.RequiredFieldsMissing = fs.RequiredNames()
	}
	ev.Feedback = noDataFeedback(kind, got)
	return ev
}

// Present reports whether a value counts as extracted: non-null and, once
// stringified, non-empty after trimming.
func Present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		for _, item := range t {
			if Present(item) {
				return true
			}
		}
		return false
	case map[string]any:
		return len(t) > 0
	default:
		return strings.TrimSpace(fmt.Sprint(t)) != ""
	}
}

func allBlank(records []map[string]any) bool {
	for _, r := range records {
		for _, v := range r {
			if Present(v) {
				return false
			}
		}
	}
	return true
}

func describeShape(v any) string {
	switch t := v.(type) {
	case nil:
		return "nothing (null or undefined)"
	case []any:
		if len(t) == 0 {
			return "an empty array"
		}
		return fmt.Sprintf("an array of %d items", len(t))
	case map[string]any:
		if len(t) == 0 {
			return "an empty object"
		}
		return "an object with no usable values"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case float64:
		return "a number"
	default:
		return fmt.Sprintf("a value of type %T", v)
	}
}
