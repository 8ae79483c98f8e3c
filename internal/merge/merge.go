// Package merge reconciles extracted payloads from several attempts at the
// same target into one record.
package merge

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sells-group/scrapegen/internal/evaluate"
)

// RecordsField holds a non-object payload, such as an event array, so it
// can be merged as a single value.
const RecordsField = "records"

// Input is one attempt's payload.
type Input struct {
	AttemptNumber int            `json:"attempt_number"`
	Payload       map[string]any `json:"payload"`
}

// FromPayload builds an Input from a decoded payload of any shape.
func FromPayload(attempt int, data any) Input {
	if m, ok := data.(map[string]any); ok {
		return Input{AttemptNumber: attempt, Payload: m}
	}
	if data == nil {
		return Input{AttemptNumber: attempt}
	}
	return Input{AttemptNumber: attempt, Payload: map[string]any{RecordsField: data}}
}

// Candidate is one attempt's value for a field.
type Candidate struct {
	AttemptNumber int `json:"attempt_number"`
	Value         any `json:"value"`
}

// Conflict records a field on which attempts disagreed.
type Conflict struct {
	Field         string      `json:"field"`
	Candidates    []Candidate `json:"candidates"`
	WinnerAttempt int         `json:"winner_attempt"`
	Winner        any         `json:"winner"`
}

// Result is the merged view. Provenance maps each field to the attempt
// whose value was kept.
type Result struct {
	Values     map[string]any `json:"values"`
	Provenance map[string]int `json:"provenance"`
	Conflicts  []Conflict     `json:"conflicts"`
}

// Merge combines inputs field by field. Empty values are ignored. When
// attempts agree the latest one is credited; when they disagree the latest
// value wins and a conflict is recorded. Latest means highest attempt
// number, then position in inputs.
func Merge(inputs []Input) Result {
	ordered := make([]Input, len(inputs))
	copy(ordered, inputs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].AttemptNumber < ordered[j].AttemptNumber
	})

	byField := map[string][]Candidate{}
	for _, in := range ordered {
		for field, v := range in.Payload {
			if !evaluate.Present(v) {
				continue
			}
			byField[field] = append(byField[field], Candidate{AttemptNumber: in.AttemptNumber, Value: v})
		}
	}

	res := Result{
		Values:     make(map[string]any, len(byField)),
		Provenance: make(map[string]int, len(byField)),
		Conflicts:  []Conflict{},
	}
	for field, cands := range byField {
		latest := cands[len(cands)-1]
		res.Values[field] = latest.Value
		res.Provenance[field] = latest.AttemptNumber
		if !allEqual(cands) {
			res.Conflicts = append(res.Conflicts, Conflict{
				Field:         field,
				Candidates:    cands,
				WinnerAttempt: latest.AttemptNumber,
				Winner:        latest.Value,
			})
		}
	}
	sort.Slice(res.Conflicts, func(i, j int) bool { return res.Conflicts[i].Field < res.Conflicts[j].Field })
	return res
}

func allEqual(cands []Candidate) bool {
	first := canonical(cands[0].Value)
	for _, c := range cands[1:] {
		if canonical(c.Value) != first {
			return false
		}
	}
	return true
}

// canonical renders v with sorted object keys so equal values compare equal.
func canonical(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(out)
}
