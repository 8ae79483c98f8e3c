package evaluate

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/schema"
)

const (
	feedbackSampleRecords = 3
	feedbackRecordChars   = 600
)

func noDataFeedback(kind model.TaskKind, got string) string {
	want := "a single object with the venue fields"
	if kind == model.TaskEventListing {
		want = "an array of event objects"
	}
	return fmt.Sprintf(
		"No data was extracted. %s returned %s, but it must return %s. "+
			"Check that the selectors match elements in the page HTML and that the function awaits every step before returning.",
		kind.FunctionName(), got, want)
}

// feedback renders an evaluation as self-contained instructions for the
// next generation.
func (e *Evaluator) feedback(fs *schema.FieldSchema, ev Evaluation, records []map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completeness: %.0f%% (%d of %d fields found", ev.Score*100, len(ev.FieldsFound), fs.Total())
	if ev.SampleSize > 1 {
		fmt.Fprintf(&b, "; a field counts when present in at least half of the first %d records", ev.SampleSize)
	}
	b.WriteString(").\n")

	if len(ev.RequiredFieldsMissing) > 0 {
		fmt.Fprintf(&b, "Missing REQUIRED fields: %s. The result cannot be accepted without them.\n",
			strings.Join(ev.RequiredFieldsMissing, ", "))
	}
	var optional []string
	for _, f := range ev.FieldsMissing {
		if !fs.IsRequired(f) {
			optional = append(optional, f)
		}
	}
	if len(optional) > 0 {
		fmt.Fprintf(&b, "Missing optional fields: %s. Extract any of these that the page shows.\n",
			strings.Join(optional, ", "))
	}
	if ev.Score < e.cfg.MinCoverage {
		fmt.Fprintf(&b, "Coverage is below the minimum of %.0f%%.\n", e.cfg.MinCoverage*100)
	}

	if len(ev.QualityIssues) > 0 {
		b.WriteString("Quality issues:\n")
		for _, q := range ev.QualityIssues {
			fmt.Fprintf(&b, "- record %d, %s = %q: %s\n", q.Record+1, q.Field, q.Value, q.Message)
		}
	}

	if fs.Kind == model.TaskEventListing {
		n := min(len(records), feedbackSampleRecords)
		fmt.Fprintf(&b, "Sample of extracted records (%d of %d):\n", n, len(records))
		for _, rec := range records[:n] {
			b.WriteString(truncate(compactJSON(rec), feedbackRecordChars))
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func compactJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
