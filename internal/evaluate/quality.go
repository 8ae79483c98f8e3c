package evaluate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/scrapegen/internal/schema"
)

// IssueKind names a quality heuristic.
type IssueKind string

const (
	IssueTimeInTitle  IssueKind = "TIME_IN_TITLE"
	IssueDateInTitle  IssueKind = "DATE_IN_TITLE"
	IssueInvalidDate  IssueKind = "INVALID_DATE"
	IssueFutureDate   IssueKind = "FUTURE_DATE"
	IssuePastDate     IssueKind = "PAST_DATE"
	IssueInvalidPrice IssueKind = "INVALID_PRICE"
	IssueTypeMismatch IssueKind = "TYPE_MISMATCH"
)

// QualityIssue is one heuristic finding on one sampled record. Record is
// zero-based.
type QualityIssue struct {
	Kind     IssueKind `json:"kind"`
	Field    string    `json:"field"`
	Record   int       `json:"record"`
	Value    string    `json:"value"`
	Message  string    `json:"message"`
	Blocking bool      `json:"blocking"`
}

var (
	clockTimeRe = regexp.MustCompile(`(?i)\b\d{1,2}(:\d{2})?\s*(am|pm)\b|\b\d{1,2}(:\d{2})?\s*[ap]\.m\.|\b\d{1,2}:\d{2}\b`)
	titleDateRe = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|sept|oct|nov|dec)\.?\s+\d{1,2}(st|nd|rd|th)?\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b\d{4}-\d{2}-\d{2}\b`)
	priceNumRe  = regexp.MustCompile(`\d+(?:,\d{3})*(?:\.\d+)?`)
	freePriceRe = regexp.MustCompile(`(?i)\b(free|donation|pay what you|tba|tbd|sold out|rsvp|no cover)\b`)
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate accepts the ISO forms extractors are asked to emit.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// typeIssues flags present values whose JSON type disagrees with the
// schema. Mismatches on required fields block acceptance.
func (e *Evaluator) typeIssues(fs *schema.FieldSchema, sample []map[string]any) []QualityIssue {
	var out []QualityIssue
	for i, rec := range sample {
		for _, f := range fs.All() {
			v := rec[f.Name]
			if !Present(v) || typeMatches(f.Type, v) {
				continue
			}
			out = append(out, QualityIssue{
				Kind:     IssueTypeMismatch,
				Field:    f.Name,
				Record:   i,
				Value:    preview(v),
				Message:  fmt.Sprintf("expected %s, got %s", describeType(f.Type), describeShape(v)),
				Blocking: fs.IsRequired(f.Name),
			})
		}
	}
	return out
}

func typeMatches(t schema.FieldType, v any) bool {
	switch t {
	case schema.TypeArray:
		_, ok := v.([]any)
		return ok
	case schema.TypeNumber:
		switch n := v.(type) {
		case float64:
			return true
		case string:
			_, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
			return err == nil
		}
		return false
	case schema.TypeString, schema.TypeDate:
		switch v.(type) {
		case string, float64:
			return true
		}
		return false
	}
	return true
}

func describeType(t schema.FieldType) string {
	switch t {
	case schema.TypeArray:
		return "an array"
	case schema.TypeNumber:
		return "a number"
	case schema.TypeDate:
		return "an ISO-8601 date string"
	default:
		return "a string"
	}
}

// eventIssues applies the event heuristics: clean titles, plausible dates
// and numeric prices.
func (e *Evaluator) eventIssues(sample []map[string]any) []QualityIssue {
	now := e.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	// one day of slack absorbs timezone skew around midnight
	earliest := today.AddDate(0, 0, -1)
	latest := now.AddDate(0, e.cfg.MaxFutureMonths, 0)

	var out []QualityIssue
	for i, rec := range sample {
		if title, ok := rec["title"].(string); ok {
			out = append(out, titleIssues(i, title)...)
		}
		for _, field := range []string{"date", "endDate"} {
			s, ok := rec[field].(string)
			if !ok || strings.TrimSpace(s) == "" {
				continue
			}
			if issue, bad := dateIssue(i, field, s, earliest, latest, e.cfg.MaxFutureMonths); bad {
				out = append(out, issue)
			}
		}
		if v, ok := rec["price"]; ok && Present(v) {
			if issue, bad := priceIssue(i, v, e.cfg.MaxPrice); bad {
				out = append(out, issue)
			}
		}
	}
	return out
}

func titleIssues(i int, title string) []QualityIssue {
	var out []QualityIssue
	if m := clockTimeRe.FindString(title); m != "" {
		out = append(out, QualityIssue{
			Kind: IssueTimeInTitle, Field: "title", Record: i, Value: title, Blocking: true,
			Message: fmt.Sprintf("title contains a time of day (%q); move it to startTime and keep only the event name", m),
		})
	}
	if m := titleDateRe.FindString(title); m != "" {
		out = append(out, QualityIssue{
			Kind: IssueDateInTitle, Field: "title", Record: i, Value: title, Blocking: true,
			Message: fmt.Sprintf("title contains a date (%q); the title selector is probably grabbing surrounding text", m),
		})
	}
	return out
}

func dateIssue(i int, field, s string, earliest, latest time.Time, months int) (QualityIssue, bool) {
	issue := QualityIssue{Field: field, Record: i, Value: s, Blocking: true}
	t, ok := ParseDate(s)
	switch {
	case !ok:
		issue.Kind = IssueInvalidDate
		issue.Message = "not an ISO-8601 date; convert it with toUTC(localString, timezone)"
	case t.Before(earliest):
		issue.Kind = IssuePastDate
		issue.Message = "date is in the past; the year is probably wrong or past events are being scraped"
	case t.After(latest):
		issue.Kind = IssueFutureDate
		issue.Message = fmt.Sprintf("date is more than %d months ahead; the year is probably wrong", months)
	default:
		return QualityIssue{}, false
	}
	return issue, true
}

func priceIssue(i int, v any, maxPrice float64) (QualityIssue, bool) {
	issue := QualityIssue{Kind: IssueInvalidPrice, Field: "price", Record: i, Value: preview(v), Blocking: true}
	check := func(n float64) (QualityIssue, bool) {
		if n < 0 || n > maxPrice {
			issue.Message = fmt.Sprintf("price %.2f is outside the plausible range 0-%.0f", n, maxPrice)
			return issue, true
		}
		return QualityIssue{}, false
	}

	switch p := v.(type) {
	case float64:
		return check(p)
	case string:
		s := strings.TrimSpace(p)
		if freePriceRe.MatchString(s) {
			return QualityIssue{}, false
		}
		nums := priceNumRe.FindAllString(s, -1)
		if len(nums) == 0 {
			issue.Message = "price has no numeric amount; use a value like \"$15\" or \"Free\""
			return issue, true
		}
		if strings.HasPrefix(s, "-") {
			issue.Message = "price is negative"
			return issue, true
		}
		for _, n := range nums {
			f, err := strconv.ParseFloat(strings.ReplaceAll(n, ",", ""), 64)
			if err != nil {
				continue
			}
			if issue, bad := check(f); bad {
				return issue, true
			}
		}
		return QualityIssue{}, false
	default:
		issue.Message = "price should be a string such as \"$15\""
		return issue, true
	}
}

func preview(v any) string {
	s := fmt.Sprint(v)
	if len(s) > 80 {
		return truncate(s, 77)
	}
	return s
}
