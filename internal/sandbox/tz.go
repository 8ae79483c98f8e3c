package sandbox

import (
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const isoUTC = "2006-01-02T15:04:05.000Z"

var (
	weekdayPrefix = regexp.MustCompile(`(?i)^(mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)[a-z]*\.?,?\s+`)
	ordinalSuffix = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	meridiem      = regexp.MustCompile(`(?i)(\d)\s*([ap])\.?\s?m\.?`)
	atSeparator   = regexp.MustCompile(`(?i)\s+(at|@|-|–)\s+`)
	spaces        = regexp.MustCompile(`\s+`)
)

// Layouts tried in order after normalization. Commas are removed first.
var (
	datedLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02 3:04 PM",
		"2006-01-02 3 PM",
		"2006-01-02",
		"January 2 2006 3:04 PM",
		"January 2 2006 3 PM",
		"January 2 2006 15:04",
		"January 2 2006",
		"Jan 2 2006 3:04 PM",
		"Jan 2 2006 3 PM",
		"Jan 2 2006 15:04",
		"Jan 2 2006",
		"2 January 2006 15:04",
		"2 January 2006 3:04 PM",
		"2 January 2006",
		"2 Jan 2006 15:04",
		"2 Jan 2006 3:04 PM",
		"2 Jan 2006",
		"1/2/2006 3:04 PM",
		"1/2/2006 3 PM",
		"1/2/2006 15:04",
		"1/2/2006",
	}
	// yearless layouts take the next occurrence of the date
	yearlessLayouts = []string{
		"January 2 3:04 PM",
		"January 2 3 PM",
		"January 2 15:04",
		"January 2",
		"Jan 2 3:04 PM",
		"Jan 2 3 PM",
		"Jan 2 15:04",
		"Jan 2",
		"1/2 3:04 PM",
		"1/2",
	}
	offsetLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04Z07:00"}
)

// toUTC converts a local date/time in the given IANA zone into an ISO-8601
// UTC string. Values that already carry an offset are converted as-is.
func (r *run) toUTC(call goja.FunctionCall) goja.Value {
	tzName := "UTC"
	if a := call.Argument(1); !goja.IsUndefined(a) && !goja.IsNull(a) && a.String() != "" {
		tzName = a.String()
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		r.throw("TypeError", "toUTC: unknown timezone %q", tzName)
	}

	arg := call.Argument(0)
	if t, ok := arg.Export().(time.Time); ok {
		// a Date built from local fields: keep the wall clock, move the zone
		local := t.In(time.Local)
		wall := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
		return r.vm.ToValue(wall.UTC().Format(isoUTC))
	}

	t, err := parseLocal(arg.String(), loc, time.Now())
	if err != nil {
		r.throw("TypeError", "toUTC: cannot parse date %q", arg.String())
	}
	return r.vm.ToValue(t.UTC().Format(isoUTC))
}

func parseLocal(raw string, loc *time.Location, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	s = normalizeDate(s)
	var firstErr error
	for _, layout := range datedLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, layout := range yearlessLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		return nextOccurrence(t, now.In(loc)), nil
	}
	return time.Time{}, firstErr
}

func normalizeDate(s string) string {
	s = strings.ReplaceAll(s, ",", " ")
	s = spaces.ReplaceAllString(s, " ")
	s = weekdayPrefix.ReplaceAllString(s, "")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = atSeparator.ReplaceAllString(s, " ")
	s = meridiem.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiem.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2]) + "M"
	})
	s = strings.Replace(s, "Sept ", "Sep ", 1)
	s = strings.ReplaceAll(s, "noon", "12:00 PM")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// nextOccurrence places a yearless date in the current year, or the next
// one when it fell more than a month ago.
func nextOccurrence(t, now time.Time) time.Time {
	t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, t.Location())
	if t.Before(now.AddDate(0, -1, 0)) {
		t = t.AddDate(1, 0, 0)
	}
	return t
}
