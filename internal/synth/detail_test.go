package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/scrapegen/internal/scrape"
)

func TestFindDetailURL(t *testing.T) {
	const listing = "https://www.venue.example/events"
	matcher := scrape.NewPathMatcher(nil)

	rec := func(kv ...string) map[string]any {
		m := map[string]any{}
		for i := 0; i+1 < len(kv); i += 2 {
			m[kv[i]] = kv[i+1]
		}
		return m
	}

	tests := []struct {
		name string
		data any
		want string
	}{
		{"relative link", []any{rec("eventUrl", "/events/jazz-night")}, "https://www.venue.example/events/jazz-night"},
		{"bare host is same site", []any{rec("url", "https://venue.example/e/1#tickets")}, "https://venue.example/e/1"},
		{"field order", []any{rec("ticketUrl", "/t/1", "link", "/e/2")}, "https://www.venue.example/e/2"},
		{"skips other domains", []any{rec("eventUrl", "https://tickets.other.example/1"), rec("eventUrl", "/e/3")}, "https://www.venue.example/e/3"},
		{"skips listing itself", []any{rec("eventUrl", "/events/"), rec("eventUrl", "/e/4")}, "https://www.venue.example/e/4"},
		{"skips excluded paths", []any{rec("eventUrl", "/cart/add"), rec("eventUrl", "/flyer.pdf")}, ""},
		{"skips non-http", []any{rec("eventUrl", "mailto:box@venue.example")}, ""},
		{"no links", []any{rec("title", "Jazz")}, ""},
		{"not an array", map[string]any{"eventUrl": "/e/5"}, ""},
		{"non-object items", []any{"x", 3.0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, findDetailURL(tt.data, listing, matcher))
		})
	}
}
