package synth

import (
	"net/url"
	"strings"

	"github.com/sells-group/scrapegen/internal/scrape"
)

// detailFields are checked in order for a link to an event's own page.
var detailFields = []string{"eventUrl", "url", "link", "detailUrl", "ticketUrl"}

// findDetailURL returns the first same-domain link in records that points
// somewhere other than the listing page, or "".
func findDetailURL(data any, listingURL string, matcher *scrape.PathMatcher) string {
	records, ok := data.([]any)
	if !ok {
		return ""
	}
	base, err := url.Parse(listingURL)
	if err != nil {
		return ""
	}
	for _, item := range records {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range detailFields {
			raw, ok := rec[field].(string)
			if !ok || strings.TrimSpace(raw) == "" {
				continue
			}
			u, err := base.Parse(strings.TrimSpace(raw))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				continue
			}
			u.Fragment = ""
			if !sameSite(u, base) || samePage(u, base) {
				continue
			}
			if matcher != nil && matcher.IsExcluded(u.String()) {
				continue
			}
			return u.String()
		}
	}
	return ""
}

func sameSite(a, b *url.URL) bool {
	return strings.TrimPrefix(strings.ToLower(a.Hostname()), "www.") ==
		strings.TrimPrefix(strings.ToLower(b.Hostname()), "www.")
}

func samePage(a, b *url.URL) bool {
	return strings.TrimSuffix(a.Path, "/") == strings.TrimSuffix(b.Path, "/") && a.RawQuery == b.RawQuery
}
