package scrape

import (
	"net/url"
	"path"
	"strings"
)

// defaultExcludePatterns reject links that never lead to an event detail page.
var defaultExcludePatterns = []string{
	"/cart/*",
	"/checkout/*",
	"/account/*",
	"/login/*",
	"/wp-admin/*",
	"/wp-login.php",
	"/feed/*",
	"/tag/*",
	"*.pdf",
	"*.jpg",
	"*.jpeg",
	"*.png",
	"*.gif",
	"*.ics",
	"*.zip",
}

// PathMatcher filters URLs by glob-style path patterns. Patterns starting
// with "/" match the full path, with "/x/*" also matching deeper paths;
// patterns without a leading slash match the last path segment.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher creates a PathMatcher. Falls back to default patterns if
// none are provided.
func NewPathMatcher(patterns []string) *PathMatcher {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &PathMatcher{patterns: lowered}
}

// Patterns returns the configured patterns.
func (m *PathMatcher) Patterns() []string {
	return m.patterns
}

// IsExcluded checks whether a URL matches any exclude pattern. Unparseable
// URLs are excluded.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, pattern := range m.patterns {
		if matchSegmented(pattern, p) {
			return true
		}
	}
	return false
}

func matchSegmented(pattern, urlPath string) bool {
	if !strings.HasPrefix(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(urlPath))
		return ok
	}
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	return false
}
