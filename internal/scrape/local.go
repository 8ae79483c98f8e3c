package scrape

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/scrapegen/internal/model"
)

const defaultMaxBytes = 2 << 20

// LocalOptions configures a LocalScraper.
type LocalOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	UserAgent    string
	AllowPrivate bool
}

// LocalScraper fetches HTML via net/http behind the egress guard, detects
// blocks, and keeps both the decoded markup and a plaintext rendering.
type LocalScraper struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewLocalScraper creates a LocalScraper, filling zero options with defaults.
func NewLocalScraper(opts LocalOptions) *LocalScraper {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; ScrapegenBot/1.0)"
	}
	return &LocalScraper{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: GuardedTransport(opts.AllowPrivate),
		},
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
	}
}

func (l *LocalScraper) Name() string           { return "local_http" }
func (l *LocalScraper) Supports(_ string) bool { return true }

// Scrape fetches a URL, detects blocks, decodes the charset and strips the
// markup to plaintext.
func (l *LocalScraper) Scrape(ctx context.Context, targetURL string) (*model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: create request")
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: read body")
	}

	if blocked, blockType := DetectBlock(resp, raw); blocked {
		return nil, eris.Errorf("local_http: blocked (%s)", blockType)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("local_http: status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) < 100 {
		return nil, eris.New("local_http: empty page")
	}

	html := decodeBody(raw, resp.Header.Get("Content-Type"))
	finalURL := targetURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &model.Document{
		URL:        finalURL,
		Title:      extractTitle(html),
		Markdown:   stripHTML(html),
		HTML:       html,
		StatusCode: resp.StatusCode,
		Source:     "local_http",
		FetchedAt:  time.Now().UTC(),
	}, nil
}

var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([\w-]+)`)

// decodeBody converts body to UTF-8 using the Content-Type charset, then a
// <meta charset>, falling back to the raw bytes.
func decodeBody(body []byte, contentType string) string {
	label := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = params["charset"]
	}
	if label == "" {
		head := body
		if len(head) > 4096 {
			head = head[:4096]
		}
		if m := metaCharsetRe.FindSubmatch(head); m != nil {
			label = string(m[1])
		}
	}
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return string(body)
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		zap.L().Debug("local_http: unknown charset", zap.String("charset", label))
		return string(body)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(out)
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func extractTitle(html string) string {
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		return strings.TrimSpace(entityReplacer.Replace(m[1]))
	}
	return ""
}

var (
	dropBlockRes = func() []*regexp.Regexp {
		var out []*regexp.Regexp
		for _, tag := range []string{"script", "style", "noscript", "svg", "iframe"} {
			out = append(out, regexp.MustCompile(`(?is)<`+tag+`[^>]*>.*?</`+tag+`>`))
		}
		return out
	}()
	commentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockTagRe  = regexp.MustCompile(`(?i)</?(?:p|div|br|li|tr|h[1-6]|section|article|header|footer|nav)[^>]*>`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	spaceRe     = regexp.MustCompile(`[ \t\r\f]+`)
	blankLineRe = regexp.MustCompile(`\n[ \n]*\n`)

	entityReplacer = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&#x27;", "'",
		"&nbsp;", " ",
		"&ndash;", "-",
		"&mdash;", "-",
	)
)

// stripHTML drops non-content blocks, turns block tags into line breaks,
// strips the rest and collapses whitespace. Nav and footer text is kept:
// venue addresses and phone numbers often live there.
func stripHTML(html string) string {
	for _, re := range dropBlockRes {
		html = re.ReplaceAllString(html, "")
	}
	html = commentRe.ReplaceAllString(html, "")
	html = blockTagRe.ReplaceAllString(html, "\n")
	html = tagRe.ReplaceAllString(html, " ")
	html = entityReplacer.Replace(html)
	html = spaceRe.ReplaceAllString(html, " ")
	html = blankLineRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
