package scrape

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/pkg/firecrawl"
)

// FirecrawlAdapter wraps a Firecrawl client as a Scraper. It asks for both
// raw HTML and markdown so the result can back the sandbox browser when the
// page only renders with JavaScript.
type FirecrawlAdapter struct {
	client  firecrawl.Client
	waitFor time.Duration
}

// NewFirecrawlAdapter creates a FirecrawlAdapter. waitFor is how long
// Firecrawl lets scripts run before capturing the page.
func NewFirecrawlAdapter(client firecrawl.Client, waitFor time.Duration) *FirecrawlAdapter {
	return &FirecrawlAdapter{client: client, waitFor: waitFor}
}

// Name implements Scraper.
func (f *FirecrawlAdapter) Name() string { return "firecrawl" }

// Supports returns true: Firecrawl can attempt any URL as a fallback.
func (f *FirecrawlAdapter) Supports(_ string) bool { return true }

// Scrape fetches a single URL via Firecrawl's scrape API.
func (f *FirecrawlAdapter) Scrape(ctx context.Context, targetURL string) (*model.Document, error) {
	onlyMain := false
	resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:             targetURL,
		Formats:         []string{"rawHtml", "markdown"},
		OnlyMainContent: &onlyMain,
		WaitFor:         int(f.waitFor / time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.New("firecrawl: scrape not successful")
	}

	html := resp.Data.RawHTML
	if html == "" {
		html = resp.Data.HTML
	}
	u := resp.Data.Metadata.SourceURL
	if u == "" {
		u = targetURL
	}
	return &model.Document{
		URL:        u,
		Title:      resp.Data.Metadata.Title,
		Markdown:   resp.Data.Markdown,
		HTML:       html,
		StatusCode: resp.Data.Metadata.StatusCode,
		Source:     "firecrawl",
		FetchedAt:  time.Now().UTC(),
	}, nil
}
