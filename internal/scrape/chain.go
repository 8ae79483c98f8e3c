// Package scrape fetches target pages for prompting and for the sandbox
// browser, falling back across local HTTP, Jina Reader and Firecrawl.
package scrape

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
)

// Chain tries scrapers in priority order, returning the first success.
type Chain struct {
	scrapers    []Scraper
	requireHTML bool
}

// NewChain creates a Chain. Scrapers are tried in order.
func NewChain(scrapers ...Scraper) *Chain {
	return &Chain{scrapers: scrapers}
}

// RequireHTML returns a copy of the chain that skips results without raw
// HTML. The sandbox browser needs markup, not reader text.
func (c *Chain) RequireHTML() *Chain {
	return &Chain{scrapers: c.scrapers, requireHTML: true}
}

// Name implements Scraper.
func (c *Chain) Name() string {
	names := make([]string, len(c.scrapers))
	for i, s := range c.scrapers {
		names[i] = s.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Supports implements Scraper.
func (c *Chain) Supports(u string) bool {
	for _, s := range c.scrapers {
		if s.Supports(u) {
			return true
		}
	}
	return false
}

// Scrape tries each scraper in order for a single URL.
func (c *Chain) Scrape(ctx context.Context, targetURL string) (*model.Document, error) {
	var lastErr error
	for _, s := range c.scrapers {
		if !s.Supports(targetURL) {
			continue
		}
		doc, err := s.Scrape(ctx, targetURL)
		if err == nil && doc != nil && (!c.requireHTML || doc.HTML != "") {
			return doc, nil
		}
		if err == nil {
			err = eris.Errorf("scrape: %s returned no html", s.Name())
		}
		zap.L().Debug("scrape: scraper failed, trying next",
			zap.String("scraper", s.Name()),
			zap.String("url", targetURL),
			zap.Error(err),
		)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, eris.Wrap(lastErr, "scrape: all scrapers failed")
	}
	return nil, eris.Errorf("scrape: no suitable scraper for url: %s", targetURL)
}
