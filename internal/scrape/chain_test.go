package scrape

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrapegen/internal/model"
)

func TestChain_FirstSuccessWins(t *testing.T) {
	first := &stubScraper{name: "a", supports: true, err: errors.New("blocked")}
	skipped := &stubScraper{name: "b", supports: false}
	second := &stubScraper{name: "c", supports: true, doc: &model.Document{URL: "u", Markdown: "text"}}
	third := &stubScraper{name: "d", supports: true, doc: &model.Document{URL: "never"}}

	c := NewChain(first, skipped, second, third)
	doc, err := c.Scrape(context.Background(), "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, "u", doc.URL)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, skipped.calls)
	assert.Zero(t, third.calls)
	assert.Equal(t, "chain(a,b,c,d)", c.Name())
	assert.True(t, c.Supports("x"))
}

func TestChain_RequireHTMLSkipsTextOnly(t *testing.T) {
	reader := &stubScraper{name: "jina", supports: true, doc: &model.Document{Markdown: "text only"}}
	render := &stubScraper{name: "firecrawl", supports: true, doc: &model.Document{HTML: "<p>hi</p>"}}

	doc, err := NewChain(reader, render).RequireHTML().Scrape(context.Background(), "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", doc.HTML)
	assert.Equal(t, 1, reader.calls)
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(
		&stubScraper{name: "a", supports: true, err: errors.New("first")},
		&stubScraper{name: "b", supports: true, err: errors.New("second")},
	)
	_, err := c.Scrape(context.Background(), "https://a.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all scrapers failed")
	assert.Contains(t, err.Error(), "second")
}

func TestChain_NoSuitableScraper(t *testing.T) {
	c := NewChain(&stubScraper{name: "a", supports: false})
	_, err := c.Scrape(context.Background(), "https://a.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suitable scraper")
	assert.False(t, c.Supports("https://a.example"))
}
