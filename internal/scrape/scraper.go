package scrape

import (
	"context"

	"github.com/sells-group/scrapegen/internal/model"
)

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*model.Document, error)
	Name() string
	Supports(url string) bool
}
