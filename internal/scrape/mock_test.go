package scrape

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/pkg/firecrawl"
	"github.com/sells-group/scrapegen/pkg/jina"
)

type mockJina struct{ mock.Mock }

func (m *mockJina) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	resp, _ := args.Get(0).(*jina.ReadResponse)
	return resp, args.Error(1)
}

type mockFirecrawl struct{ mock.Mock }

func (m *mockFirecrawl) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*firecrawl.ScrapeResponse)
	return resp, args.Error(1)
}

type stubScraper struct {
	name     string
	doc      *model.Document
	err      error
	supports bool
	calls    int
}

func (s *stubScraper) Name() string           { return s.name }
func (s *stubScraper) Supports(_ string) bool { return s.supports }
func (s *stubScraper) Scrape(_ context.Context, _ string) (*model.Document, error) {
	s.calls++
	return s.doc, s.err
}
