package scrape

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/resilience"
	"github.com/sells-group/scrapegen/pkg/jina"
)

// JinaAdapter wraps a Jina Reader client as a Scraper with a circuit
// breaker. Jina returns reader text only, so its documents have no HTML.
type JinaAdapter struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaAdapter creates a JinaAdapter. Three consecutive failures open the
// circuit for 60s, causing immediate fallback to the next scraper.
func NewJinaAdapter(client jina.Client) *JinaAdapter {
	return &JinaAdapter{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("scrape: jina circuit breaker state change",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
	}
}

func (j *JinaAdapter) Name() string { return "jina" }

// Supports returns true unless the circuit breaker is open.
func (j *JinaAdapter) Supports(_ string) bool {
	return j.breaker.State() != resilience.CircuitOpen
}

// Scrape fetches a URL via Jina Reader and validates the response.
func (j *JinaAdapter) Scrape(ctx context.Context, targetURL string) (*model.Document, error) {
	return resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*model.Document, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return nil, err
		}
		if needsFallback(resp) {
			return nil, eris.New("jina: response needs fallback")
		}
		u := resp.Data.URL
		if u == "" {
			u = targetURL
		}
		return &model.Document{
			URL:        u,
			Title:      resp.Data.Title,
			Markdown:   resp.Data.Content,
			StatusCode: 200,
			Source:     "jina",
			FetchedAt:  time.Now().UTC(),
		}, nil
	})
}

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// needsFallback reports whether a Jina response is empty, an error, or a
// short challenge page.
func needsFallback(resp *jina.ReadResponse) bool {
	if resp == nil {
		return true
	}
	if resp.Code != 0 && resp.Code != 200 {
		return true
	}

	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < 100 {
		return true
	}
	if len(content) >= 1000 {
		return false
	}

	lower := strings.ToLower(content)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
