package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/scrapegen/internal/resilience"
)

// AdaptiveLimiter wraps a rate.Limiter that slows down on 429 responses.
// On success it raises the rate by 20% (up to the initial rate). On 429 it
// halves the rate (down to initial/4).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, capped at the configured rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := min(a.currentRate*1.2, a.initialRate)
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := max(a.currentRate*0.5, a.minRate)
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("llm: reducing completion rate after 429",
		zap.Float64("per_minute", float64(newRate)*60),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// RateLimited bounds completions per minute across every worker sharing it.
type RateLimited struct {
	next    Provider
	limiter *AdaptiveLimiter
}

// NewRateLimited wraps next with a completions-per-minute budget.
// perMinute <= 0 disables limiting.
func NewRateLimited(next Provider, perMinute int) *RateLimited {
	r := &RateLimited{next: next}
	if perMinute > 0 {
		r.limiter = NewAdaptiveLimiter(rate.Limit(float64(perMinute)/60), 1)
	}
	return r
}

// Limiter exposes the underlying limiter, or nil when unlimited.
func (r *RateLimited) Limiter() *AdaptiveLimiter { return r.limiter }

// Complete waits for a slot and forwards req.
func (r *RateLimited) Complete(ctx context.Context, req Request) (*Completion, error) {
	if r.limiter == nil {
		return r.next.Complete(ctx, req)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: rate limit wait")
	}
	out, err := r.next.Complete(ctx, req)
	switch {
	case err == nil:
		r.limiter.OnSuccess()
	case isRateLimited(err):
		r.limiter.OnRateLimit()
	}
	return out, err
}

func isRateLimited(err error) bool {
	var te *resilience.TransientError
	return errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests
}
