// Package llm is the completion provider used by the synthesizer.
package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/cost"
	"github.com/sells-group/scrapegen/internal/resilience"
	"github.com/sells-group/scrapegen/pkg/anthropic"
)

// Request is one single-turn completion.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completion is the provider's answer.
type Completion struct {
	Text       string
	Model      string
	StopReason string
	Usage      cost.Usage
}

// Provider produces completions. Implementations must honor ctx.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = eris.New("llm: empty completion")

// AnthropicConfig configures AnthropicProvider.
type AnthropicConfig struct {
	Model    string
	Timeout  time.Duration
	CacheTTL string
	Retry    resilience.RetryConfig
}

// AnthropicProvider calls the Messages API with a cached system prompt,
// a per-call timeout, retries on transient failures and a circuit breaker.
type AnthropicProvider struct {
	client  anthropic.Client
	cfg     AnthropicConfig
	breaker *resilience.CircuitBreaker
}

// NewAnthropicProvider wraps client. The client should be built with
// anthropic.WithMaxRetries(0) so retries are not doubled.
func NewAnthropicProvider(client anthropic.Client, cfg AnthropicConfig) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicProvider{
		client: client,
		cfg:    cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			ShouldTrip:       resilience.IsTransient,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("llm: anthropic circuit breaker state change",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
	}
}

// Model returns the configured model id.
func (p *AnthropicProvider) Model() string { return p.cfg.Model }

// Complete sends req as one user turn.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	msg := anthropic.MessageRequest{
		Model:     p.cfg.Model,
		MaxTokens: int64(req.MaxTokens),
		Messages:  []anthropic.Message{{Role: "user", Content: req.User}},
	}
	if msg.MaxTokens <= 0 {
		msg.MaxTokens = 4096
	}
	if req.System != "" {
		msg.System = anthropic.BuildCachedSystemBlocks(req.System, p.cfg.CacheTTL)
	}
	temp := req.Temperature
	msg.Temperature = &temp

	retry := p.cfg.Retry
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("llm: retrying completion",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	resp, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			resp, err := p.client.CreateMessage(callCtx, msg)
			if err != nil {
				return nil, resilience.ClassifyStatus(err, anthropic.StatusCode(err))
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: complete")
	}

	out := &Completion{
		Text:       resp.Text(),
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage: cost.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}
	if out.Model == "" {
		out.Model = p.cfg.Model
	}
	if out.StopReason == "max_tokens" {
		zap.L().Warn("llm: completion truncated at max_tokens",
			zap.Int64("max_tokens", msg.MaxTokens),
		)
	}
	if out.Text == "" {
		return nil, ErrEmptyCompletion
	}
	return out, nil
}
