// Package resilience provides retry and circuit breaker helpers for calls to
// the completion provider and document fetchers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the position of a breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until ResetTimeout has passed since it opened.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through; one tripping failure reopens.
	CircuitHalfOpen
)

var stateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig tunes a CircuitBreaker. Zero values take the
// defaults of DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive tripping failures open the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes successful probes close the breaker.
	HalfOpenMaxProbes int
	// ShouldTrip selects the errors that count as failures. Nil counts all.
	ShouldTrip    func(err error) bool
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the provider defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker sheds calls to a failing dependency. Failures caused by
// the caller's own context ending are not counted: a cancelled job says
// nothing about the provider's health.
type CircuitBreaker struct {
	cfg     CircuitBreakerConfig
	nowFunc func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	probes   int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return &CircuitBreaker{cfg: cfg, nowFunc: time.Now}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.acquire(ctx); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.release(ctx, err)
	return val, err
}

// State reports the breaker position. An open breaker whose timeout has
// passed reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.probes = 0, 0
	cb.moveTo(CircuitClosed)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if !cb.cooledDown() {
		return ErrCircuitOpen
	}
	cb.probes = 0
	cb.moveTo(CircuitHalfOpen)
	return nil
}

func (cb *CircuitBreaker) release(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}
	trips := err != nil && (cb.cfg.ShouldTrip == nil || cb.cfg.ShouldTrip(err))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil && cb.state == CircuitHalfOpen:
		cb.probes++
		if cb.probes >= cb.cfg.HalfOpenMaxProbes {
			cb.failures, cb.probes = 0, 0
			cb.moveTo(CircuitClosed)
		}
	case err == nil:
		cb.failures = 0
	case !trips:
		// not the dependency's fault; leave the counters alone
	case cb.state == CircuitHalfOpen:
		cb.open()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.probes = 0
	cb.moveTo(CircuitOpen)
}

// moveTo must be called with mu held.
func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
