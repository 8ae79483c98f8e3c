package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFail = errors.New("fail")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errFail })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	assert.Equal(t, CircuitClosed, cb.State())

	failN(cb, 3)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	failN(cb, 5)
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewTransientError(errFail, 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	failN(cb, 1)
	v, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 9, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, v)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errFail
				}
				return nil
			})
			_ = cb.State()
		}(i)
	}
	wg.Wait()
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

func TestCircuitBreaker_CallerCancellationDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())

	// a done context is refused before calling through
	err = cb.Execute(ctx, func(_ context.Context) error {
		t.Error("should not be called with a done context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_NonTrippingErrorKeepsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ShouldTrip: IsTransient, ResetTimeout: time.Minute})

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return NewTransientError(errFail, 503) })
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errFail })
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return NewTransientError(errFail, 503) })
	assert.Equal(t, CircuitOpen, cb.State())
}
