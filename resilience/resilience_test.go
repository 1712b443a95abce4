package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{
		FailureRateThreshold: 0.5, SlidingWindowSize: 4, MinCalls: 4,
		OpenDuration: time.Hour, ProbeCount: 2,
	})

	require.NoError(t, cb.allow())
	cb.record(true)
	require.NoError(t, cb.allow())
	cb.record(false)
	require.NoError(t, cb.allow())
	cb.record(false)
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.allow())
	cb.record(false)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_StaysClosedBelowMinCalls(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{
		FailureRateThreshold: 0.1, SlidingWindowSize: 10, MinCalls: 10,
		OpenDuration: time.Minute, ProbeCount: 2,
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, cb.allow())
		cb.record(false)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenClosesOnAllProbesSucceeding(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{
		FailureRateThreshold: 0.5, SlidingWindowSize: 2, MinCalls: 2,
		OpenDuration: time.Millisecond, ProbeCount: 2,
	})
	require.NoError(t, cb.allow())
	cb.record(false)
	require.NoError(t, cb.allow())
	cb.record(false)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cb.allow())
	cb.record(true)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.allow())
	cb.record(true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{
		FailureRateThreshold: 0.5, SlidingWindowSize: 2, MinCalls: 2,
		OpenDuration: time.Millisecond, ProbeCount: 2,
	})
	require.NoError(t, cb.allow())
	cb.record(false)
	require.NoError(t, cb.allow())
	cb.record(false)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cb.allow())
	cb.record(true)
	require.NoError(t, cb.allow())
	cb.record(false)

	assert.Equal(t, StateOpen, cb.State())
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 2})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsImmediatelyOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, NonRetryable(errors.New("declined"))
	}, RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 2})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("still failing")
	}, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, attempts)
}

func TestInvoker_RejectsWhileCircuitOpen(t *testing.T) {
	inv := NewInvoker(BreakerConfig{
		FailureRateThreshold: 0.5, SlidingWindowSize: 2, MinCalls: 2,
		OpenDuration: time.Hour, ProbeCount: 1,
	}, RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond})

	fail := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }
	_, _ = inv.Invoke(context.Background(), "svc", fail)
	_, _ = inv.Invoke(context.Background(), "svc", fail)

	assert.Equal(t, StateOpen, inv.State("svc"))

	called := false
	_, err := inv.Invoke(context.Background(), "svc", func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestInvoker_SuccessClosesAndReturnsResult(t *testing.T) {
	inv := NewInvoker(DefaultBreakerConfig(), DefaultRetryConfig())
	result, err := inv.Invoke(context.Background(), "svc", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, StateClosed, inv.State("svc"))
}
