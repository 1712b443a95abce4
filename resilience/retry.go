package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig mirrors the shape of retry.Config but adds jitter and a
// retryable/non-retryable classification (§4.8 "retry wrapper").
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	JitterRatio   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3, InitialDelay: 50 * time.Millisecond,
		BackoffFactor: 2.0, MaxDelay: 2 * time.Second,
	}
}

// nonRetryableError marks a failure that should not be retried, e.g. a 4xx
// response or a business rule violation distinct from transient unavailability.
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so Retry stops after the first attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func isNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}

// ErrRetriesExhausted wraps the last underlying error once MaxAttempts have
// all failed (§4.8 contract: "RETRIES_EXHAUSTED").
var ErrRetriesExhausted = errors.New("resilience: retries exhausted")

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) (any, error)

// Retry runs op under cfg, retrying transient failures with exponential
// backoff and jitter. A NonRetryable error or ctx cancellation aborts
// immediately without burning remaining attempts.
func Retry(ctx context.Context, op Operation, cfg RetryConfig) (any, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = DefaultRetryConfig().InitialDelay
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isNonRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		wait := time.Duration(float64(delay) * pow(cfg.BackoffFactor, float64(attempt-1)))
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		if cfg.JitterRatio > 0 {
			wait += time.Duration(rand.Float64() * cfg.JitterRatio * float64(wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}

	if isNonRetryable(lastErr) {
		return nil, lastErr
	}
	return nil, errors.Join(ErrRetriesExhausted, lastErr)
}

func pow(base, exp float64) float64 {
	if exp <= 0 {
		return 1
	}
	result := base
	for i := 1; i < int(exp); i++ {
		result *= base
	}
	return result
}
