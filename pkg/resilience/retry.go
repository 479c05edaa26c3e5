package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls the exponential-backoff-with-jitter loop used by
// Retry. It is deliberately separate from internal/backoff's delivery
// schedule: this one governs transient infrastructure calls (the
// kill-switch cache read), not webhook attempts.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig is tuned for a call expected to complete in milliseconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry calls fn until it succeeds, ctx is cancelled, or MaxAttempts is
// exhausted, sleeping with exponential backoff (optionally jittered)
// between attempts. It returns the last error on exhaustion.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	delay := config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		sleep := delay
		if config.JitterEnabled {
			sleep = time.Duration(rand.Int63n(int64(delay) + 1))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return lastErr
}

// RetryWithCircuitBreaker composes Retry with a CircuitBreaker: each
// attempt runs through cb.Execute, and an open breaker fails fast with
// ErrCircuitOpen instead of burning the retry budget.
func RetryWithCircuitBreaker(ctx context.Context, config RetryConfig, cb *CircuitBreaker, fn func() error) error {
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	circuitOpen := false
	err := Retry(retryCtx, config, func() error {
		err := cb.Execute(ctx, fn)
		if err == ErrCircuitOpen {
			circuitOpen = true
			cancel()
		}
		return err
	})
	if circuitOpen {
		return ErrCircuitOpen
	}
	return err
}
