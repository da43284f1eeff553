// Package retry provides a generic retry executor on top of
// github.com/cenkalti/backoff/v5. It is deliberately not expressed as a
// port interface in internal/ports: Go does not allow a generic method
// on a non-generic interface, and internal/ports/*.go deal exclusively
// in ordinary (non-generic-method) interfaces. Do and TryDo are free
// generic functions instead, grounded on the same library the teacher
// repo's imaging pipeline already depends on.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config bounds a single retry sequence. Delay is required; MaxAttempts
// must be >= 1. MaxElapsed of zero means no elapsed-time ceiling.
type Config struct {
	MaxAttempts int
	Delay       BackoffPolicy
	MaxElapsed  time.Duration
	// IsRetryable decides whether an error returned by the operation
	// should be retried. Nil means every error is retryable.
	IsRetryable func(error) bool
}

func (c Config) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry: MaxAttempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.Delay == nil {
		return fmt.Errorf("retry: Delay policy is required")
	}
	return nil
}

// policyBackOff adapts our BackoffPolicy to cenkalti/backoff/v5's BackOff
// interface, which asks for the next delay with no attempt number — so
// this wrapper tracks it.
type policyBackOff struct {
	policy  BackoffPolicy
	attempt int
}

func (p *policyBackOff) NextBackOff() time.Duration {
	p.attempt++
	return p.policy.Delay(p.attempt)
}

func (p *policyBackOff) Reset() {
	p.attempt = 0
}

// Do executes fn, retrying per cfg until it succeeds, a non-retryable
// error is hit, or attempts/elapsed time are exhausted. The context
// passed to fn is the same ctx Do was called with; cancelling it aborts
// the retry loop immediately.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cfg.validate(); err != nil {
		return zero, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&policyBackOff{policy: cfg.Delay}),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	}
	if cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.MaxElapsed))
	}

	isRetryable := cfg.IsRetryable
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Outcome is the richer, non-error-returning result TryDo reports. It
// never panics or returns a Go error for an exhausted retry sequence —
// callers branch on Success instead, mirroring the discriminated-result
// style used throughout the upload core.
type Outcome[T any] struct {
	Success   bool
	Value     T
	Attempts  int
	ElapsedMs int64
	Err       error
	Aborted   bool // context was cancelled mid-retry
	TimedOut  bool // MaxElapsed was exceeded
}

// TryDo runs Do and packages the result as an Outcome instead of a bare
// (T, error) pair, so callers that want attempt counts and timing don't
// have to unwrap backoff's internal error types themselves.
func TryDo[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) Outcome[T] {
	start := time.Now()
	attempts := 0
	counting := func(ctx context.Context) (T, error) {
		attempts++
		return fn(ctx)
	}

	v, err := Do(ctx, cfg, counting)
	elapsed := time.Since(start)

	if err != nil {
		return Outcome[T]{
			Success:   false,
			Err:       err,
			Attempts:  attempts,
			ElapsedMs: elapsed.Milliseconds(),
			Aborted:   errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded),
			TimedOut:  cfg.MaxElapsed > 0 && elapsed >= cfg.MaxElapsed,
		}
	}

	return Outcome[T]{
		Success:   true,
		Value:     v,
		Attempts:  attempts,
		ElapsedMs: elapsed.Milliseconds(),
	}
}
