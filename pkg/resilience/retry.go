// Package resilience provides failure-handling primitives: an exponential
// backoff retry executor, a circuit breaker and a token bucket rate limiter.
// They are explicit strategy objects parameterized by policy structs and an
// operation closure, so callers compose them without hidden decorators.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/streamhaus/lakesink/pkg/errors"
)

// RetryPolicy defines retry behavior.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       float64
}

// StorageRetryPolicy returns the policy for storage writes.
func StorageRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
		Jitter:       0.2,
	}
}

// NetworkRetryPolicy returns the policy for network calls.
func NetworkRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
		Jitter:       0.2,
	}
}

// Retrier runs fallible operations under a retry policy. Only errors in the
// transient class are retried; permanent errors surface immediately.
type Retrier struct {
	policy      RetryPolicy
	shouldRetry func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier with the default transient-error classifier.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{
		policy:      policy,
		shouldRetry: errors.IsRetryable,
		sleep:       sleepContext,
	}
}

// WithClassifier overrides the retryability check.
func (r *Retrier) WithClassifier(shouldRetry func(error) bool) *Retrier {
	r.shouldRetry = shouldRetry
	return r
}

// Execute runs fn until it succeeds, a permanent error occurs, the context
// is cancelled, or attempts are exhausted; in the last case it returns the
// final error.
func (r *Retrier) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		if err := r.sleep(ctx, r.Delay(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", r.policy.MaxAttempts, lastErr)
}

// Delay computes the backoff delay for an attempt:
// min(maxDelay, initial * base^attempt), randomized by the jitter factor.
func (r *Retrier) Delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Base, float64(attempt))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter > 0 {
		delta := delay * r.policy.Jitter
		delay = delay - delta + rand.Float64()*2*delta
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
