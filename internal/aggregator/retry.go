package aggregator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/roach88/corral/internal/errs"
)

// RetryPolicy controls how a lost optimistic-lock race is retried. The
// whole read, merge and write cycle is repeated on each attempt.
type RetryPolicy struct {
	// MaximumRetries bounds retries after the first attempt; 0 means
	// retry until the context ends.
	MaximumRetries int

	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration

	// MaximumRetryDelay caps the delay.
	MaximumRetryDelay time.Duration

	// ExponentialBackOff doubles the delay on every retry.
	ExponentialBackOff bool

	// RandomBackOff picks a random delay up to the computed one.
	RandomBackOff bool
}

// DefaultRetryPolicy retries without bound, starting at 50ms and doubling
// up to one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryDelay:         50 * time.Millisecond,
		MaximumRetryDelay:  time.Second,
		ExponentialBackOff: true,
	}
}

// ShouldRetry reports whether retry number n (starting at 1) may run.
func (p RetryPolicy) ShouldRetry(n int) bool {
	return p.MaximumRetries <= 0 || n <= p.MaximumRetries
}

// Delay returns the pause before retry number n (starting at 1).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.RetryDelay
	if d <= 0 {
		return 0
	}
	if p.ExponentialBackOff {
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaximumRetryDelay > 0 && d >= p.MaximumRetryDelay {
				break
			}
		}
	}
	if p.MaximumRetryDelay > 0 && d > p.MaximumRetryDelay {
		d = p.MaximumRetryDelay
	}
	if p.RandomBackOff {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// do runs fn until it succeeds, fails with anything other than an
// optimistic lock error, or retries are exhausted. The last error is
// returned unchanged so callers can still test it with errs.IsOptimisticLock.
func (p RetryPolicy) do(ctx context.Context, fn func(attempt int) error) error {
	for n := 0; ; n++ {
		err := fn(n)
		if err == nil || !errs.IsOptimisticLock(err) {
			return err
		}
		if !p.ShouldRetry(n + 1) {
			return err
		}

		timer := time.NewTimer(p.Delay(n + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", n+2, ctx.Err())
		case <-timer.C:
		}
	}
}
