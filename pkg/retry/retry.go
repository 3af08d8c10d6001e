// Package retry provides the retry policy used by every staged
// provisioning step in the fleet. Policies are declared once per
// operation (engine launch, context creation, tab creation, navigation)
// instead of inlining attempt counts and sleeps at each call site.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff computes the wait before the given attempt. Attempts are
// 1-based; the backoff for attempt 1 is the wait inserted after the
// first failure, before the second try.
type Backoff func(attempt int) time.Duration

// Fixed returns a backoff that always waits d.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Linear returns a backoff of attempt*step, capped at max.
// A zero max means uncapped.
func Linear(step, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := time.Duration(attempt) * step
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// Backoff computes the wait between failed attempts. Nil means no wait.
	Backoff Backoff

	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt runs under the caller's context only.
	AttemptTimeout time.Duration
}

// Do runs op under the policy. It returns nil as soon as one attempt
// succeeds. Once the retry budget is exhausted it returns the last
// error wrapped with the attempt count.
//
// Backoff waits are abandoned promptly when ctx is cancelled, so a
// shutdown signal never stalls behind a sleeping retry loop.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		lastErr = op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.wait(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (p Policy) wait(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep is a cancellable wait used for the inter-tier cooldown delays
// between provisioning steps. It returns ctx.Err() if the wait was
// abandoned.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}
