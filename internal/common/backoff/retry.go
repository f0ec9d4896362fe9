// Package backoff implements retry with exponential backoff for node
// executions and collaborator calls.
package backoff

import (
	"context"
	"time"

	"github.com/orchestra-dev/orchestra/internal/common/logger"
)

type (
	// Operation to retry.
	Operation func(ctx context.Context) error

	// IsRetriableFunc reports whether an error is worth retrying.
	IsRetriableFunc func(err error) bool
)

// Policy describes an exponential backoff schedule. The interval before
// attempt n (1-based) is BaseInterval * 2^(n-1). MaxAttempts includes the
// first attempt; a value of 1 means no retries.
type Policy struct {
	MaxAttempts  int
	BaseInterval time.Duration
}

// DefaultPolicy matches the engine-wide default of three attempts with a
// one second base interval.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseInterval: time.Second}

// Interval returns the wait before the given 1-based retry attempt.
func (p Policy) Interval(attempt int) time.Duration {
	interval := p.BaseInterval
	for i := 1; i < attempt; i++ {
		interval *= 2
	}
	return interval
}

// Retry executes the operation until it succeeds, the policy is exhausted,
// or the context is cancelled. If isRetriable is nil all errors are retried.
// On exhaustion the last operation error is returned.
func Retry(ctx context.Context, op Operation, policy Policy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetriable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		interval := policy.Interval(attempt)
		logger.Debug(ctx, "Operation failed; scheduling retry",
			"attempt", attempt,
			"next-attempt-in", interval,
			"err", lastErr,
		)
		if err := waitWithContext(ctx, interval); err != nil {
			return err
		}
	}
	return lastErr
}

func waitWithContext(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
