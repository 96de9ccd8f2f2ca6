package retry

import (
	"context"
	"log/slog"
	"time"
)

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Retryable reports whether err may succeed on another attempt.
	// When nil every error is retried.
	Retryable func(err error) bool
	// Sleep waits between attempts. Defaults to WaitForContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential returns base * 2^attempt, attempt being the zero-based index of
// the attempt that just failed.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << uint(attempt)
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = WaitForContext
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt + 1, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		slog.Warn("attempt failed, retrying", "op", name, "attempt", attempt+1, "max_attempts", maxAttempts, "backoff", delay, "error", err)
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return attempt + 1, err
		}
	}
	slog.Error("attempts exhausted", "op", name, "attempts", maxAttempts, "error", err)
	return maxAttempts, err
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
