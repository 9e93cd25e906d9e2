// Package retry provides a bounded retry-with-backoff loop shared by the
// workflow-engine call and the thinking poller.
package retry

import (
	"context"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/httpx"
)

// Backoff computes the sleep before the given attempt (0-based).
type Backoff func(attempt int) time.Duration

// Exponential doubles the base delay per attempt, capped at max.
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

type Config struct {
	// MaxAttempts counts the first try. Values below 1 mean a single attempt.
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether an error is worth another attempt.
	// Defaults to httpx.IsRetryableError.
	Retryable func(error) bool
	// Sleep is injectable for tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, the error is not retryable, or attempts are
// exhausted. The last error is returned as-is so callers can classify it.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = Exponential(1*time.Second, 10*time.Second)
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = httpx.IsRetryableError
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts-1 {
			return lastErr
		}
		if err := sleep(ctx, backoff(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}
