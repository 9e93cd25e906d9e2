package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errTransient = fmt.Errorf("transient")

func alwaysRetryable(error) bool { return true }

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, Retryable: alwaysRetryable}, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("unexpected calls: got=%d want=1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	cfg := Config{
		MaxAttempts: 4,
		Backoff:     Exponential(1*time.Second, 10*time.Second),
		Retryable:   alwaysRetryable,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("unexpected calls: got=%d want=3", calls)
	}
	if len(slept) != 2 || slept[0] != 1*time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff sequence: %v", slept)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	terminal := errors.New("terminal")
	calls := 0
	cfg := Config{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, terminal) },
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("unexpected calls: got=%d want=1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := Config{
		MaxAttempts: 2,
		Retryable:   alwaysRetryable,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("unexpected calls: got=%d want=2", calls)
	}
}

func TestDoRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Config{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		t.Fatal("fn should not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExponentialCaps(t *testing.T) {
	b := Exponential(1*time.Second, 4*time.Second)
	if got := b(0); got != 1*time.Second {
		t.Fatalf("attempt 0: got=%v", got)
	}
	if got := b(1); got != 2*time.Second {
		t.Fatalf("attempt 1: got=%v", got)
	}
	if got := b(5); got != 4*time.Second {
		t.Fatalf("attempt 5 should cap: got=%v", got)
	}
}
