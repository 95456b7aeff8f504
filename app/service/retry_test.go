package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/gateway"
)

func newFastRetrier(maxAttempts int) *Retrier {
	r := NewRetrier(RetryPolicy{MaxAttempts: maxAttempts, BackoffBase: time.Second})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRetrierSucceedsFirstAttempt(t *testing.T) {
	r := newFastRetrier(3)

	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("expected single attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetrierRetriesTransientUntilSuccess(t *testing.T) {
	r := newFastRetrier(3)

	calls := 0
	failures := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &gateway.Error{Code: "api_error", Message: "flaky", Retryable: true}
		}
		return nil
	}, func(int, error) { failures++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 || failures != 2 {
		t.Fatalf("expected 3 attempts and 2 recorded failures, got %d and %d", attempts, failures)
	}
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := newFastRetrier(3)

	transient := &gateway.Error{Code: "api_error", Message: "down", Retryable: true}
	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return transient
	}, nil)
	if !errors.Is(err, transient) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetrierStopsOnTerminalError(t *testing.T) {
	r := newFastRetrier(3)

	terminal := &gateway.Error{Code: "card_declined", Message: "declined", Retryable: false}
	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return terminal
	}, nil)
	if !errors.Is(err, terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("terminal errors must not be retried, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetrierCircuitOpenConsumesNoAttempt(t *testing.T) {
	r := newFastRetrier(3)

	failures := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		return gateway.ErrCircuitOpen
	}, func(int, error) { failures++ })
	if !errors.Is(err, gateway.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("circuit open must not count as an attempt, got %d", attempts)
	}
	if failures != 0 {
		t.Fatalf("circuit open must not be recorded as an attempt failure, got %d", failures)
	}
}

func TestRetrierTreatsTimeoutAsTransient(t *testing.T) {
	r := newFastRetrier(2)

	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if attempts != 2 || calls != 2 {
		t.Fatalf("timeouts must be retried, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetrierStopsWhenContextCanceledDuringBackoff(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second})
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	transient := &gateway.Error{Code: "api_error", Message: "down", Retryable: true}

	calls := 0
	attempts, err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return transient
	}, nil)
	if !errors.Is(err, transient) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("expected retries to stop on cancellation, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetrierBackoffDoublesWithJitter(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 4, BackoffBase: time.Second})

	for attempt := 1; attempt <= 3; attempt++ {
		base := time.Second << (attempt - 1)
		for i := 0; i < 100; i++ {
			wait := r.backoff(attempt)
			if wait < base/2 || wait > base+base/2 {
				t.Fatalf("attempt %d backoff %v outside [%v, %v]", attempt, wait, base/2, base+base/2)
			}
		}
	}
}
