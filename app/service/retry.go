package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/gateway"
)

type RetryPolicy struct {
	// MaxAttempts bounds the total number of calls, first try included.
	MaxAttempts int
	// BackoffBase is the wait before the second attempt; it doubles
	// per attempt and carries ±50% jitter.
	BackoffBase time.Duration
}

// Retrier drives one gateway call through the bounded-retry policy.
// Terminal errors stop immediately; circuit-open is surfaced without
// consuming an attempt. Waits are local to the calling goroutine, so
// one payment backing off never delays another.
type Retrier struct {
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = time.Second
	}
	return &Retrier{
		policy: policy,
		sleep:  sleepWithContext,
	}
}

// Do runs op until it succeeds, fails terminally, or the attempt limit
// is reached. onAttemptFailure fires once per failed attempt, before
// any backoff wait. Returns the number of attempts made and the last
// error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error, onAttemptFailure func(attempt int, err error)) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}

		if errors.Is(err, gateway.ErrCircuitOpen) {
			// Not an attempt against the gateway: fail fast unrecorded.
			return attempt - 1, err
		}

		lastErr = err
		if onAttemptFailure != nil {
			onAttemptFailure(attempt, err)
		}

		if !gateway.IsRetryable(err) {
			return attempt, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return attempt, lastErr
		}
	}

	return r.policy.MaxAttempts, lastErr
}

// backoff returns base * 2^(attempt-1) with ±50% jitter.
func (r *Retrier) backoff(attempt int) time.Duration {
	wait := r.policy.BackoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(wait))) - wait/2
	return wait + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
