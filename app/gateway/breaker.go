package gateway

import (
	"context"
	"sync"
	"time"
)

const (
	breakerClosed   int32 = 0
	breakerOpen     int32 = 1
	breakerHalfOpen int32 = 2
)

type BreakerConfig struct {
	// FailureRateThreshold opens the breaker when the failure share of
	// the current window reaches it. Range (0, 1].
	FailureRateThreshold float64
	// MinSamples is the minimum number of calls in the window before
	// the rate is evaluated at all.
	MinSamples int32
	// Window bounds the rolling counters; counters reset when it elapses.
	Window time.Duration
	// Cooldown is how long the breaker stays open before admitting
	// trial calls.
	Cooldown time.Duration
	// HalfOpenMaxCalls is the number of trial calls that must all
	// succeed before the breaker closes again.
	HalfOpenMaxCalls int32
}

// Breaker is the shared per-gateway-target circuit breaker. One
// instance is shared by reference across every payment that talks to
// the same target; all state changes happen under a single lock.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu             sync.Mutex
	state          int32
	windowStart    time.Time
	successes      int32
	failures       int32
	openedAt       time.Time
	trialInFlight  int32
	trialSuccesses int32
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &Breaker{
		cfg: cfg,
		now: time.Now,
	}
}

// Allow reserves permission for one call. It returns ErrCircuitOpen
// while the target is circuit-broken.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case breakerClosed:
		b.rotateWindowLocked(now)
		return nil
	case breakerOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = breakerHalfOpen
		b.trialInFlight = 1
		b.trialSuccesses = 0
		return nil
	case breakerHalfOpen:
		if b.trialInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.trialInFlight++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case breakerClosed:
		b.rotateWindowLocked(now)
		b.successes++
	case breakerHalfOpen:
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.state = breakerClosed
			b.resetWindowLocked(now)
		}
	case breakerOpen:
		// Late result from a call admitted before the breaker opened.
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case breakerClosed:
		b.rotateWindowLocked(now)
		b.failures++
		total := b.successes + b.failures
		if total >= b.cfg.MinSamples && float64(b.failures)/float64(total) >= b.cfg.FailureRateThreshold {
			b.state = breakerOpen
			b.openedAt = now
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = now
	case breakerOpen:
	}
}

func (b *Breaker) rotateWindowLocked(now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.cfg.Window {
		b.resetWindowLocked(now)
	}
}

func (b *Breaker) resetWindowLocked(now time.Time) {
	b.windowStart = now
	b.successes = 0
	b.failures = 0
}

type breakerGateway struct {
	inner   Gateway
	breaker *Breaker
}

// WithBreaker wraps every gateway call in the shared breaker. Only
// transient infrastructure failures count against the error rate; a
// terminal decline is a healthy answer from the gateway.
func WithBreaker(inner Gateway, breaker *Breaker) Gateway {
	return &breakerGateway{inner: inner, breaker: breaker}
}

func (g *breakerGateway) Code() int32 {
	return g.inner.Code()
}

func (g *breakerGateway) record(err error) {
	if IsRetryable(err) {
		g.breaker.RecordFailure()
		return
	}
	g.breaker.RecordSuccess()
}

func (g *breakerGateway) Authorize(ctx context.Context, input *AuthorizeInput) (*AuthorizeOutput, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	out, err := g.inner.Authorize(ctx, input)
	g.record(err)
	return out, err
}

func (g *breakerGateway) Capture(ctx context.Context, gatewayTransactionID string, amountCents int64) (*CaptureOutput, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	out, err := g.inner.Capture(ctx, gatewayTransactionID, amountCents)
	g.record(err)
	return out, err
}

func (g *breakerGateway) Refund(ctx context.Context, gatewayTransactionID string, amountCents int64, reason string) (*RefundOutput, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	out, err := g.inner.Refund(ctx, gatewayTransactionID, amountCents, reason)
	g.record(err)
	return out, err
}

func (g *breakerGateway) GetTransactionStatus(ctx context.Context, gatewayTransactionID string) (string, error) {
	if err := g.breaker.Allow(); err != nil {
		return TxStatusUnknown, err
	}
	out, err := g.inner.GetTransactionStatus(ctx, gatewayTransactionID)
	g.record(err)
	return out, err
}

func (g *breakerGateway) VerifyAndParseNotification(ctx context.Context, payload []byte, signature string) (*DisputeEvent, error) {
	// Signature verification is local, no breaker involvement.
	return g.inner.VerifyAndParseNotification(ctx, payload, signature)
}
