package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrGatewayNotSupported = errors.New("gateway is not supported")

	// ErrCircuitOpen is returned without touching the gateway while the
	// circuit breaker for the target is open.
	ErrCircuitOpen = errors.New("gateway circuit is open")
)

// Error is a classified gateway failure. Retryable errors (timeouts,
// 5xx-equivalents, rate limits) may be retried; terminal errors
// (declined instrument, validation rejections) must not be.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
}

// IsRetryable reports whether the retry coordinator may attempt the
// call again. Deadline and network timeouts count as transient;
// circuit-open is neither retried nor counted as an attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// ErrorClass names the taxonomy bucket of a gateway call failure for
// audit entries and cached idempotency results.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsRetryable(err):
		return "gateway_transient"
	default:
		return "gateway_terminal"
	}
}
