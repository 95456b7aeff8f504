package service

import (
	"fmt"

	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

// canTransition is the complete edge set of the payment lifecycle.
// Partial refunds are not an edge: they keep the payment in Captured
// and only move the refunded counter.
func canTransition(from, to types.PaymentStatus) bool {
	switch from {
	case types.PaymentStatusPending:
		return to == types.PaymentStatusAuthorized || to == types.PaymentStatusFailed
	case types.PaymentStatusAuthorized:
		return to == types.PaymentStatusCaptured || to == types.PaymentStatusFailed
	case types.PaymentStatusCaptured:
		// Captured -> Failed is retained for gateway-driven correction
		// only: no API operation takes it, since a refund failure keeps
		// the captured funds standing.
		return to == types.PaymentStatusRefunded ||
			to == types.PaymentStatusDisputed ||
			to == types.PaymentStatusFailed
	case types.PaymentStatusRefunded:
		return to == types.PaymentStatusDisputed
	case types.PaymentStatusDisputed, types.PaymentStatusFailed, types.PaymentStatusUnspecified:
		return false
	default:
		return false
	}
}

// requireStatus guards an operation against the current status. The
// returned error wraps ErrInvalidTransition so callers can match it.
func requireStatus(current types.PaymentStatus, operation string, allowed ...types.PaymentStatus) error {
	for _, status := range allowed {
		if current == status {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not allowed while %s", ErrInvalidTransition, operation, current)
}
