package entity

import "time"

const (
	CallbackDeliveryNone    int32 = 0
	CallbackDeliveryPending int32 = 1
	CallbackDeliverySuccess int32 = 10
	CallbackDeliveryFailed  int32 = 20
)

// Payment is the permanent financial record for one logical payment.
// Rows are never deleted; terminal payments are retained indefinitely.
type Payment struct {
	ID uint64

	ApplicationID *string
	PropertyID    string
	UserID        string

	Type   int32
	Status int32

	AmountCents   int64
	CapturedCents int64
	RefundedCents int64
	Currency      string

	// Opaque encrypted reference to the stored payment instrument.
	// Never written to logs or audit entries.
	GatewayPaymentMethodRef string

	Gateway              int32
	GatewayTransactionID *string
	GatewayCallbackHash  string

	IdempotencyKey string

	DueDate  *time.Time
	PaidDate *time.Time

	FailureReason *string

	Metadata map[string]string

	StatusCallbackURL        string
	CallbackDeliveryStatus   int32
	CallbackDeliveryAttempts int32
	CallbackDeliveryNextAt   *time.Time
	CallbackDeliveryLastErr  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
