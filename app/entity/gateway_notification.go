package entity

import "time"

const (
	NotificationProcessed int32 = 10
	NotificationRejected  int32 = 20
)

// GatewayNotification stores every inbound gateway webhook, processed
// or rejected, keyed to the payment it targeted when one was resolved.
type GatewayNotification struct {
	ID uint64

	PaymentID *uint64

	Gateway      string
	CallbackHash string
	Signature    string
	PayloadJSON  string
	Status       int32
	Error        *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
