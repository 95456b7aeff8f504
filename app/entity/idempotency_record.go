package entity

import "time"

const (
	IdempotencyPending   int32 = 1
	IdempotencyCompleted int32 = 10
)

// IdempotencyRecord maps an idempotency key to the outcome of the
// logical operation it guarded. A pending record marks an in-flight
// operation; a completed record carries the cached result.
type IdempotencyRecord struct {
	ID uint64

	Key       string
	PaymentID uint64
	Operation string

	Status     int32
	ResultJSON *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
