package entity

import "time"

// AuditEntry is one record of the per-payment append-only trail.
// Seq is strictly increasing per payment; entries are never updated
// or deleted, corrections are appended as new entries.
type AuditEntry struct {
	ID uint64

	PaymentID uint64
	Seq       int64

	Action  string
	Details map[string]string

	CreatedAt time.Time
}
