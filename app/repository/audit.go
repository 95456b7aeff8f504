package repository

import (
	"context"
	"errors"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
)

var ErrAuditAppendConflict = errors.New("audit sequence conflict")

const auditAppendRetries = 3

// AuditRepository is append-only. There is deliberately no update or
// delete: corrections to the trail are represented as new entries.
type AuditRepository struct {
	db DBTX
}

func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes the next entry for the payment, assigning the next
// per-payment sequence number inside the insert. The unique
// (payment_id, seq) key makes concurrent appends collide instead of
// reusing a slot; colliding appends are retried with a fresh sequence.
func (r *AuditRepository) Append(ctx context.Context, entry *entity.AuditEntry) error {
	detailsJSON, err := serializeStringMap(entry.Details)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_entries (payment_id, seq, action, details_json, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM audit_entries
		WHERE payment_id = ?
	`

	var lastErr error
	for attempt := 0; attempt < auditAppendRetries; attempt++ {
		result, err := r.db.ExecContext(ctx, query,
			entry.PaymentID,
			entry.Action,
			detailsJSON,
			entry.CreatedAt,
			entry.PaymentID,
		)
		if err != nil {
			if isDuplicateEntryError(err) {
				lastErr = ErrAuditAppendConflict
				continue
			}
			return err
		}

		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		entry.ID = uint64(id)
		return nil
	}

	return lastErr
}

func (r *AuditRepository) ListByPaymentID(ctx context.Context, paymentID uint64) ([]*entity.AuditEntry, error) {
	query := `
		SELECT id, payment_id, seq, action, details_json, created_at
		FROM audit_entries
		WHERE payment_id = ?
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*entity.AuditEntry, 0)
	for rows.Next() {
		entry := &entity.AuditEntry{}
		var detailsJSON string
		if err := rows.Scan(&entry.ID, &entry.PaymentID, &entry.Seq, &entry.Action, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		details, err := parseStringMap(detailsJSON)
		if err != nil {
			return nil, err
		}
		entry.Details = details
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
