package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
)

var (
	ErrIdempotencyKeyExists   = errors.New("idempotency key already exists")
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

type IdempotencyRepository struct {
	db DBTX
}

func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// InsertPending claims the key. The unique index on the key column is
// the atomic check-and-set: the second concurrent claimant receives
// ErrIdempotencyKeyExists.
func (r *IdempotencyRepository) InsertPending(ctx context.Context, record *entity.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (idempotency_key, payment_id, operation, status, result_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	record.Status = entity.IdempotencyPending
	result, err := r.db.ExecContext(ctx, query,
		record.Key,
		record.PaymentID,
		record.Operation,
		record.Status,
		nullableStringValue(record.ResultJSON),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrIdempotencyKeyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	record.ID = uint64(id)
	return nil
}

func (r *IdempotencyRepository) FindByKey(ctx context.Context, key string) (*entity.IdempotencyRecord, error) {
	query := `
		SELECT id, idempotency_key, payment_id, operation, status, result_json, created_at, updated_at
		FROM idempotency_keys
		WHERE idempotency_key = ?
		LIMIT 1
	`

	record := &entity.IdempotencyRecord{}
	var resultJSON sql.NullString
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&record.ID,
		&record.Key,
		&record.PaymentID,
		&record.Operation,
		&record.Status,
		&resultJSON,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	record.ResultJSON = stringPtrFromNull(resultJSON)
	return record, nil
}

func (r *IdempotencyRepository) MarkCompleted(ctx context.Context, key string, resultJSON string, now time.Time) error {
	query := `
		UPDATE idempotency_keys
		SET status = ?, result_json = ?, updated_at = ?
		WHERE idempotency_key = ?
	`

	result, err := r.db.ExecContext(ctx, query, entity.IdempotencyCompleted, resultJSON, now, key)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrIdempotencyKeyNotFound
	}

	return nil
}

// DeleteByKey releases an abandoned claim so the key becomes
// claimable again. Completed records are never deleted through the
// service; this exists for claims that never reached the gateway.
func (r *IdempotencyRepository) DeleteByKey(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency_keys WHERE idempotency_key = ? AND status = ?`
	_, err := r.db.ExecContext(ctx, query, key, entity.IdempotencyPending)
	return err
}

func (r *IdempotencyRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.IdempotencyRecord, error) {
	query := `
		SELECT id, idempotency_key, payment_id, operation, status, result_json, created_at, updated_at
		FROM idempotency_keys
		WHERE status = ?
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.IdempotencyPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*entity.IdempotencyRecord, 0)
	for rows.Next() {
		record := &entity.IdempotencyRecord{}
		var resultJSON sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.Key,
			&record.PaymentID,
			&record.Operation,
			&record.Status,
			&resultJSON,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, err
		}
		record.ResultJSON = stringPtrFromNull(resultJSON)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// SetPaymentID backfills the payment reference on records claimed
// before the payment row existed (submit operations).
func (r *IdempotencyRepository) SetPaymentID(ctx context.Context, key string, paymentID uint64, now time.Time) error {
	query := `
		UPDATE idempotency_keys
		SET payment_id = ?, updated_at = ?
		WHERE idempotency_key = ?
	`

	_, err := r.db.ExecContext(ctx, query, paymentID, now, key)
	return err
}
