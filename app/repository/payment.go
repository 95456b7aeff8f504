package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
)

var (
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrPaymentAlreadyExists  = errors.New("payment already exists")
	ErrPaymentStatusConflict = errors.New("payment status changed concurrently")
)

type PaymentFilter struct {
	UserID     string
	PropertyID string

	HasStatus bool
	Status    int32

	HasType bool
	Type    int32

	CreatedFrom *time.Time
	CreatedTo   *time.Time

	HasMinAmount   bool
	MinAmountCents int64
	HasMaxAmount   bool
	MaxAmountCents int64

	Limit  int32
	Offset int32
}

const paymentColumns = `
	id, application_id, property_id, user_id, type, status,
	amount_cents, captured_cents, refunded_cents, currency,
	gateway_payment_method_ref, gateway, gateway_transaction_id, gateway_callback_hash,
	idempotency_key, due_date, paid_date, failure_reason, metadata_json,
	status_callback_url, callback_delivery_status, callback_delivery_attempts,
	callback_delivery_next_at, callback_delivery_last_error,
	created_at, updated_at
`

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	metadataJSON, err := serializeStringMap(payment.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payments (
			application_id, property_id, user_id, type, status,
			amount_cents, captured_cents, refunded_cents, currency,
			gateway_payment_method_ref, gateway, gateway_transaction_id, gateway_callback_hash,
			idempotency_key, due_date, paid_date, failure_reason, metadata_json,
			status_callback_url, callback_delivery_status, callback_delivery_attempts,
			callback_delivery_next_at, callback_delivery_last_error,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(payment.ApplicationID),
		payment.PropertyID,
		payment.UserID,
		payment.Type,
		payment.Status,
		payment.AmountCents,
		payment.CapturedCents,
		payment.RefundedCents,
		payment.Currency,
		payment.GatewayPaymentMethodRef,
		payment.Gateway,
		nullableStringValue(payment.GatewayTransactionID),
		payment.GatewayCallbackHash,
		payment.IdempotencyKey,
		nullableTimeValue(payment.DueDate),
		nullableTimeValue(payment.PaidDate),
		nullableStringValue(payment.FailureReason),
		metadataJSON,
		payment.StatusCallbackURL,
		payment.CallbackDeliveryStatus,
		payment.CallbackDeliveryAttempts,
		nullableTimeValue(payment.CallbackDeliveryNextAt),
		nullableStringValue(payment.CallbackDeliveryLastErr),
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrPaymentAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	payment.ID = uint64(id)
	return nil
}

// Update persists every mutable column. Identity columns (amount,
// currency, idempotency key, callback hash) are intentionally not in
// the SET list; the engine never changes them after creation. The
// write is a compare-and-set on the status the caller read: a row
// moved by a concurrent transition is left untouched and the call
// fails with ErrPaymentStatusConflict.
func (r *PaymentRepository) Update(ctx context.Context, payment *entity.Payment, expectedStatus int32) error {
	metadataJSON, err := serializeStringMap(payment.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE payments SET
			status = ?,
			captured_cents = ?,
			refunded_cents = ?,
			gateway_transaction_id = ?,
			due_date = ?,
			paid_date = ?,
			failure_reason = ?,
			metadata_json = ?,
			status_callback_url = ?,
			callback_delivery_status = ?,
			callback_delivery_attempts = ?,
			callback_delivery_next_at = ?,
			callback_delivery_last_error = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		payment.Status,
		payment.CapturedCents,
		payment.RefundedCents,
		nullableStringValue(payment.GatewayTransactionID),
		nullableTimeValue(payment.DueDate),
		nullableTimeValue(payment.PaidDate),
		nullableStringValue(payment.FailureReason),
		metadataJSON,
		payment.StatusCallbackURL,
		payment.CallbackDeliveryStatus,
		payment.CallbackDeliveryAttempts,
		nullableTimeValue(payment.CallbackDeliveryNextAt),
		nullableStringValue(payment.CallbackDeliveryLastErr),
		payment.UpdatedAt,
		payment.ID,
		expectedStatus,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPaymentStatusConflict
	}

	return nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id uint64) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`

	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, id), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return payment, nil
}

func (r *PaymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = ? LIMIT 1`

	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, key), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return payment, nil
}

func (r *PaymentRepository) FindByCallbackHash(ctx context.Context, gateway int32, callbackHash string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway = ? AND gateway_callback_hash = ? LIMIT 1`

	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, gateway, callbackHash), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return payment, nil
}

func (r *PaymentRepository) FindByGatewayTransactionID(ctx context.Context, gateway int32, gatewayTransactionID string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway = ? AND gateway_transaction_id = ? LIMIT 1`

	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, gateway, gatewayTransactionID), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return payment, nil
}

func (r *PaymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`

	conditions := make([]string, 0, 8)
	args := make([]interface{}, 0, 10)

	if strings.TrimSpace(filter.UserID) != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if strings.TrimSpace(filter.PropertyID) != "" {
		conditions = append(conditions, "property_id = ?")
		args = append(args, filter.PropertyID)
	}
	if filter.HasStatus {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.HasType {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.CreatedFrom != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *filter.CreatedTo)
	}
	if filter.HasMinAmount {
		conditions = append(conditions, "amount_cents >= ?")
		args = append(args, filter.MinAmountCents)
	}
	if filter.HasMaxAmount {
		conditions = append(conditions, "amount_cents <= ?")
		args = append(args, filter.MaxAmountCents)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPayments(rows)
}

func (r *PaymentRepository) ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE callback_delivery_status = ?
		  AND callback_delivery_next_at IS NOT NULL
		  AND callback_delivery_next_at <= ?
		ORDER BY callback_delivery_next_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.CallbackDeliveryPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPayments(rows)
}

func (r *PaymentRepository) ListStalePending(ctx context.Context, pendingStatus int32, cutoff time.Time, limit int32) ([]*entity.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = ?
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, pendingStatus, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPayments(rows)
}

func (r *PaymentRepository) ListForReconcile(ctx context.Context, statuses []int32, before time.Time, limit int32) ([]*entity.Payment, error) {
	if len(statuses) == 0 {
		return []*entity.Payment{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status IN (` + placeholders + `)
		  AND gateway_transaction_id IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	args := make([]interface{}, 0, len(statuses)+2)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, before, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPayments(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(scan rowScanner, payment *entity.Payment) error {
	var applicationID sql.NullString
	var gatewayTransactionID sql.NullString
	var dueDate sql.NullTime
	var paidDate sql.NullTime
	var failureReason sql.NullString
	var metadataJSON string
	var callbackNextAt sql.NullTime
	var callbackLastErr sql.NullString

	err := scan.Scan(
		&payment.ID,
		&applicationID,
		&payment.PropertyID,
		&payment.UserID,
		&payment.Type,
		&payment.Status,
		&payment.AmountCents,
		&payment.CapturedCents,
		&payment.RefundedCents,
		&payment.Currency,
		&payment.GatewayPaymentMethodRef,
		&payment.Gateway,
		&gatewayTransactionID,
		&payment.GatewayCallbackHash,
		&payment.IdempotencyKey,
		&dueDate,
		&paidDate,
		&failureReason,
		&metadataJSON,
		&payment.StatusCallbackURL,
		&payment.CallbackDeliveryStatus,
		&payment.CallbackDeliveryAttempts,
		&callbackNextAt,
		&callbackLastErr,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return err
	}

	payment.ApplicationID = stringPtrFromNull(applicationID)
	payment.GatewayTransactionID = stringPtrFromNull(gatewayTransactionID)
	payment.DueDate = timePtrFromNull(dueDate)
	payment.PaidDate = timePtrFromNull(paidDate)
	payment.FailureReason = stringPtrFromNull(failureReason)
	payment.CallbackDeliveryNextAt = timePtrFromNull(callbackNextAt)
	payment.CallbackDeliveryLastErr = stringPtrFromNull(callbackLastErr)

	metadata, err := parseStringMap(metadataJSON)
	if err != nil {
		return err
	}
	payment.Metadata = metadata

	return nil
}

func collectPayments(rows *sql.Rows) ([]*entity.Payment, error) {
	payments := make([]*entity.Payment, 0)
	for rows.Next() {
		item := &entity.Payment{}
		if err := scanPayment(rows, item); err != nil {
			return nil, err
		}
		payments = append(payments, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}
