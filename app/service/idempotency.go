package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
)

type idempotencyRepository interface {
	InsertPending(ctx context.Context, record *entity.IdempotencyRecord) error
	FindByKey(ctx context.Context, key string) (*entity.IdempotencyRecord, error)
	MarkCompleted(ctx context.Context, key string, resultJSON string, now time.Time) error
	SetPaymentID(ctx context.Context, key string, paymentID uint64, now time.Time) error
	DeleteByKey(ctx context.Context, key string) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.IdempotencyRecord, error)
}

// operationResult is the cached outcome stored against a completed
// idempotency key. Replays of the key rehydrate this instead of
// touching the gateway again.
type operationResult struct {
	PaymentID    uint64 `json:"payment_id"`
	Status       int32  `json:"status"`
	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Detector deduplicates logical operations. The durable record is the
// source of truth; the keyed mutexes only serialize the check-and-set
// step per payment so the claim itself is race-free without holding
// any lock across a gateway call.
type Detector struct {
	repo  idempotencyRepository
	locks sync.Map // scope string -> *sync.Mutex
}

func NewDetector(repo idempotencyRepository) *Detector {
	return &Detector{repo: repo}
}

func (d *Detector) lockFor(scope string) *sync.Mutex {
	actual, _ := d.locks.LoadOrStore(scope, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Claim outcome: exactly one of Claimed / Cached is set on success.
type Claim struct {
	Claimed bool
	Cached  *operationResult

	detector *Detector
	key      string
}

// Claim resolves an idempotency key under the per-payment critical
// section. A completed record yields the cached result; a pending
// record means another call with the same key is in flight and the
// claim fails with ErrDuplicateTransaction.
func (d *Detector) Claim(ctx context.Context, scope string, key string, paymentID uint64, operation string) (*Claim, error) {
	mu := d.lockFor(scope)
	mu.Lock()
	defer mu.Unlock()

	existing, err := d.repo.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == entity.IdempotencyCompleted {
			result, err := decodeOperationResult(existing.ResultJSON)
			if err != nil {
				return nil, err
			}
			return &Claim{Cached: result, detector: d, key: key}, nil
		}
		return nil, ErrDuplicateTransaction
	}

	now := time.Now().UTC()
	record := &entity.IdempotencyRecord{
		Key:       key,
		PaymentID: paymentID,
		Operation: operation,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.repo.InsertPending(ctx, record); err != nil {
		// Lost the insert race to a claimant outside this process.
		return nil, ErrDuplicateTransaction
	}

	return &Claim{Claimed: true, detector: d, key: key}, nil
}

// Complete seals the claim with the operation's outcome; later calls
// carrying the same key observe this result instead of re-running.
func (c *Claim) Complete(ctx context.Context, result operationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.detector.repo.MarkCompleted(ctx, c.key, string(payload), time.Now().UTC())
}

// Release abandons the claim without recording an outcome, freeing the
// key for a later legitimate retry. Used when the operation never
// reached the gateway (circuit open).
func (c *Claim) Release(ctx context.Context) error {
	return c.detector.repo.DeleteByKey(ctx, c.key)
}

func (c *Claim) AttachPayment(ctx context.Context, paymentID uint64) error {
	return c.detector.repo.SetPaymentID(ctx, c.key, paymentID, time.Now().UTC())
}

func decodeOperationResult(raw *string) (*operationResult, error) {
	result := &operationResult{}
	if raw == nil || *raw == "" {
		return result, nil
	}
	if err := json.Unmarshal([]byte(*raw), result); err != nil {
		return nil, err
	}
	return result, nil
}
