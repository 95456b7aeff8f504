package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
	"github.com/renthub-solutions/ms-go-rentpay/app/gateway"
	"github.com/renthub-solutions/ms-go-rentpay/app/repository"
	"github.com/renthub-solutions/ms-go-rentpay/app/service"
	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

type controllerPaymentRepo struct {
	createFn                  func(ctx context.Context, payment *entity.Payment) error
	updateFn                  func(ctx context.Context, payment *entity.Payment, expectedStatus int32) error
	findByIDFn                func(ctx context.Context, id uint64) (*entity.Payment, error)
	findByIdempotencyKeyFn    func(ctx context.Context, key string) (*entity.Payment, error)
	findByCallbackHashFn      func(ctx context.Context, gateway int32, callbackHash string) (*entity.Payment, error)
	findByGatewayTxIDFn       func(ctx context.Context, gateway int32, gatewayTransactionID string) (*entity.Payment, error)
	listFn                    func(ctx context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error)
	listDueCallbackDispatchFn func(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error)
	listStalePendingFn        func(ctx context.Context, pendingStatus int32, cutoff time.Time, limit int32) ([]*entity.Payment, error)
	listForReconcileFn        func(ctx context.Context, statuses []int32, before time.Time, limit int32) ([]*entity.Payment, error)
}

func (r *controllerPaymentRepo) Create(ctx context.Context, payment *entity.Payment) error {
	if r.createFn != nil {
		return r.createFn(ctx, payment)
	}
	return nil
}

func (r *controllerPaymentRepo) Update(ctx context.Context, payment *entity.Payment, expectedStatus int32) error {
	if r.updateFn != nil {
		return r.updateFn(ctx, payment, expectedStatus)
	}
	return nil
}

func (r *controllerPaymentRepo) FindByID(ctx context.Context, id uint64) (*entity.Payment, error) {
	if r.findByIDFn != nil {
		return r.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (r *controllerPaymentRepo) FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error) {
	if r.findByIdempotencyKeyFn != nil {
		return r.findByIdempotencyKeyFn(ctx, key)
	}
	return nil, nil
}

func (r *controllerPaymentRepo) FindByCallbackHash(ctx context.Context, gatewayCode int32, callbackHash string) (*entity.Payment, error) {
	if r.findByCallbackHashFn != nil {
		return r.findByCallbackHashFn(ctx, gatewayCode, callbackHash)
	}
	return nil, nil
}

func (r *controllerPaymentRepo) FindByGatewayTransactionID(ctx context.Context, gatewayCode int32, gatewayTransactionID string) (*entity.Payment, error) {
	if r.findByGatewayTxIDFn != nil {
		return r.findByGatewayTxIDFn(ctx, gatewayCode, gatewayTransactionID)
	}
	return nil, nil
}

func (r *controllerPaymentRepo) List(ctx context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error) {
	if r.listFn != nil {
		return r.listFn(ctx, filter)
	}
	return []*entity.Payment{}, nil
}

func (r *controllerPaymentRepo) ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error) {
	if r.listDueCallbackDispatchFn != nil {
		return r.listDueCallbackDispatchFn(ctx, now, limit)
	}
	return []*entity.Payment{}, nil
}

func (r *controllerPaymentRepo) ListStalePending(ctx context.Context, pendingStatus int32, cutoff time.Time, limit int32) ([]*entity.Payment, error) {
	if r.listStalePendingFn != nil {
		return r.listStalePendingFn(ctx, pendingStatus, cutoff, limit)
	}
	return []*entity.Payment{}, nil
}

func (r *controllerPaymentRepo) ListForReconcile(ctx context.Context, statuses []int32, before time.Time, limit int32) ([]*entity.Payment, error) {
	if r.listForReconcileFn != nil {
		return r.listForReconcileFn(ctx, statuses, before, limit)
	}
	return []*entity.Payment{}, nil
}

type controllerAuditRepo struct{}

func (r *controllerAuditRepo) Append(context.Context, *entity.AuditEntry) error { return nil }
func (r *controllerAuditRepo) ListByPaymentID(context.Context, uint64) ([]*entity.AuditEntry, error) {
	return []*entity.AuditEntry{}, nil
}

type controllerNotificationRepo struct{}

func (r *controllerNotificationRepo) Create(context.Context, *entity.GatewayNotification) error {
	return nil
}

type controllerIdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]*entity.IdempotencyRecord
}

func newControllerIdempotencyRepo() *controllerIdempotencyRepo {
	return &controllerIdempotencyRepo{records: map[string]*entity.IdempotencyRecord{}}
}

func (r *controllerIdempotencyRepo) InsertPending(_ context.Context, record *entity.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.Key]; ok {
		return repository.ErrIdempotencyKeyExists
	}
	record.Status = entity.IdempotencyPending
	clone := *record
	r.records[record.Key] = &clone
	return nil
}

func (r *controllerIdempotencyRepo) FindByKey(_ context.Context, key string) (*entity.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (r *controllerIdempotencyRepo) MarkCompleted(_ context.Context, key string, resultJSON string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[key]
	if !ok {
		return repository.ErrIdempotencyKeyNotFound
	}
	record.Status = entity.IdempotencyCompleted
	record.ResultJSON = &resultJSON
	record.UpdatedAt = now
	return nil
}

func (r *controllerIdempotencyRepo) SetPaymentID(_ context.Context, key string, paymentID uint64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[key]; ok {
		record.PaymentID = paymentID
		record.UpdatedAt = now
	}
	return nil
}

func (r *controllerIdempotencyRepo) DeleteByKey(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[key]; ok && record.Status == entity.IdempotencyPending {
		delete(r.records, key)
	}
	return nil
}

func (r *controllerIdempotencyRepo) ListStalePending(context.Context, time.Time, int32) ([]*entity.IdempotencyRecord, error) {
	return []*entity.IdempotencyRecord{}, nil
}

type controllerGateway struct {
	authorizeFn func(ctx context.Context, input *gateway.AuthorizeInput) (*gateway.AuthorizeOutput, error)
	verifyFn    func(ctx context.Context, payload []byte, signature string) (*gateway.DisputeEvent, error)
}

func (g *controllerGateway) Code() int32 { return int32(types.GatewayTypeStripe) }

func (g *controllerGateway) Authorize(ctx context.Context, input *gateway.AuthorizeInput) (*gateway.AuthorizeOutput, error) {
	if g.authorizeFn != nil {
		return g.authorizeFn(ctx, input)
	}
	return &gateway.AuthorizeOutput{GatewayTransactionID: "pi_test_1"}, nil
}

func (g *controllerGateway) Capture(context.Context, string, int64) (*gateway.CaptureOutput, error) {
	return &gateway.CaptureOutput{Captured: true}, nil
}

func (g *controllerGateway) Refund(context.Context, string, int64, string) (*gateway.RefundOutput, error) {
	return &gateway.RefundOutput{RefundID: "re_test_1"}, nil
}

func (g *controllerGateway) GetTransactionStatus(context.Context, string) (string, error) {
	return gateway.TxStatusUnknown, nil
}

func (g *controllerGateway) VerifyAndParseNotification(ctx context.Context, payload []byte, signature string) (*gateway.DisputeEvent, error) {
	if g.verifyFn != nil {
		return g.verifyFn(ctx, payload, signature)
	}
	return &gateway.DisputeEvent{DisputeID: "dp_test_1", EventType: "charge.dispute.created"}, nil
}

func newControllerForTest(repo *controllerPaymentRepo, g gateway.Gateway) *PaymentController {
	paymentService := service.NewPaymentService(
		logrus.StandardLogger().WithField("module", "controller-test"),
		repo,
		&controllerAuditRepo{},
		&controllerNotificationRepo{},
		gateway.NewRegistry(g),
		service.NewDetector(newControllerIdempotencyRepo()),
		service.NewRetrier(service.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond}),
		service.Config{PendingTimeout: time.Hour, ReconcileStaleAfter: time.Minute, JobBatchSize: 100},
	)
	return NewPaymentController(paymentService)
}

func TestSubmitPaymentBadBody(t *testing.T) {
	ctrl := newControllerForTest(&controllerPaymentRepo{}, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString("{bad"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := ctrl.SubmitPayment(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitPaymentMissingIdempotencyKey(t *testing.T) {
	ctrl := newControllerForTest(&controllerPaymentRepo{}, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString(`{"property_id":"prop-1","user_id":"user-1","type":"rent","amount":"100.00","currency":"USD","payment_method_ref":"pm-enc-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	_ = ctrl.SubmitPayment(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSubmitPaymentSuccess(t *testing.T) {
	repo := &controllerPaymentRepo{createFn: func(_ context.Context, payment *entity.Payment) error {
		payment.ID = 22
		return nil
	}}
	ctrl := newControllerForTest(repo, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString(`{"idempotency_key":"idem-1","property_id":"prop-1","user_id":"user-1","type":"security_deposit","amount":"1500.00","currency":"USD","payment_method_ref":"pm-enc-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	_ = ctrl.SubmitPayment(ctx)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}

	var payload types.PaymentEnvelopeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.Payment == nil || payload.Payment.Id != 22 {
		t.Fatalf("unexpected payment payload: %+v", payload.Payment)
	}
	if payload.Payment.Status != "authorized" {
		t.Fatalf("expected authorized status, got %s", payload.Payment.Status)
	}
	if payload.Payment.Amount != "1500.00" {
		t.Fatalf("unexpected amount: %s", payload.Payment.Amount)
	}
}

func TestSubmitPaymentCircuitOpenReturns503(t *testing.T) {
	repo := &controllerPaymentRepo{createFn: func(_ context.Context, payment *entity.Payment) error {
		payment.ID = 30
		return nil
	}}
	ctrl := newControllerForTest(repo, &controllerGateway{
		authorizeFn: func(context.Context, *gateway.AuthorizeInput) (*gateway.AuthorizeOutput, error) {
			return nil, gateway.ErrCircuitOpen
		},
	})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString(`{"idempotency_key":"idem-2","property_id":"prop-1","user_id":"user-1","type":"rent","amount":"900.00","currency":"USD","payment_method_ref":"pm-enc-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	_ = ctrl.SubmitPayment(ctx)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	ctrl := newControllerForTest(&controllerPaymentRepo{findByIDFn: func(context.Context, uint64) (*entity.Payment, error) { return nil, nil }}, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/payments/9", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("9")

	_ = ctrl.GetPayment(ctx)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCapturePaymentInvalidStateReturns409(t *testing.T) {
	pending := &entity.Payment{
		ID:          3,
		Status:      int32(types.PaymentStatusPending),
		AmountCents: 10000,
		Currency:    "USD",
		Gateway:     int32(types.GatewayTypeStripe),
	}
	ctrl := newControllerForTest(&controllerPaymentRepo{findByIDFn: func(context.Context, uint64) (*entity.Payment, error) { return pending, nil }}, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments/3/capture", bytes.NewBufferString(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("3")

	_ = ctrl.CapturePayment(ctx)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRefundPaymentExceedsBalanceReturns400(t *testing.T) {
	txID := "pi_1"
	captured := &entity.Payment{
		ID:                   4,
		Status:               int32(types.PaymentStatusCaptured),
		AmountCents:          10000,
		CapturedCents:        10000,
		RefundedCents:        9000,
		Currency:             "USD",
		Gateway:              int32(types.GatewayTypeStripe),
		GatewayTransactionID: &txID,
	}
	ctrl := newControllerForTest(&controllerPaymentRepo{findByIDFn: func(context.Context, uint64) (*entity.Payment, error) { return captured, nil }}, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments/4/refund", bytes.NewBufferString(`{"amount":"50.00","reason":"overcharge"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("4")

	_ = ctrl.RefundPayment(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListPaymentsSuccess(t *testing.T) {
	now := time.Now().UTC()
	ctrl := newControllerForTest(&controllerPaymentRepo{listFn: func(context.Context, repository.PaymentFilter) ([]*entity.Payment, error) {
		return []*entity.Payment{{
			ID:                      1,
			PropertyID:              "prop-1",
			UserID:                  "user-1",
			Type:                    int32(types.PaymentTypeRent),
			Status:                  int32(types.PaymentStatusCaptured),
			AmountCents:             120000,
			CapturedCents:           120000,
			Currency:                "USD",
			GatewayPaymentMethodRef: "pm-enc-1",
			Gateway:                 int32(types.GatewayTypeStripe),
			GatewayCallbackHash:     "hash-1",
			IdempotencyKey:          "idem-1",
			Metadata:                map[string]string{},
			CreatedAt:               now,
			UpdatedAt:               now,
		}}, nil
	}}, &controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/payments?limit=10&offset=0", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	_ = ctrl.ListPayments(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("pm-enc-1")) {
		t.Fatal("payment method reference must not appear in responses")
	}
}

func TestHandleGatewayNotificationRejected(t *testing.T) {
	ctrl := newControllerForTest(&controllerPaymentRepo{}, &controllerGateway{
		verifyFn: func(context.Context, []byte, string) (*gateway.DisputeEvent, error) {
			return nil, errors.New("invalid signature")
		},
	})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateways/stripe/hash-1", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, "req-callback-1")
	req.Header.Set("Stripe-Signature", "sig")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("gateway", "hash")
	ctx.SetParamValues("stripe", "hash-1")

	_ = ctrl.HandleGatewayNotification(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
