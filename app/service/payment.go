package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
	"github.com/renthub-solutions/ms-go-rentpay/app/gateway"
	"github.com/renthub-solutions/ms-go-rentpay/app/repository"
	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

type paymentRepository interface {
	Create(ctx context.Context, payment *entity.Payment) error
	Update(ctx context.Context, payment *entity.Payment, expectedStatus int32) error
	FindByID(ctx context.Context, id uint64) (*entity.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error)
	FindByCallbackHash(ctx context.Context, gateway int32, callbackHash string) (*entity.Payment, error)
	FindByGatewayTransactionID(ctx context.Context, gateway int32, gatewayTransactionID string) (*entity.Payment, error)
	List(ctx context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error)
	ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error)
	ListStalePending(ctx context.Context, pendingStatus int32, cutoff time.Time, limit int32) ([]*entity.Payment, error)
	ListForReconcile(ctx context.Context, statuses []int32, before time.Time, limit int32) ([]*entity.Payment, error)
}

type auditRepository interface {
	Append(ctx context.Context, entry *entity.AuditEntry) error
	ListByPaymentID(ctx context.Context, paymentID uint64) ([]*entity.AuditEntry, error)
}

type notificationRepository interface {
	Create(ctx context.Context, notification *entity.GatewayNotification) error
}

type Config struct {
	// Amount bounds in cents. Zero disables the bound.
	MinAmountCents int64
	MaxAmountCents int64

	// Per-attempt deadline for outbound gateway calls.
	GatewayTimeout time.Duration

	CallbackMaxAttempts   int32
	CallbackRetryInterval time.Duration
	CallbackHTTPTimeout   time.Duration

	// PendingTimeout is how long a payment may sit in pending before the
	// expiry job fails it.
	PendingTimeout time.Duration

	// ReconcileStaleAfter is how long a non-terminal payment may go
	// without an update before the reconcile job queries the gateway.
	ReconcileStaleAfter time.Duration

	JobBatchSize int32
}

func (c *Config) applyDefaults() {
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.CallbackMaxAttempts <= 0 {
		c.CallbackMaxAttempts = 5
	}
	if c.CallbackRetryInterval <= 0 {
		c.CallbackRetryInterval = time.Minute
	}
	if c.CallbackHTTPTimeout <= 0 {
		c.CallbackHTTPTimeout = 10 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = time.Hour
	}
	if c.ReconcileStaleAfter <= 0 {
		c.ReconcileStaleAfter = 30 * time.Minute
	}
	if c.JobBatchSize <= 0 {
		c.JobBatchSize = 100
	}
}

// PaymentService owns the payment lifecycle: every status change goes
// through here so the transition table, idempotency claims, and the
// audit trail stay consistent.
type PaymentService struct {
	logger        logrus.FieldLogger
	payments      paymentRepository
	audits        auditRepository
	notifications notificationRepository
	gateways      *gateway.Registry
	detector      *Detector
	retrier       *Retrier
	callbackHTTP  *http.Client
	cfg           Config
}

func NewPaymentService(
	logger logrus.FieldLogger,
	payments paymentRepository,
	audits auditRepository,
	notifications notificationRepository,
	gateways *gateway.Registry,
	detector *Detector,
	retrier *Retrier,
	cfg Config,
) *PaymentService {
	cfg.applyDefaults()
	return &PaymentService{
		logger:        logger,
		payments:      payments,
		audits:        audits,
		notifications: notifications,
		gateways:      gateways,
		detector:      detector,
		retrier:       retrier,
		callbackHTTP:  &http.Client{Timeout: cfg.CallbackHTTPTimeout},
		cfg:           cfg,
	}
}

// SubmitPayment creates the payment record and authorizes it with the
// gateway. A replayed idempotency key returns the already-settled
// payment without touching the gateway again. Gateway failure is a
// normal outcome: the payment comes back in failed status with a nil
// error.
func (s *PaymentService) SubmitPayment(ctx context.Context, request *types.SubmitPaymentRequest) (*entity.Payment, error) {
	if err := s.checkAmountBounds(request.AmountCents()); err != nil {
		return nil, err
	}

	gatewayType := request.GatewayType()
	if gatewayType == types.GatewayTypeUnspecified {
		gatewayType = types.GatewayTypeStripe
	}
	g, err := s.resolveGateway(int32(gatewayType))
	if err != nil {
		return nil, err
	}

	claim, err := s.detector.Claim(ctx, "submit:"+request.IdempotencyKey, request.IdempotencyKey, 0, "submit")
	if err != nil {
		return nil, err
	}
	if claim.Cached != nil {
		return s.loadByID(ctx, claim.Cached.PaymentID)
	}

	payment, err := s.prepareSubmission(ctx, request, int32(gatewayType))
	if err != nil {
		// The gateway was never reached; the key must stay usable for a
		// legitimate retry.
		s.releaseClaim(ctx, 0, claim)
		return nil, err
	}
	if err = claim.AttachPayment(ctx, payment.ID); err != nil {
		s.logger.WithError(err).WithField("payment_id", payment.ID).Warn("failed to attach payment to idempotency claim")
	}

	input := &gateway.AuthorizeInput{
		AmountCents:      payment.AmountCents,
		Currency:         payment.Currency,
		PaymentMethodRef: payment.GatewayPaymentMethodRef,
		IdempotencyKey:   payment.IdempotencyKey,
		CallbackHash:     payment.GatewayCallbackHash,
		Metadata:         payment.Metadata,
	}

	var out *gateway.AuthorizeOutput
	attempts, callErr := s.retrier.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()

		result, err := g.Authorize(callCtx, input)
		if err != nil {
			return err
		}
		out = result
		return nil
	}, func(attempt int, err error) {
		s.recordAttemptFailure(ctx, payment.ID, "authorize_attempt_failed", attempt, err)
	})

	if callErr != nil {
		return s.settleAuthorizeFailure(ctx, payment, claim, attempts, callErr)
	}

	payment.GatewayTransactionID = &out.GatewayTransactionID
	if err = s.applyTransition(ctx, payment, types.PaymentStatusAuthorized, "authorize_succeeded", map[string]string{
		"attempts": strconv.Itoa(attempts),
	}); err != nil {
		return nil, err
	}
	if err = claim.Complete(ctx, operationResult{PaymentID: payment.ID, Status: payment.Status}); err != nil {
		s.logger.WithError(err).WithField("payment_id", payment.ID).Error("failed to complete idempotency claim")
	}

	return payment, nil
}

// prepareSubmission creates the pending payment row, or adopts an
// existing pending row left behind by an earlier attempt that never
// reached the gateway.
func (s *PaymentService) prepareSubmission(ctx context.Context, request *types.SubmitPaymentRequest, gatewayCode int32) (*entity.Payment, error) {
	existing, err := s.payments.FindByIdempotencyKey(ctx, request.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != int32(types.PaymentStatusPending) {
			return nil, ErrPaymentAlreadyExists
		}
		return existing, nil
	}

	now := time.Now().UTC()
	payment := &entity.Payment{
		PropertyID:              request.PropertyID,
		UserID:                  request.UserID,
		Type:                    int32(request.PaymentType()),
		Status:                  int32(types.PaymentStatusPending),
		AmountCents:             request.AmountCents(),
		Currency:                request.Currency,
		GatewayPaymentMethodRef: request.PaymentMethodRef,
		Gateway:                 gatewayCode,
		GatewayCallbackHash:     uuid.New().String(),
		IdempotencyKey:          request.IdempotencyKey,
		DueDate:                 request.DueDateParsed(),
		Metadata:                request.Metadata,
		StatusCallbackURL:       request.StatusCallbackURL,
		CallbackDeliveryStatus:  entity.CallbackDeliveryNone,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if request.ApplicationID != "" {
		applicationID := request.ApplicationID
		payment.ApplicationID = &applicationID
	}

	if err = s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}
	if err = s.appendAudit(ctx, payment.ID, "payment_created", map[string]string{
		"type":     types.PaymentType(payment.Type).String(),
		"amount":   types.FormatAmount(payment.AmountCents),
		"currency": payment.Currency,
	}); err != nil {
		return nil, err
	}

	return payment, nil
}

func (s *PaymentService) settleAuthorizeFailure(ctx context.Context, payment *entity.Payment, claim *Claim, attempts int, callErr error) (*entity.Payment, error) {
	if isCircuitOpen(callErr) {
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, callErr
	}

	reason := callErr.Error()
	payment.FailureReason = &reason
	if err := s.applyTransition(ctx, payment, types.PaymentStatusFailed, "authorize_failed", map[string]string{
		"attempts":    strconv.Itoa(attempts),
		"error_class": gateway.ErrorClass(callErr),
		"error":       reason,
	}); err != nil {
		return nil, err
	}
	if err := claim.Complete(ctx, operationResult{
		PaymentID:    payment.ID,
		Status:       payment.Status,
		ErrorClass:   gateway.ErrorClass(callErr),
		ErrorMessage: reason,
	}); err != nil {
		s.logger.WithError(err).WithField("payment_id", payment.ID).Error("failed to complete idempotency claim")
	}

	return payment, nil
}

// CapturePayment settles a previously authorized payment. Without an
// explicit amount the full authorized amount is captured.
func (s *PaymentService) CapturePayment(ctx context.Context, request *types.CapturePaymentRequest) (*entity.Payment, error) {
	payment, err := s.loadByID(ctx, request.ID)
	if err != nil {
		return nil, err
	}

	amount := payment.AmountCents
	if request.HasAmount() {
		amount = request.AmountCents()
	}
	if amount > payment.AmountCents {
		return nil, fmt.Errorf("%w: capture amount exceeds authorized amount", ErrValidation)
	}

	key := request.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%d:capture", payment.ID)
	}
	scope := fmt.Sprintf("payment:%d", payment.ID)

	claim, err := s.detector.Claim(ctx, scope, key, payment.ID, "capture")
	if err != nil {
		return nil, err
	}
	if claim.Cached != nil {
		return s.loadByID(ctx, claim.Cached.PaymentID)
	}

	// Re-read after claiming: a concurrent operation may have moved the
	// payment between the first read and the claim.
	if payment, err = s.loadByID(ctx, request.ID); err != nil {
		s.releaseClaim(ctx, request.ID, claim)
		return nil, err
	}

	if err = s.requireStatusOrReject(ctx, payment, claim, "capture", types.PaymentStatusAuthorized); err != nil {
		return nil, err
	}

	g, err := s.resolveGateway(payment.Gateway)
	if err != nil {
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, err
	}
	transactionID, err := s.requireTransactionID(payment)
	if err != nil {
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, err
	}

	var out *gateway.CaptureOutput
	attempts, callErr := s.retrier.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()

		result, err := g.Capture(callCtx, transactionID, amount)
		if err != nil {
			return err
		}
		out = result
		return nil
	}, func(attempt int, err error) {
		s.recordAttemptFailure(ctx, payment.ID, "capture_attempt_failed", attempt, err)
	})

	if callErr != nil {
		if isCircuitOpen(callErr) {
			s.releaseClaim(ctx, payment.ID, claim)
			return nil, callErr
		}

		reason := callErr.Error()
		payment.FailureReason = &reason
		if err = s.applyTransition(ctx, payment, types.PaymentStatusFailed, "capture_failed", map[string]string{
			"attempts":    strconv.Itoa(attempts),
			"error_class": gateway.ErrorClass(callErr),
			"error":       reason,
		}); err != nil {
			return nil, err
		}
		s.completeClaim(ctx, claim, operationResult{
			PaymentID:    payment.ID,
			Status:       payment.Status,
			ErrorClass:   gateway.ErrorClass(callErr),
			ErrorMessage: reason,
		})
		return payment, nil
	}

	capturedCents := amount
	if out.CapturedCents > 0 {
		capturedCents = out.CapturedCents
	}
	payment.CapturedCents = capturedCents
	paidAt := time.Now().UTC()
	payment.PaidDate = &paidAt

	if err = s.applyTransition(ctx, payment, types.PaymentStatusCaptured, "capture_succeeded", map[string]string{
		"amount":   types.FormatAmount(capturedCents),
		"attempts": strconv.Itoa(attempts),
	}); err != nil {
		return nil, err
	}
	s.completeClaim(ctx, claim, operationResult{PaymentID: payment.ID, Status: payment.Status})

	return payment, nil
}

// RefundPayment returns captured funds, fully or partially. Partial
// refunds keep the payment captured; the payment moves to refunded only
// once the refunded total reaches the captured total. Refund failures
// do not fail the payment: the captured funds still stand, and the
// claim is released so the caller may retry.
func (s *PaymentService) RefundPayment(ctx context.Context, request *types.RefundPaymentRequest) (*entity.Payment, error) {
	payment, err := s.loadByID(ctx, request.ID)
	if err != nil {
		return nil, err
	}

	key := request.IdempotencyKey
	if key == "" {
		// The refunded total changes on every successful refund, so a
		// replayed request dedupes while the next partial refund gets a
		// fresh key.
		key = fmt.Sprintf("%d:refund:%d", payment.ID, payment.RefundedCents)
	}
	scope := fmt.Sprintf("payment:%d", payment.ID)

	claim, err := s.detector.Claim(ctx, scope, key, payment.ID, "refund")
	if err != nil {
		return nil, err
	}
	if claim.Cached != nil {
		return s.loadByID(ctx, claim.Cached.PaymentID)
	}

	if payment, err = s.loadByID(ctx, request.ID); err != nil {
		s.releaseClaim(ctx, request.ID, claim)
		return nil, err
	}

	if err = s.requireStatusOrReject(ctx, payment, claim, "refund", types.PaymentStatusCaptured); err != nil {
		return nil, err
	}

	remaining := payment.CapturedCents - payment.RefundedCents
	if request.AmountCents() > remaining {
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, fmt.Errorf("%w: refund amount exceeds refundable balance of %s", ErrValidation, types.FormatAmount(remaining))
	}

	g, err := s.resolveGateway(payment.Gateway)
	if err != nil {
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, err
	}
	transactionID, err := s.requireTransactionID(payment)
	if err != nil {
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, err
	}

	var out *gateway.RefundOutput
	attempts, callErr := s.retrier.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()

		result, err := g.Refund(callCtx, transactionID, request.AmountCents(), request.Reason)
		if err != nil {
			return err
		}
		out = result
		return nil
	}, func(attempt int, err error) {
		s.recordAttemptFailure(ctx, payment.ID, "refund_attempt_failed", attempt, err)
	})

	if callErr != nil {
		if !isCircuitOpen(callErr) {
			s.recordAttemptFailure(ctx, payment.ID, "refund_failed", attempts, callErr)
		}
		s.releaseClaim(ctx, payment.ID, claim)
		return nil, callErr
	}

	payment.RefundedCents += request.AmountCents()
	details := map[string]string{
		"amount": types.FormatAmount(request.AmountCents()),
		"reason": request.Reason,
	}
	if out.RefundID != "" {
		details["refund_id"] = out.RefundID
	}

	if payment.RefundedCents >= payment.CapturedCents {
		err = s.applyTransition(ctx, payment, types.PaymentStatusRefunded, "refund_succeeded", details)
	} else {
		err = s.persistWithAudit(ctx, payment, payment.Status, "refund_succeeded", details)
	}
	if err != nil {
		return nil, err
	}
	s.completeClaim(ctx, claim, operationResult{PaymentID: payment.ID, Status: payment.Status})

	return payment, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, request *types.GetPaymentRequest) (*entity.Payment, []*entity.AuditEntry, error) {
	payment, err := s.loadByID(ctx, request.ID)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.audits.ListByPaymentID(ctx, payment.ID)
	if err != nil {
		return nil, nil, err
	}

	return payment, entries, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, request *types.ListPaymentsRequest) ([]*entity.Payment, error) {
	filter := repository.PaymentFilter{
		UserID:         request.UserID,
		PropertyID:     request.PropertyID,
		HasStatus:      request.HasStatus,
		Status:         int32(request.Status),
		HasType:        request.HasType,
		Type:           int32(request.Type),
		CreatedFrom:    request.From,
		CreatedTo:      request.To,
		HasMinAmount:   request.HasMinAmount,
		MinAmountCents: request.MinAmountCents,
		HasMaxAmount:   request.HasMaxAmount,
		MaxAmountCents: request.MaxAmountCents,
		Limit:          request.Limit,
		Offset:         request.Offset,
	}

	return s.payments.List(ctx, filter)
}

func (s *PaymentService) checkAmountBounds(amountCents int64) error {
	if s.cfg.MinAmountCents > 0 && amountCents < s.cfg.MinAmountCents {
		return fmt.Errorf("%w: amount is below the minimum of %s", ErrValidation, types.FormatAmount(s.cfg.MinAmountCents))
	}
	if s.cfg.MaxAmountCents > 0 && amountCents > s.cfg.MaxAmountCents {
		return fmt.Errorf("%w: amount is above the maximum of %s", ErrValidation, types.FormatAmount(s.cfg.MaxAmountCents))
	}
	return nil
}

func (s *PaymentService) resolveGateway(code int32) (gateway.Gateway, error) {
	g, err := s.gateways.Get(code)
	if err != nil {
		return nil, ErrGatewayUnsupported
	}
	return g, nil
}

func (s *PaymentService) requireTransactionID(payment *entity.Payment) (string, error) {
	if payment.GatewayTransactionID == nil || *payment.GatewayTransactionID == "" {
		return "", fmt.Errorf("%w: payment has no gateway transaction", ErrInvalidTransition)
	}
	return *payment.GatewayTransactionID, nil
}

func (s *PaymentService) loadByID(ctx context.Context, id uint64) (*entity.Payment, error) {
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// requireStatusOrReject guards an operation against the payment's
// current status. A rejection leaves a single audit entry and releases
// the claim so the key stays usable.
func (s *PaymentService) requireStatusOrReject(ctx context.Context, payment *entity.Payment, claim *Claim, operation string, allowed ...types.PaymentStatus) error {
	err := requireStatus(types.PaymentStatus(payment.Status), operation, allowed...)
	if err == nil {
		return nil
	}

	if auditErr := s.appendAudit(ctx, payment.ID, operation+"_rejected", map[string]string{
		"status": types.PaymentStatus(payment.Status).String(),
	}); auditErr != nil {
		s.logger.WithError(auditErr).WithField("payment_id", payment.ID).Error("failed to audit rejected operation")
	}
	s.releaseClaim(ctx, payment.ID, claim)
	return err
}

// applyTransition moves the payment to the target status, appending the
// audit entry before persisting the row. If the audit append fails the
// transition is aborted so the trail never lags the state. The write is
// conditional on the from status still being current in the store, so a
// transition committed by a concurrent operation between the caller's
// read and this write is never overwritten.
func (s *PaymentService) applyTransition(ctx context.Context, payment *entity.Payment, to types.PaymentStatus, action string, details map[string]string) error {
	from := types.PaymentStatus(payment.Status)
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	payment.Status = int32(to)
	if to.Terminal() || to == types.PaymentStatusCaptured || to == types.PaymentStatusAuthorized {
		s.scheduleCallback(payment)
	}

	return s.persistWithAudit(ctx, payment, int32(from), action, details)
}

func (s *PaymentService) persistWithAudit(ctx context.Context, payment *entity.Payment, expectedStatus int32, action string, details map[string]string) error {
	if err := s.appendAudit(ctx, payment.ID, action, details); err != nil {
		return err
	}

	payment.UpdatedAt = time.Now().UTC()
	if err := s.payments.Update(ctx, payment, expectedStatus); err != nil {
		if errors.Is(err, repository.ErrPaymentStatusConflict) {
			return fmt.Errorf("%w: payment was moved by a concurrent operation", ErrInvalidTransition)
		}
		return err
	}
	return nil
}

func (s *PaymentService) scheduleCallback(payment *entity.Payment) {
	if payment.StatusCallbackURL == "" {
		return
	}
	now := time.Now().UTC()
	payment.CallbackDeliveryStatus = entity.CallbackDeliveryPending
	payment.CallbackDeliveryAttempts = 0
	payment.CallbackDeliveryNextAt = &now
	payment.CallbackDeliveryLastErr = nil
}

func (s *PaymentService) appendAudit(ctx context.Context, paymentID uint64, action string, details map[string]string) error {
	return s.audits.Append(ctx, &entity.AuditEntry{
		PaymentID: paymentID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
}

// recordAttemptFailure is best effort: a lost attempt record must not
// abort the operation it describes.
func (s *PaymentService) recordAttemptFailure(ctx context.Context, paymentID uint64, action string, attempt int, err error) {
	auditErr := s.appendAudit(ctx, paymentID, action, map[string]string{
		"attempt":     strconv.Itoa(attempt),
		"error_class": gateway.ErrorClass(err),
		"error":       err.Error(),
	})
	if auditErr != nil {
		s.logger.WithError(auditErr).WithFields(logrus.Fields{
			"payment_id": paymentID,
			"action":     action,
		}).Warn("failed to append attempt audit entry")
	}
}

func (s *PaymentService) completeClaim(ctx context.Context, claim *Claim, result operationResult) {
	if err := claim.Complete(ctx, result); err != nil {
		s.logger.WithError(err).WithField("payment_id", result.PaymentID).Error("failed to complete idempotency claim")
	}
}

func (s *PaymentService) releaseClaim(ctx context.Context, paymentID uint64, claim *Claim) {
	if err := claim.Release(ctx); err != nil {
		s.logger.WithError(err).WithField("payment_id", paymentID).Error("failed to release idempotency claim")
	}
}

func isCircuitOpen(err error) bool {
	return errors.Is(err, gateway.ErrCircuitOpen)
}
