package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
	"github.com/renthub-solutions/ms-go-rentpay/app/gateway"
	"github.com/renthub-solutions/ms-go-rentpay/app/mapper"
	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

// RunExpirePendingBatch fails payments that have sat in pending past
// the configured timeout. These never reached an authorized state, so
// failing them closes the loop without a gateway call.
func (s *PaymentService) RunExpirePendingBatch(ctx context.Context) error {
	now := time.Now().UTC()
	cutoff := now.Add(-s.cfg.PendingTimeout)
	items, err := s.payments.ListStalePending(ctx, int32(types.PaymentStatusPending), cutoff, s.cfg.JobBatchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil {
			continue
		}

		reason := "authorization not completed before pending timeout"
		payment.FailureReason = &reason
		if err := s.applyTransition(ctx, payment, types.PaymentStatusFailed, "payment_expired", map[string]string{
			"pending_since": payment.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		// Any abandoned claim on the key would otherwise block a fresh
		// submission forever.
		if err := s.detector.repo.DeleteByKey(ctx, payment.IdempotencyKey); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunReconcileBatch asks the gateway for the authoritative status of
// payments that have gone quiet mid-lifecycle and settles the local
// record to match. It also clears idempotency claims abandoned by
// crashed operations.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	now := time.Now().UTC()
	before := now.Add(-s.cfg.ReconcileStaleAfter)
	statuses := []int32{int32(types.PaymentStatusPending), int32(types.PaymentStatusAuthorized)}

	items, err := s.payments.ListForReconcile(ctx, statuses, before, s.cfg.JobBatchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil || payment.GatewayTransactionID == nil {
			continue
		}
		if err := s.reconcilePayment(ctx, payment); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	if err := s.releaseStaleClaims(ctx, before); err != nil {
		firstErr = keepFirstErr(firstErr, err)
	}

	return firstErr
}

func (s *PaymentService) reconcilePayment(ctx context.Context, payment *entity.Payment) error {
	g, err := s.resolveGateway(payment.Gateway)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	remoteStatus, err := g.GetTransactionStatus(callCtx, *payment.GatewayTransactionID)
	if err != nil {
		return err
	}

	target := types.PaymentStatusUnspecified
	switch remoteStatus {
	case gateway.TxStatusAuthorized:
		target = types.PaymentStatusAuthorized
	case gateway.TxStatusCaptured:
		target = types.PaymentStatusCaptured
	case gateway.TxStatusCanceled, gateway.TxStatusFailed:
		target = types.PaymentStatusFailed
	}
	if target == types.PaymentStatusUnspecified || target == types.PaymentStatus(payment.Status) {
		return nil
	}
	if !canTransition(types.PaymentStatus(payment.Status), target) {
		return nil
	}

	if target == types.PaymentStatusCaptured {
		payment.CapturedCents = payment.AmountCents
		paidAt := time.Now().UTC()
		payment.PaidDate = &paidAt
	}
	if target == types.PaymentStatusFailed {
		reason := "gateway reported transaction as " + remoteStatus
		payment.FailureReason = &reason
	}

	return s.applyTransition(ctx, payment, target, "status_reconciled", map[string]string{
		"gateway_status": remoteStatus,
	})
}

func (s *PaymentService) releaseStaleClaims(ctx context.Context, cutoff time.Time) error {
	records, err := s.detector.repo.ListStalePending(ctx, cutoff, s.cfg.JobBatchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, record := range records {
		if record == nil {
			continue
		}
		if err := s.detector.repo.DeleteByKey(ctx, record.Key); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunDispatchCallbacksBatch delivers due status callbacks. Failed
// deliveries are rescheduled until the attempt cap is reached.
func (s *PaymentService) RunDispatchCallbacksBatch(ctx context.Context) error {
	now := time.Now().UTC()
	items, err := s.payments.ListDueCallbackDispatch(ctx, now, s.cfg.JobBatchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil {
			continue
		}
		if err := s.dispatchCallback(ctx, payment, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *PaymentService) dispatchCallback(ctx context.Context, payment *entity.Payment, now time.Time) error {
	if strings.TrimSpace(payment.StatusCallbackURL) == "" {
		errMsg := "status_callback_url is empty"
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		payment.CallbackDeliveryNextAt = nil
		payment.CallbackDeliveryLastErr = &errMsg
		payment.UpdatedAt = now
		return s.payments.Update(ctx, payment, payment.Status)
	}

	body, err := json.Marshal(&types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(payment)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payment.StatusCallbackURL, bytes.NewReader(body))
	if err != nil {
		return s.recordDispatchFailure(ctx, payment, now, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.callbackHTTP.Do(req)
	if err != nil {
		return s.recordDispatchFailure(ctx, payment, now, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.recordDispatchFailure(ctx, payment, now, fmt.Errorf("callback endpoint returned status=%d", resp.StatusCode))
	}

	payment.CallbackDeliveryStatus = entity.CallbackDeliverySuccess
	payment.CallbackDeliveryNextAt = nil
	payment.CallbackDeliveryLastErr = nil
	payment.UpdatedAt = now

	// Delivery bookkeeping must not clobber a payment the lifecycle
	// moved while the callback was in flight; the next batch picks the
	// row up again with its fresh status.
	return s.payments.Update(ctx, payment, payment.Status)
}

func (s *PaymentService) recordDispatchFailure(ctx context.Context, payment *entity.Payment, now time.Time, dispatchErr error) error {
	payment.CallbackDeliveryAttempts++
	trimmed := truncate(dispatchErr.Error(), 1024)
	payment.CallbackDeliveryLastErr = &trimmed

	if payment.CallbackDeliveryAttempts >= s.cfg.CallbackMaxAttempts {
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		payment.CallbackDeliveryNextAt = nil
	} else {
		nextAt := now.Add(s.cfg.CallbackRetryInterval)
		payment.CallbackDeliveryNextAt = &nextAt
	}
	payment.UpdatedAt = now

	if err := s.payments.Update(ctx, payment, payment.Status); err != nil {
		return err
	}
	return dispatchErr
}

func keepFirstErr(current, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}
