package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

// HandleGatewayNotification ingests an inbound webhook. Only verified
// dispute events move a payment, and only captured or refunded payments
// can be disputed. Every notification is persisted, accepted or not.
func (s *PaymentService) HandleGatewayNotification(ctx context.Context, request *types.HandleGatewayNotificationRequest) error {
	gatewayType, err := types.ParseGatewayType(request.Gateway)
	if err != nil {
		return s.rejectNotification(ctx, request, nil, ErrGatewayUnsupported)
	}
	g, err := s.resolveGateway(int32(gatewayType))
	if err != nil {
		return s.rejectNotification(ctx, request, nil, err)
	}

	event, err := g.VerifyAndParseNotification(ctx, []byte(request.Payload), request.Signature)
	if err != nil {
		return s.rejectNotification(ctx, request, nil, fmt.Errorf("%w: %v", ErrNotificationRejected, err))
	}

	payment, err := s.payments.FindByCallbackHash(ctx, int32(gatewayType), request.CallbackHash)
	if err != nil {
		return err
	}
	if payment == nil && event.GatewayTransactionID != nil {
		payment, err = s.payments.FindByGatewayTransactionID(ctx, int32(gatewayType), *event.GatewayTransactionID)
		if err != nil {
			return err
		}
	}
	if payment == nil {
		return s.rejectNotification(ctx, request, nil, fmt.Errorf("%w: no payment for callback hash", ErrNotificationRejected))
	}

	status := types.PaymentStatus(payment.Status)
	if status != types.PaymentStatusCaptured && status != types.PaymentStatusRefunded {
		if auditErr := s.appendAudit(ctx, payment.ID, "dispute_rejected", map[string]string{
			"status":     status.String(),
			"dispute_id": event.DisputeID,
		}); auditErr != nil {
			s.logger.WithError(auditErr).WithField("payment_id", payment.ID).Error("failed to audit rejected dispute")
		}
		return s.rejectNotification(ctx, request, &payment.ID,
			fmt.Errorf("%w: payment is %s, disputes apply to captured or refunded payments", ErrNotificationRejected, status))
	}

	details := map[string]string{
		"dispute_id": event.DisputeID,
		"reason":     event.Reason,
		"event_type": event.EventType,
	}
	if err = s.applyTransition(ctx, payment, types.PaymentStatusDisputed, "dispute_opened", details); err != nil {
		return err
	}

	s.persistNotification(ctx, request, &payment.ID, entity.NotificationProcessed, nil)
	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"dispute_id": event.DisputeID,
	}).Info("payment disputed")

	return nil
}

func (s *PaymentService) rejectNotification(ctx context.Context, request *types.HandleGatewayNotificationRequest, paymentID *uint64, cause error) error {
	message := cause.Error()
	s.persistNotification(ctx, request, paymentID, entity.NotificationRejected, &message)
	return cause
}

// persistNotification is best effort: the webhook outcome has already
// been decided and a failed insert must not change it.
func (s *PaymentService) persistNotification(ctx context.Context, request *types.HandleGatewayNotificationRequest, paymentID *uint64, status int32, cause *string) {
	now := time.Now().UTC()
	notification := &entity.GatewayNotification{
		PaymentID:    paymentID,
		Gateway:      request.Gateway,
		CallbackHash: request.CallbackHash,
		Signature:    request.Signature,
		PayloadJSON:  request.Payload,
		Status:       status,
		Error:        cause,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.notifications.Create(ctx, notification); err != nil {
		s.logger.WithError(err).WithField("callback_hash", request.CallbackHash).Error("failed to persist gateway notification")
	}
}
