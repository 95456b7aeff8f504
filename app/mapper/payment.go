package mapper

import (
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/entity"
	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

// PaymentToResponse builds the outward payment representation. The
// stored payment method reference is deliberately absent: it never
// leaves the service.
func PaymentToResponse(item *entity.Payment) *types.Payment {
	if item == nil {
		return nil
	}

	return &types.Payment{
		Id:                   item.ID,
		ApplicationId:        derefString(item.ApplicationID),
		PropertyId:           item.PropertyID,
		UserId:               item.UserID,
		Type:                 types.PaymentType(item.Type).String(),
		Status:               types.PaymentStatus(item.Status).String(),
		Amount:               types.FormatAmount(item.AmountCents),
		CapturedAmount:       types.FormatAmount(item.CapturedCents),
		RefundedAmount:       types.FormatAmount(item.RefundedCents),
		Currency:             item.Currency,
		Gateway:              types.GatewayType(item.Gateway).String(),
		GatewayTransactionId: derefString(item.GatewayTransactionID),
		IdempotencyKey:       item.IdempotencyKey,
		DueDate:              formatTimePtr(item.DueDate),
		PaidDate:             formatTimePtr(item.PaidDate),
		FailureReason:        derefString(item.FailureReason),
		Metadata:             cloneMetadata(item.Metadata),
		StatusCallbackUrl:    item.StatusCallbackURL,
		CreatedAt:            item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func PaymentsToResponse(items []*entity.Payment) []*types.Payment {
	result := make([]*types.Payment, 0, len(items))
	for _, item := range items {
		result = append(result, PaymentToResponse(item))
	}
	return result
}

func AuditEntryToResponse(item *entity.AuditEntry) *types.AuditEntry {
	if item == nil {
		return nil
	}

	return &types.AuditEntry{
		Seq:       item.Seq,
		Action:    item.Action,
		Details:   cloneMetadata(item.Details),
		Timestamp: item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func AuditEntriesToResponse(items []*entity.AuditEntry) []*types.AuditEntry {
	result := make([]*types.AuditEntry, 0, len(items))
	for _, item := range items {
		result = append(result, AuditEntryToResponse(item))
	}
	return result
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTimePtr(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
