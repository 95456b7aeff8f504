package gateway

import "context"

type AuthorizeInput struct {
	AmountCents      int64
	Currency         string
	PaymentMethodRef string
	IdempotencyKey   string
	CallbackHash     string

	Metadata map[string]string
}

type AuthorizeOutput struct {
	GatewayTransactionID string
}

type CaptureOutput struct {
	Captured      bool
	CapturedCents int64
}

type RefundOutput struct {
	RefundID string
}

// DisputeEvent is a verified inbound chargeback/dispute notification.
type DisputeEvent struct {
	GatewayEventID       *string
	GatewayTransactionID *string
	DisputeID            string
	Reason               string
	EventType            string
}

// TransactionStatus values reported by GetTransactionStatus.
const (
	TxStatusUnknown    = ""
	TxStatusAuthorized = "authorized"
	TxStatusCaptured   = "captured"
	TxStatusCanceled   = "canceled"
	TxStatusFailed     = "failed"
)

// Gateway is the abstract capability the payment core consumes.
// Implementations classify their failures via *Error so the retry
// coordinator can distinguish transient from terminal outcomes.
type Gateway interface {
	Code() int32
	Authorize(ctx context.Context, input *AuthorizeInput) (*AuthorizeOutput, error)
	Capture(ctx context.Context, gatewayTransactionID string, amountCents int64) (*CaptureOutput, error)
	Refund(ctx context.Context, gatewayTransactionID string, amountCents int64, reason string) (*RefundOutput, error)
	GetTransactionStatus(ctx context.Context, gatewayTransactionID string) (string, error)
	VerifyAndParseNotification(ctx context.Context, payload []byte, signature string) (*DisputeEvent, error)
}
