package types

type Payment struct {
	Id                   uint64            `json:"id"`
	ApplicationId        string            `json:"application_id,omitempty"`
	PropertyId           string            `json:"property_id"`
	UserId               string            `json:"user_id"`
	Type                 string            `json:"type"`
	Status               string            `json:"status"`
	Amount               string            `json:"amount"`
	CapturedAmount       string            `json:"captured_amount"`
	RefundedAmount       string            `json:"refunded_amount"`
	Currency             string            `json:"currency"`
	Gateway              string            `json:"gateway"`
	GatewayTransactionId string            `json:"gateway_transaction_id,omitempty"`
	IdempotencyKey       string            `json:"idempotency_key"`
	DueDate              string            `json:"due_date,omitempty"`
	PaidDate             string            `json:"paid_date,omitempty"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	Metadata             map[string]string `json:"metadata"`
	StatusCallbackUrl    string            `json:"status_callback_url,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

type AuditEntry struct {
	Seq       int64             `json:"seq"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details"`
	Timestamp string            `json:"timestamp"`
}

type PaymentEnvelopeResponse struct {
	Payment  *Payment      `json:"payment"`
	AuditLog []*AuditEntry `json:"audit_log,omitempty"`
}

type ListPaymentsResponse struct {
	Payments []*Payment `json:"payments"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
