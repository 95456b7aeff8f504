package types

import (
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ParseAmountCents converts a decimal amount string ("100.00") into
// integer cents. Amounts with sub-cent precision are rejected rather
// than rounded.
func ParseAmountCents(raw string) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.New("amount must be a decimal number")
	}
	if !amount.IsPositive() {
		return 0, errors.New("amount must be > 0")
	}
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, errors.New("amount must have at most two decimal places")
	}
	if !cents.BigInt().IsInt64() {
		return 0, errors.New("amount is out of range")
	}
	return cents.IntPart(), nil
}

func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func validateCurrency(raw string) error {
	if !currencyPattern.MatchString(raw) {
		return errors.New("currency must be a 3-letter code")
	}
	return nil
}

type SubmitPaymentRequest struct {
	IdempotencyKey    string            `json:"idempotency_key"`
	ApplicationID     string            `json:"application_id,omitempty"`
	PropertyID        string            `json:"property_id"`
	UserID            string            `json:"user_id"`
	Type              string            `json:"type"`
	Amount            string            `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentMethodRef  string            `json:"payment_method_ref"`
	Gateway           string            `json:"gateway,omitempty"`
	DueDate           string            `json:"due_date,omitempty"`
	StatusCallbackURL string            `json:"status_callback_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	amountCents int64
	paymentType PaymentType
	gateway     GatewayType
	dueDate     *time.Time
}

func NewSubmitPaymentRequestFromContext(ctx echo.Context) (*SubmitPaymentRequest, error) {
	var body SubmitPaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.IdempotencyKey = strings.TrimSpace(body.IdempotencyKey)
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = strings.TrimSpace(ctx.Request().Header.Get(HeaderIdempotencyKey))
	}
	body.ApplicationID = strings.TrimSpace(body.ApplicationID)
	body.PropertyID = strings.TrimSpace(body.PropertyID)
	body.UserID = strings.TrimSpace(body.UserID)
	body.Type = strings.ToLower(strings.TrimSpace(body.Type))
	body.Amount = strings.TrimSpace(body.Amount)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.PaymentMethodRef = strings.TrimSpace(body.PaymentMethodRef)
	body.Gateway = strings.ToLower(strings.TrimSpace(body.Gateway))
	body.DueDate = strings.TrimSpace(body.DueDate)
	body.StatusCallbackURL = strings.TrimSpace(body.StatusCallbackURL)

	return &body, nil
}

func (r *SubmitPaymentRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return errors.New("idempotency_key is required")
	}
	if r.PropertyID == "" {
		return errors.New("property_id is required")
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.PaymentMethodRef == "" {
		return errors.New("payment_method_ref is required")
	}

	paymentType, err := ParsePaymentType(r.Type)
	if err != nil {
		return errors.New("type must be application_fee, security_deposit, rent, or late_fee")
	}
	r.paymentType = paymentType

	cents, err := ParseAmountCents(r.Amount)
	if err != nil {
		return err
	}
	r.amountCents = cents

	if err := validateCurrency(r.Currency); err != nil {
		return err
	}

	if r.Gateway != "" {
		gw, err := ParseGatewayType(r.Gateway)
		if err != nil {
			return errors.New("gateway is invalid")
		}
		r.gateway = gw
	}

	if r.DueDate != "" {
		due, err := time.Parse(time.RFC3339, r.DueDate)
		if err != nil {
			return errors.New("due_date must be RFC3339")
		}
		dueUTC := due.UTC()
		r.dueDate = &dueUTC
	}

	return nil
}

func (r *SubmitPaymentRequest) AmountCents() int64        { return r.amountCents }
func (r *SubmitPaymentRequest) PaymentType() PaymentType  { return r.paymentType }
func (r *SubmitPaymentRequest) GatewayType() GatewayType  { return r.gateway }
func (r *SubmitPaymentRequest) DueDateParsed() *time.Time { return r.dueDate }

type CapturePaymentRequest struct {
	ID             uint64 `json:"-"`
	Amount         string `json:"amount,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	hasAmount   bool
	amountCents int64
}

func NewCapturePaymentRequestFromContext(ctx echo.Context) (*CapturePaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body CapturePaymentRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.ID = id
	body.Amount = strings.TrimSpace(body.Amount)
	body.IdempotencyKey = strings.TrimSpace(body.IdempotencyKey)
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = strings.TrimSpace(ctx.Request().Header.Get(HeaderIdempotencyKey))
	}

	return &body, nil
}

func (r *CapturePaymentRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid payment id")
	}
	if r.Amount != "" {
		cents, err := ParseAmountCents(r.Amount)
		if err != nil {
			return err
		}
		r.hasAmount = true
		r.amountCents = cents
	}
	return nil
}

func (r *CapturePaymentRequest) HasAmount() bool    { return r.hasAmount }
func (r *CapturePaymentRequest) AmountCents() int64 { return r.amountCents }

type RefundPaymentRequest struct {
	ID             uint64 `json:"-"`
	Amount         string `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	amountCents int64
}

func NewRefundPaymentRequestFromContext(ctx echo.Context) (*RefundPaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body RefundPaymentRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.ID = id
	body.Amount = strings.TrimSpace(body.Amount)
	body.Reason = strings.TrimSpace(body.Reason)
	body.IdempotencyKey = strings.TrimSpace(body.IdempotencyKey)
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = strings.TrimSpace(ctx.Request().Header.Get(HeaderIdempotencyKey))
	}

	return &body, nil
}

func (r *RefundPaymentRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid payment id")
	}
	if r.Reason == "" {
		return errors.New("reason is required")
	}
	cents, err := ParseAmountCents(r.Amount)
	if err != nil {
		return err
	}
	r.amountCents = cents
	return nil
}

func (r *RefundPaymentRequest) AmountCents() int64 { return r.amountCents }

type GetPaymentRequest struct {
	ID uint64
}

func NewGetPaymentRequestFromContext(ctx echo.Context) (*GetPaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &GetPaymentRequest{ID: id}, nil
}

func (r *GetPaymentRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid payment id")
	}
	return nil
}

type ListPaymentsRequest struct {
	UserID     string
	PropertyID string

	HasStatus bool
	Status    PaymentStatus

	HasType bool
	Type    PaymentType

	From *time.Time
	To   *time.Time

	HasMinAmount   bool
	MinAmountCents int64
	HasMaxAmount   bool
	MaxAmountCents int64

	Limit  int32
	Offset int32
}

func NewListPaymentsRequestFromContext(ctx echo.Context) (*ListPaymentsRequest, error) {
	req := &ListPaymentsRequest{
		UserID:     strings.TrimSpace(ctx.QueryParam("user_id")),
		PropertyID: strings.TrimSpace(ctx.QueryParam("property_id")),
		Limit:      100,
		Offset:     0,
	}

	if raw := strings.TrimSpace(ctx.QueryParam("status")); raw != "" {
		status, err := ParsePaymentStatus(raw)
		if err != nil {
			return nil, err
		}
		req.HasStatus = true
		req.Status = status
	}

	if raw := strings.TrimSpace(ctx.QueryParam("type")); raw != "" {
		paymentType, err := ParsePaymentType(raw)
		if err != nil {
			return nil, err
		}
		req.HasType = true
		req.Type = paymentType
	}

	if raw := strings.TrimSpace(ctx.QueryParam("from")); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		fromUTC := from.UTC()
		req.From = &fromUTC
	}
	if raw := strings.TrimSpace(ctx.QueryParam("to")); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		toUTC := to.UTC()
		req.To = &toUTC
	}

	if raw := strings.TrimSpace(ctx.QueryParam("min_amount")); raw != "" {
		cents, err := ParseAmountCents(raw)
		if err != nil {
			return nil, err
		}
		req.HasMinAmount = true
		req.MinAmountCents = cents
	}
	if raw := strings.TrimSpace(ctx.QueryParam("max_amount")); raw != "" {
		cents, err := ParseAmountCents(raw)
		if err != nil {
			return nil, err
		}
		req.HasMaxAmount = true
		req.MaxAmountCents = cents
	}

	if raw := strings.TrimSpace(ctx.QueryParam("limit")); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}
	if raw := strings.TrimSpace(ctx.QueryParam("offset")); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentsRequest) Validate() error {
	if r.Limit <= 0 || r.Limit > 500 {
		return errors.New("limit must be between 1 and 500")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return errors.New("to must not be before from")
	}
	if r.HasMinAmount && r.HasMaxAmount && r.MaxAmountCents < r.MinAmountCents {
		return errors.New("max_amount must not be less than min_amount")
	}
	return nil
}

type HandleGatewayNotificationRequest struct {
	RequestID    string
	Gateway      string
	CallbackHash string
	Signature    string
	Payload      string
}

func NewHandleGatewayNotificationRequestFromContext(ctx echo.Context) (*HandleGatewayNotificationRequest, error) {
	gateway := strings.TrimSpace(strings.ToLower(ctx.Param("gateway")))
	hash := strings.TrimSpace(ctx.Param("hash"))
	requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	signature := strings.TrimSpace(ctx.Request().Header.Get("Stripe-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(ctx.Request().Header.Get("X-Gateway-Signature"))
	}

	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	return &HandleGatewayNotificationRequest{
		RequestID:    requestID,
		Gateway:      gateway,
		CallbackHash: hash,
		Signature:    signature,
		Payload:      string(rawBody),
	}, nil
}

func (r *HandleGatewayNotificationRequest) Validate() error {
	if r.Gateway == "" {
		return errors.New("gateway is required")
	}
	if r.CallbackHash == "" {
		return errors.New("callback hash is required")
	}
	if r.Signature == "" {
		return errors.New("gateway signature is required")
	}
	if r.Payload == "" {
		return errors.New("payload is required")
	}
	return nil
}
