package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

const defaultStripeBaseURL = "https://api.stripe.com"

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

// StripeGateway drives the two-phase authorize/capture flow through
// payment intents with manual capture.
type StripeGateway struct {
	cfg     StripeConfig
	baseURL string
	client  *http.Client
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tolerance := cfg.SignatureToleranceSeconds
	if tolerance <= 0 {
		tolerance = 300
	}
	cfg.SignatureToleranceSeconds = tolerance

	return &StripeGateway{
		cfg:     cfg,
		baseURL: defaultStripeBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *StripeGateway) Code() int32 {
	return int32(types.GatewayTypeStripe)
}

func (g *StripeGateway) Authorize(ctx context.Context, input *AuthorizeInput) (*AuthorizeOutput, error) {
	if strings.TrimSpace(g.cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is not configured")
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(input.AmountCents, 10))
	values.Set("currency", strings.ToLower(input.Currency))
	values.Set("payment_method", input.PaymentMethodRef)
	values.Set("capture_method", "manual")
	values.Set("confirm", "true")
	values.Set("off_session", "true")
	for k, v := range input.Metadata {
		values.Set("metadata["+k+"]", v)
	}
	if input.CallbackHash != "" {
		values.Set("metadata[callback_hash]", input.CallbackHash)
	}

	body, err := g.postForm(ctx, "/v1/payment_intents", values, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		return nil, &Error{Code: "missing_intent_id", Message: "stripe payment intent id missing", Retryable: false}
	}
	if payload.Status != "requires_capture" {
		return nil, &Error{
			Code:      "unexpected_intent_status",
			Message:   "stripe payment intent status " + payload.Status,
			Retryable: false,
		}
	}

	return &AuthorizeOutput{GatewayTransactionID: id}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, gatewayTransactionID string, amountCents int64) (*CaptureOutput, error) {
	values := url.Values{}
	values.Set("amount_to_capture", strconv.FormatInt(amountCents, 10))

	path := "/v1/payment_intents/" + url.PathEscape(gatewayTransactionID) + "/capture"
	body, err := g.postForm(ctx, path, values, "")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Status         string `json:"status"`
		AmountReceived int64  `json:"amount_received"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Status != "succeeded" {
		return nil, &Error{
			Code:      "unexpected_intent_status",
			Message:   "stripe capture ended in status " + payload.Status,
			Retryable: false,
		}
	}

	return &CaptureOutput{Captured: true, CapturedCents: payload.AmountReceived}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, gatewayTransactionID string, amountCents int64, reason string) (*RefundOutput, error) {
	values := url.Values{}
	values.Set("payment_intent", gatewayTransactionID)
	values.Set("amount", strconv.FormatInt(amountCents, 10))
	if reason != "" {
		values.Set("metadata[reason]", reason)
	}

	body, err := g.postForm(ctx, "/v1/refunds", values, "")
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		return nil, &Error{Code: "missing_refund_id", Message: "stripe refund id missing", Retryable: false}
	}

	return &RefundOutput{RefundID: id}, nil
}

func (g *StripeGateway) GetTransactionStatus(ctx context.Context, gatewayTransactionID string) (string, error) {
	if strings.TrimSpace(gatewayTransactionID) == "" {
		return TxStatusUnknown, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/payment_intents/"+url.PathEscape(gatewayTransactionID), nil)
	if err != nil {
		return TxStatusUnknown, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return TxStatusUnknown, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TxStatusUnknown, err
	}
	if resp.StatusCode >= 400 {
		return TxStatusUnknown, classifyStripeFailure(resp.StatusCode, body)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TxStatusUnknown, err
	}

	switch payload.Status {
	case "requires_capture":
		return TxStatusAuthorized, nil
	case "succeeded":
		return TxStatusCaptured, nil
	case "canceled":
		return TxStatusCanceled, nil
	case "requires_payment_method":
		return TxStatusFailed, nil
	default:
		return TxStatusUnknown, nil
	}
}

func (g *StripeGateway) VerifyAndParseNotification(_ context.Context, payload []byte, signature string) (*DisputeEvent, error) {
	if strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe webhook secret is not configured")
	}
	if !verifyStripeSignature(payload, signature, g.cfg.WebhookSecret, g.cfg.SignatureToleranceSeconds) {
		return nil, errors.New("invalid stripe signature")
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	switch event.Type {
	case "charge.dispute.created", "charge.dispute.updated":
	default:
		return nil, fmt.Errorf("unsupported stripe event type %q", event.Type)
	}

	var object struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal(event.Data.Object, &object); err != nil {
		return nil, err
	}

	result := &DisputeEvent{
		DisputeID: strings.TrimSpace(object.ID),
		Reason:    strings.TrimSpace(object.Reason),
		EventType: event.Type,
	}
	if s := strings.TrimSpace(event.ID); s != "" {
		result.GatewayEventID = &s
	}
	if s := strings.TrimSpace(object.PaymentIntent); s != "" {
		result.GatewayTransactionID = &s
	}

	return result, nil
}

func (g *StripeGateway) postForm(ctx context.Context, path string, values url.Values, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStripeFailure(resp.StatusCode, body)
	}

	return body, nil
}

// classifyStripeFailure maps an error response onto the retry
// taxonomy: rate limits and server-side failures are transient, card
// declines and request validation failures are terminal.
func classifyStripeFailure(statusCode int, body []byte) error {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	code := payload.Error.Code
	if code == "" {
		code = payload.Error.Type
	}
	if code == "" {
		code = "http_" + strconv.Itoa(statusCode)
	}
	message := payload.Error.Message
	if message == "" {
		message = "stripe request failed with status " + strconv.Itoa(statusCode)
	}

	retryable := statusCode == http.StatusTooManyRequests || statusCode >= 500
	if payload.Error.Type == "api_error" {
		retryable = true
	}

	return &Error{Code: code, Message: message, Retryable: retryable}
}

func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	parts := strings.Split(signatureHeader, ",")
	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	signedPayload := []byte(ts + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write(signedPayload)
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}
