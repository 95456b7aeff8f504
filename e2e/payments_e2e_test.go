//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/types"
)

const defaultRentpayHTTPBase = "http://localhost:48080"

type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func rentpayAPIKey() string {
	return os.Getenv("RENTPAY_E2E_API_KEY")
}

func paymentMethodRef() string {
	if ref := os.Getenv("RENTPAY_E2E_PAYMENT_METHOD"); ref != "" {
		return ref
	}
	return "pm_card_visa"
}

func (c *httpClient) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	return c.doJSONWithAPIKey(t, method, path, body, rentpayAPIKey())
}

func (c *httpClient) doJSONWithAPIKey(t *testing.T, method, path string, body any, apiKey string) (*http.Response, []byte) {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json marshal failed: %v", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", fmt.Sprintf("e2e-http-%d", time.Now().UnixNano()))
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("http request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}

	return resp, bodyBytes
}

func waitForHTTP(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/health", nil)
		req.Header.Set("X-Request-ID", fmt.Sprintf("wait-http-%d", time.Now().UnixNano()))
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("http service not ready at %s", baseURL)
}

func TestRentpayE2E(t *testing.T) {
	httpBase := os.Getenv("RENTPAY_HTTP_URL")
	if httpBase == "" {
		httpBase = defaultRentpayHTTPBase
	}

	if err := waitForHTTP(httpBase, 30*time.Second); err != nil {
		t.Fatalf("http not ready: %v", err)
	}

	client := newHTTPClient(httpBase)

	t.Run("HTTPUnauthorizedBadAPIKey", func(t *testing.T) {
		if rentpayAPIKey() == "" {
			t.Skip("RENTPAY_E2E_API_KEY not set, instance runs without API key auth")
		}
		resp, _ := client.doJSONWithAPIKey(t, http.MethodGet, "/payments", nil, "wrong-key")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for bad x-api-key, got %d", resp.StatusCode)
		}
	})

	t.Run("HTTPValidationSubmit", func(t *testing.T) {
		resp, _ := client.doJSON(t, http.MethodPost, "/payments", map[string]any{})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for invalid submit request, got %d", resp.StatusCode)
		}
	})

	t.Run("HTTPSubmitGetAndReplay", func(t *testing.T) {
		idempotencyKey := fmt.Sprintf("e2e-submit-%d", time.Now().UnixNano())
		body := map[string]any{
			"idempotency_key":    idempotencyKey,
			"property_id":        "e2e-prop-1",
			"user_id":            "e2e-user-1",
			"type":               "rent",
			"amount":             "1250.00",
			"currency":           "USD",
			"payment_method_ref": paymentMethodRef(),
		}

		resp, respBody := client.doJSON(t, http.MethodPost, "/payments", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d body=%s", resp.StatusCode, string(respBody))
		}
		var created types.PaymentEnvelopeResponse
		if err := json.Unmarshal(respBody, &created); err != nil {
			t.Fatalf("unmarshal submit response failed: %v body=%s", err, string(respBody))
		}
		if created.Payment == nil || created.Payment.Id == 0 {
			t.Fatalf("expected created payment, got %s", string(respBody))
		}
		if created.Payment.Amount != "1250.00" {
			t.Fatalf("unexpected amount: %s", created.Payment.Amount)
		}

		// An exact replay must return the same payment, not a new one.
		replayResp, replayBody := client.doJSON(t, http.MethodPost, "/payments", body)
		if replayResp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201 on replay, got %d body=%s", replayResp.StatusCode, string(replayBody))
		}
		var replayed types.PaymentEnvelopeResponse
		if err := json.Unmarshal(replayBody, &replayed); err != nil {
			t.Fatalf("unmarshal replay response failed: %v", err)
		}
		if replayed.Payment == nil || replayed.Payment.Id != created.Payment.Id {
			t.Fatalf("replay returned a different payment: %s", string(replayBody))
		}

		getResp, getBody := client.doJSON(t, http.MethodGet, "/payments/"+strconv.FormatUint(created.Payment.Id, 10), nil)
		if getResp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", getResp.StatusCode, string(getBody))
		}
		var fetched types.PaymentEnvelopeResponse
		if err := json.Unmarshal(getBody, &fetched); err != nil {
			t.Fatalf("unmarshal get response failed: %v", err)
		}
		if len(fetched.AuditLog) == 0 {
			t.Fatalf("expected audit log entries, got %s", string(getBody))
		}
		if bytes.Contains(getBody, []byte("payment_method_ref")) {
			t.Fatalf("payment method reference leaked into response: %s", string(getBody))
		}
	})

	t.Run("HTTPListPayments", func(t *testing.T) {
		resp, body := client.doJSON(t, http.MethodGet, "/payments?limit=10&offset=0", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, string(body))
		}
		var payload types.ListPaymentsResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal list payments failed: %v body=%s", err, string(body))
		}
	})

	t.Run("HTTPGetNotFound", func(t *testing.T) {
		resp, body := client.doJSON(t, http.MethodGet, "/payments/999999999", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("HTTPCaptureNotFound", func(t *testing.T) {
		resp, body := client.doJSON(t, http.MethodPost, "/payments/999999999/capture", map[string]any{})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("HTTPRefundValidation", func(t *testing.T) {
		resp, body := client.doJSON(t, http.MethodPost, "/payments/999999999/refund", map[string]any{"amount": "10.00"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for refund without reason, got %d body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("HTTPWebhookRejectsUnsignedPayload", func(t *testing.T) {
		resp, body := client.doJSON(t, http.MethodPost, "/webhooks/gateways/stripe/test-hash", map[string]any{"payload": "{}"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body=%s", resp.StatusCode, string(body))
		}
	})
}
