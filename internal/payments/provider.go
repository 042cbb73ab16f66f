package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Client talks to the Mercado Pago REST API. BaseURL is overridable so tests
// can point it at an httptest server.
type Client struct {
	AccessToken string
	PublicKey   string
	BaseURL     string
	HTTP        *http.Client
}

// Payment is the subset of the provider's payment resource the bridge needs.
// PreferenceID is the provider's grouping reference; later webhook
// notifications may carry it instead of the payment id.
type Payment struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail"`
	PreferenceID string `json:"preference_id"`
}

type ChargeRequest struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description"`
	Installments      int     `json:"installments"`
	PaymentMethodID   string  `json:"payment_method_id"`
	Token             string  `json:"token"`
	Payer             *Payer  `json:"payer,omitempty"`
}

type Payer struct {
	Email string `json:"email"`
}

// ProviderError is a charge/query failure with whatever user-facing message
// the provider supplied.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider error (%d): %s", e.StatusCode, e.Message)
}

// YapeToken exchanges a phone number and OTP for a one-shot payment token.
func (c *Client) YapeToken(ctx context.Context, phoneNumber, otp string) (string, error) {
	body := map[string]string{
		"phoneNumber": phoneNumber,
		"otp":         otp,
		"requestId":   uuid.NewString(),
	}
	u := c.BaseURL + "/platforms/pci/yape/v1/payment?public_key=" + url.QueryEscape(c.PublicKey)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, u, body, &out, false); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &ProviderError{Message: "token response contains no id"}
	}
	return out.ID, nil
}

// CreatePayment charges a Yape token. An idempotency key guards against the
// provider seeing a retried request as a second charge.
func (c *Client) CreatePayment(ctx context.Context, req ChargeRequest) (Payment, error) {
	var p Payment
	err := c.do(ctx, http.MethodPost, c.BaseURL+"/v1/payments", req, &p, true)
	return p, err
}

// GetPayment fetches the authoritative status of a settled payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var p Payment
	err := c.do(ctx, http.MethodGet, c.BaseURL+"/v1/payments/"+url.PathEscape(paymentID), nil, &p, false)
	return p, err
}

func (c *Client) do(ctx context.Context, method, u string, body, out any, idempotent bool) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	if idempotent {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: apiMessage(raw)}
	}
	return json.Unmarshal(raw, out)
}

// apiMessage digs the most useful text out of a provider error body:
// message, then error, then the first cause's description.
func apiMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Cause   []struct {
			Description string `json:"description"`
			Message     string `json:"message"`
		} `json:"cause"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return string(raw)
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Error != "":
		return body.Error
	case len(body.Cause) > 0 && body.Cause[0].Description != "":
		return body.Cause[0].Description
	case len(body.Cause) > 0 && body.Cause[0].Message != "":
		return body.Cause[0].Message
	}
	return string(raw)
}
