/**
 * @description
 * This package provides a client for the external payment gateway. The escrow engine
 * only asks the gateway to cancel (refund) a captured receipt; capture itself is
 * reported to us through the signed webhook.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrMissingBaseURL is returned by a client built without a gateway base url. Retrying
// cannot fix it.
var ErrMissingBaseURL error = configError("gateway base url is empty")

type configError string

func (e configError) Error() string   { return string(e) }
func (e configError) Temporary() bool { return false }

// CancelRequest is the payload for cancelling a captured receipt.
type CancelRequest struct {
	ReceiptID string `json:"receipt_id"`
	Reason    string `json:"reason"`
}

// ErrorResponse represents a non-2xx answer from the gateway.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway api error (status %d): %s %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway api error (status %d)", e.StatusCode)
}

// Temporary reports whether the request may succeed when retried.
func (e *ErrorResponse) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// CancelPayment asks the gateway to cancel the receipt and return the funds to the buyer.
// An already-cancelled receipt is reported by the gateway as 409 and treated as success.
func (c *Client) CancelPayment(ctx context.Context, receiptID, reason string) error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}

	body, err := json.Marshal(CancelRequest{ReceiptID: receiptID, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to marshal cancel request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payments/"+url.PathEscape(receiptID)+"/cancel", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", "cancel-"+receiptID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute cancel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, errResp)
		return errResp
	}

	return nil
}
