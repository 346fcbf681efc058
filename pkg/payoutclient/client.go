/**
 * @description
 * This package provides a client for the payout collaborator that moves settled seller
 * balances to their bank accounts. Instructions carry the wallet log id as the
 * idempotency key so a replay never pays twice.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

// Client is a client for the payout service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payout service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ErrMissingBaseURL is returned by a client built without a payout service url.
var ErrMissingBaseURL error = configError("payout service base url is empty")

type configError string

func (e configError) Error() string   { return string(e) }
func (e configError) Temporary() bool { return false }

// StatusError is returned when the payout service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payout service returned error status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the instruction may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// SendPayout submits a payout instruction. A 409 means the instruction was already
// accepted under the same idempotency key and is treated as success.
func (c *Client) SendPayout(ctx context.Context, instruction domain.PayoutInstruction) error {
	if c.baseURL == "" {
		return ErrMissingBaseURL
	}

	body, err := json.Marshal(instruction)
	if err != nil {
		return fmt.Errorf("failed to marshal payout instruction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/payouts", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", instruction.WalletLogID.String())
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to payout service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	return nil
}
