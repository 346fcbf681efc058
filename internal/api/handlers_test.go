package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	testInternalKey   = "internal-secret"
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "webhook-secret"
)

type apiEnv struct {
	server *httptest.Server
	svc    *app.Service
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := app.NewService(store.NewMemoryRepository(), nil, nil, nil, logger, app.Options{
		DefaultCommissionRate: decimal.RequireFromString("0.1"),
		GatewayMaxAttempts:    1,
		GatewayRetryBackoff:   time.Millisecond,
	})
	router := NewRouter(NewHandler(svc, testWebhookSecret, logger), RouterConfig{
		InternalAPIKey:   testInternalKey,
		JWTSigningSecret: testJWTSecret,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiEnv{server: server, svc: svc}
}

func signToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type requestOption func(*http.Request)

func withUser(t *testing.T, userID uuid.UUID) requestOption {
	token := signToken(t, userID)
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withInternalKey(key string) requestOption {
	return func(r *http.Request) { r.Header.Set("X-Internal-API-Key", key) }
}

func withHeader(name, value string) requestOption {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

func (e *apiEnv) do(t *testing.T, method, path string, body []byte, opts ...requestOption) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHealthAndAuthentication(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodGet, "/health", nil)
	if status != http.StatusOK || string(body) != "healthy" {
		t.Fatalf("expected healthy, got %d %q", status, body)
	}

	if status, _ := env.do(t, http.MethodPost, "/checkout", []byte(`{}`)); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/checkout", []byte(`{}`), withHeader("Authorization", "Bearer garbage")); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/internal/commissions", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/internal/commissions", nil, withInternalKey("wrong")); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong internal key, got %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/internal/commissions", nil, withInternalKey(testInternalKey)); status != http.StatusOK {
		t.Fatalf("expected 200 with internal key, got %d", status)
	}
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	buyerID, sellerID := uuid.New(), uuid.New()

	status, body := env.do(t, http.MethodPost, "/checkout", mustJSON(t, map[string]interface{}{
		"seller_id":  sellerID,
		"product_id": uuid.New(),
		"name":       "desk lamp",
		"price":      25000,
	}), withUser(t, buyerID))
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from checkout, got %d: %s", status, body)
	}
	var checkout domain.CheckoutResult
	if err := json.Unmarshal(body, &checkout); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	if checkout.Deal.BuyerID != buyerID {
		t.Fatalf("expected the token subject to be the buyer, got %s", checkout.Deal.BuyerID)
	}

	callback := mustJSON(t, domain.GatewayCallback{
		ReceiptID: "rcpt-http",
		OrderID:   checkout.Payment.ID.String(),
		Status:    "paid",
		Amount:    25000,
	})
	for i := 0; i < 2; i++ {
		status, body = env.do(t, http.MethodPost, "/webhooks/gateway", callback,
			withHeader(SignatureHeader, "sha256="+SignPayload(testWebhookSecret, callback)))
		if status != http.StatusOK {
			t.Fatalf("webhook delivery %d: expected 200, got %d: %s", i+1, status, body)
		}
	}

	for _, state := range []domain.DeliveryState{domain.DeliveryShipped, domain.DeliveryDelivered} {
		status, body = env.do(t, http.MethodPost, "/internal/deliveries/events",
			mustJSON(t, deliveryEventRequest{DealID: checkout.Deal.ID, State: state}), withInternalKey(testInternalKey))
		if status != http.StatusOK {
			t.Fatalf("delivery %s: expected 200, got %d: %s", state, status, body)
		}
	}

	dealPath := "/deals/" + checkout.Deal.ID.String()
	if status, body = env.do(t, http.MethodPost, dealPath+"/confirm", nil, withUser(t, sellerID)); status != http.StatusBadRequest {
		t.Fatalf("expected 400 when the seller confirms, got %d: %s", status, body)
	}
	status, body = env.do(t, http.MethodPost, dealPath+"/confirm", nil, withUser(t, buyerID))
	if status != http.StatusOK {
		t.Fatalf("expected 200 from confirm, got %d: %s", status, body)
	}
	var deal domain.Deal
	if err := json.Unmarshal(body, &deal); err != nil {
		t.Fatalf("decode deal: %v", err)
	}
	if deal.Status != domain.DealTransactionCompleted || deal.Remain != 22500 {
		t.Fatalf("unexpected completed deal: status=%s remain=%d", deal.Status, deal.Remain)
	}

	if status, _ = env.do(t, http.MethodGet, dealPath, nil, withUser(t, uuid.New())); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a stranger, got %d", status)
	}
	status, body = env.do(t, http.MethodGet, dealPath, nil, withUser(t, sellerID))
	if status != http.StatusOK {
		t.Fatalf("expected 200 for the seller, got %d", status)
	}
	var view domain.DealView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.WalletLog == nil || view.WalletLog.Amount != 22500 {
		t.Fatalf("expected wallet log for 22500, got %+v", view.WalletLog)
	}

	status, body = env.do(t, http.MethodPost, "/internal/settlements/run", nil, withInternalKey(testInternalKey))
	if status != http.StatusOK {
		t.Fatalf("expected 200 from settlement run, got %d: %s", status, body)
	}
	var report domain.SettlementReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("expected one settled wallet log, got %+v", report)
	}

	// Settled deals are terminal.
	if status, _ = env.do(t, http.MethodPost, dealPath+"/cancel", nil, withUser(t, buyerID)); status != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a settled deal, got %d", status)
	}
}

func TestGatewayWebhookSignatures(t *testing.T) {
	env := newAPIEnv(t)
	body := []byte(`{"receipt_id":"rcpt-sig","status":"paid","amount":100}`)

	if status, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body, withHeader(SignatureHeader, SignPayload("other", body))); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body, withHeader(SignatureHeader, SignPayload(testWebhookSecret, body))); status != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown receipt, got %d", status)
	}

	status, data := env.do(t, http.MethodGet, "/internal/error-logs?kind=signature_mismatch", nil, withInternalKey(testInternalKey))
	if status != http.StatusOK {
		t.Fatalf("expected 200 listing error logs, got %d", status)
	}
	var logs []domain.PaymentErrorLog
	if err := json.Unmarshal(data, &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected two signature mismatches, got %d", len(logs))
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(logs[0].Payload, &payload); err != nil || payload["receipt_id"] != "rcpt-sig" {
		t.Fatalf("expected receipt id in payload, got %s", logs[0].Payload)
	}

	if status, _ := env.do(t, http.MethodGet, "/internal/error-logs?limit=abc", nil, withInternalKey(testInternalKey)); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid limit, got %d", status)
	}
}

func TestAttachReceiptRequiresPaymentOwner(t *testing.T) {
	env := newAPIEnv(t)
	buyerID, otherID := uuid.New(), uuid.New()

	status, body := env.do(t, http.MethodPost, "/checkout", mustJSON(t, map[string]interface{}{
		"seller_id":  uuid.New(),
		"product_id": uuid.New(),
		"name":       "road bike",
		"price":      40000,
	}), withUser(t, buyerID))
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from checkout, got %d: %s", status, body)
	}
	var checkout domain.CheckoutResult
	if err := json.Unmarshal(body, &checkout); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	receiptPath := "/payments/" + checkout.Payment.ID.String() + "/receipt"

	if status, body = env.do(t, http.MethodPost, receiptPath, []byte(`{"receipt_id":"bogus"}`), withUser(t, otherID)); status != http.StatusNotFound {
		t.Fatalf("expected 404 when another user attaches a receipt, got %d: %s", status, body)
	}

	callback := mustJSON(t, domain.GatewayCallback{
		ReceiptID: "rcpt-owner",
		OrderID:   checkout.Payment.ID.String(),
		Status:    "paid",
		Amount:    40000,
	})
	status, body = env.do(t, http.MethodPost, "/webhooks/gateway", callback,
		withHeader(SignatureHeader, SignPayload(testWebhookSecret, callback)))
	if status != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d: %s", status, body)
	}
	var payment domain.Payment
	if err := json.Unmarshal(body, &payment); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if payment.Status != domain.PaymentPurchased || payment.ReceiptID == nil || *payment.ReceiptID != "rcpt-owner" {
		t.Fatalf("expected purchased payment bound to the gateway receipt, got %+v", payment)
	}

	if status, body = env.do(t, http.MethodPost, receiptPath, []byte(`{"receipt_id":"rcpt-owner"}`), withUser(t, buyerID)); status != http.StatusOK {
		t.Fatalf("expected 200 when the owner re-attaches the bound receipt, got %d: %s", status, body)
	}
}

func TestCommissionEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	if status, body := env.do(t, http.MethodPost, "/internal/commissions", []byte(`{"rate":"1.5"}`), withInternalKey(testInternalKey)); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range rate, got %d: %s", status, body)
	}
	if status, body := env.do(t, http.MethodPost, "/internal/commissions", []byte(`{"rate":"0.08"}`), withInternalKey(testInternalKey)); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}

	_, body := env.do(t, http.MethodGet, "/internal/commissions", nil, withInternalKey(testInternalKey))
	var commissions []domain.Commission
	if err := json.Unmarshal(body, &commissions); err != nil {
		t.Fatalf("decode commissions: %v", err)
	}
	if len(commissions) != 1 || !commissions[0].Rate.Equal(decimal.RequireFromString("0.08")) {
		t.Fatalf("unexpected commissions: %+v", commissions)
	}
}

func TestMalformedRequests(t *testing.T) {
	env := newAPIEnv(t)
	user := withUser(t, uuid.New())

	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		opts   []requestOption
		want   int
	}{
		{name: "bad deal id", method: http.MethodGet, path: "/deals/not-a-uuid", opts: []requestOption{user}, want: http.StatusBadRequest},
		{name: "unknown deal", method: http.MethodGet, path: "/deals/" + uuid.NewString(), opts: []requestOption{user}, want: http.StatusNotFound},
		{name: "bad checkout body", method: http.MethodPost, path: "/checkout", body: []byte(`{`), opts: []requestOption{user}, want: http.StatusBadRequest},
		{name: "checkout without price", method: http.MethodPost, path: "/checkout", body: []byte(`{"seller_id":"` + uuid.NewString() + `","product_id":"` + uuid.NewString() + `"}`), opts: []requestOption{user}, want: http.StatusBadRequest},
		{name: "empty settle ids", method: http.MethodPost, path: "/internal/settlements/settle", body: []byte(`{"wallet_log_ids":[]}`), opts: []requestOption{withInternalKey(testInternalKey)}, want: http.StatusBadRequest},
		{name: "unknown dispute outcome", method: http.MethodPost, path: "/internal/deals/" + uuid.NewString() + "/dispute/resolve", body: []byte(`{"outcome":"maybe"}`), opts: []requestOption{withInternalKey(testInternalKey)}, want: http.StatusBadRequest},
		{name: "unknown payment revoke", method: http.MethodPost, path: "/internal/payments/" + uuid.NewString() + "/revoke", opts: []requestOption{withInternalKey(testInternalKey)}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, tt.method, tt.path, tt.body, tt.opts...)
			if status != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, status, body)
			}
			var payload map[string]string
			if err := json.Unmarshal(body, &payload); err != nil || payload["error"] == "" {
				t.Fatalf("expected JSON error body, got %s", body)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: domain.NewValidationError("price", "must be positive"), want: http.StatusBadRequest},
		{err: &domain.NotFoundError{Entity: "deal", ID: "x"}, want: http.StatusNotFound},
		{err: fmt.Errorf("wrapped: %w", &domain.StateConflictError{Entity: "deal"}), want: http.StatusConflict},
		{err: &domain.SettlementConflictError{WalletLogID: "x"}, want: http.StatusConflict},
		{err: &domain.GatewayError{Collaborator: "payment_gateway", Err: errors.New("timeout")}, want: http.StatusBadGateway},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestVerifySignatureForms(t *testing.T) {
	body := []byte(`{"receipt_id":"r"}`)
	sig := SignPayload("s3cret", body)
	if !verifySignature("s3cret", body, sig) || !verifySignature("s3cret", body, "sha256="+sig) {
		t.Fatal("expected both header forms to verify")
	}
	if verifySignature("s3cret", body, "zz") || verifySignature("s3cret", []byte(`{}`), sig) {
		t.Fatal("expected tampered input to fail")
	}
}
