package payoutclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

func TestSendPayoutUsesWalletLogAsIdempotencyKey(t *testing.T) {
	sellerID := uuid.New()
	instruction := domain.PayoutInstruction{
		WalletLogID: uuid.New(),
		DealID:      uuid.New(),
		SellerID:    sellerID,
		Amount:      9000,
		Currency:    "KRW",
		SettledAt:   time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
	}

	var gotKey, gotAPIKey, gotPath string
	var got domain.PayoutInstruction
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAPIKey = r.Header.Get("X-Internal-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	if err := NewClient(server.URL, " internal ").SendPayout(context.Background(), instruction); err != nil {
		t.Fatalf("SendPayout returned error: %v", err)
	}
	if gotPath != "/internal/payouts" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != instruction.WalletLogID.String() {
		t.Fatalf("expected idempotency key %s, got %q", instruction.WalletLogID, gotKey)
	}
	if gotAPIKey != "internal" {
		t.Fatalf("unexpected api key %q", gotAPIKey)
	}
	if got.Amount != 9000 || got.SellerID != sellerID || got.WalletLogID != instruction.WalletLogID {
		t.Fatalf("unexpected instruction %+v", got)
	}
}

func TestSendPayoutStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewClient(server.URL, "").SendPayout(context.Background(), domain.PayoutInstruction{WalletLogID: uuid.New()})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %T (%v)", err, err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || !statusErr.Temporary() {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
	if statusErr.Body != "unavailable" {
		t.Fatalf("unexpected body %q", statusErr.Body)
	}
}

func TestSendPayoutConflictIsAlreadyAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	if err := NewClient(server.URL, "").SendPayout(context.Background(), domain.PayoutInstruction{WalletLogID: uuid.New()}); err != nil {
		t.Fatalf("expected nil error on conflict, got %v", err)
	}
}

func TestSendPayoutRequiresBaseURL(t *testing.T) {
	err := NewClient("", "k").SendPayout(context.Background(), domain.PayoutInstruction{WalletLogID: uuid.New()})
	if !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}
