package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCancelPaymentSendsReceiptAndAuth(t *testing.T) {
	var gotPath, gotAuth, gotKey string
	var payload CancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	if err := client.CancelPayment(context.Background(), "rcpt-1", "deal_refunded"); err != nil {
		t.Fatalf("CancelPayment returned error: %v", err)
	}

	if gotPath != "/v1/payments/rcpt-1/cancel" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotKey != "cancel-rcpt-1" {
		t.Fatalf("unexpected idempotency key %q", gotKey)
	}
	if payload.ReceiptID != "rcpt-1" || payload.Reason != "deal_refunded" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCancelPaymentTreatsConflictAsDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	if err := NewClient(server.URL, "k").CancelPayment(context.Background(), "rcpt-1", "x"); err != nil {
		t.Fatalf("expected conflict to be treated as success, got %v", err)
	}
}

func TestCancelPaymentClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{name: "server error", status: http.StatusBadGateway, temporary: true},
		{name: "rate limited", status: http.StatusTooManyRequests, temporary: true},
		{name: "bad request", status: http.StatusBadRequest, temporary: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"E1","message":"nope"}`))
			}))
			defer server.Close()

			err := NewClient(server.URL, "k").CancelPayment(context.Background(), "rcpt-1", "x")
			var apiErr *ErrorResponse
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *ErrorResponse, got %T (%v)", err, err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Code != "E1" {
				t.Fatalf("unexpected error %+v", apiErr)
			}
			if apiErr.Temporary() != tt.temporary {
				t.Fatalf("expected temporary=%v", tt.temporary)
			}
		})
	}
}

func TestCancelPaymentRequiresBaseURL(t *testing.T) {
	err := NewClient("  ", "k").CancelPayment(context.Background(), "r", "x")
	if !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
	var temp interface{ Temporary() bool }
	if !errors.As(err, &temp) || temp.Temporary() {
		t.Fatal("a missing base url must not be retried")
	}
}

func TestCancelPaymentEscapesReceiptID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewClient(server.URL, "k").CancelPayment(context.Background(), "a/b c", "x"); err != nil {
		t.Fatalf("CancelPayment returned error: %v", err)
	}
	if gotPath != "/v1/payments/a%2Fb%20c/cancel" {
		t.Fatalf("expected escaped receipt segment, got %q", gotPath)
	}
}
