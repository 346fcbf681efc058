package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDeriveTradeStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []DealStatus
		want     TradeStatus
	}{
		{name: "no deals", want: TradeInProgress},
		{name: "open deal", statuses: []DealStatus{DealSettled, DealShipped}, want: TradeInProgress},
		{name: "completed but unsettled", statuses: []DealStatus{DealTransactionCompleted}, want: TradeInProgress},
		{name: "all settled", statuses: []DealStatus{DealSettled, DealSettled}, want: TradeSettled},
		{name: "settled and refunded", statuses: []DealStatus{DealSettled, DealRefunded}, want: TradeClosed},
		{name: "cancelled", statuses: []DealStatus{DealCancelled}, want: TradeClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deals := make([]Deal, 0, len(tt.statuses))
			for _, s := range tt.statuses {
				deals = append(deals, Deal{Status: s})
			}
			if got := DeriveTradeStatus(deals); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestErrorHelpersSeeThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	gateway := fmt.Errorf("revoke: %w", &GatewayError{Collaborator: "payment_gateway", Operation: "cancel_payment", Attempts: 3, Err: cause})
	if !IsGateway(gateway) || !errors.Is(gateway, cause) {
		t.Fatal("expected wrapped gateway error to match and unwrap to its cause")
	}
	if got := gateway.Error(); got != "revoke: payment_gateway cancel_payment failed after 3 attempt(s): connection reset" {
		t.Fatalf("unexpected message %q", got)
	}

	conflict := fmt.Errorf("confirm: %w", &StateConflictError{Entity: "deal", ID: "d1", Current: "cancelled", Attempted: "transaction_completed"})
	if !IsStateConflict(conflict) || IsValidation(conflict) || IsNotFound(conflict) {
		t.Fatal("expected only the state conflict helper to match")
	}
	if !IsSettlementConflict(&SettlementConflictError{WalletLogID: "w1"}) {
		t.Fatal("expected settlement conflict to match")
	}

	if got := NewValidationError("", "body is empty").Error(); got != "validation failed: body is empty" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (&NotFoundError{Entity: "payment", ID: "receipt r1"}).Error(); got != "payment receipt r1 not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []DealStatus{DealSettled, DealCancelled, DealRefunded} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []DealStatus{DealCreated, DealPaid, DealShipped, DealTransactionCompleted} {
		if s.Terminal() {
			t.Fatalf("expected %s to be open", s)
		}
	}
}

func TestValidateCommissionRate(t *testing.T) {
	tests := []struct {
		rate  string
		valid bool
	}{
		{rate: "0", valid: true},
		{rate: "0.1", valid: true},
		{rate: "0.99999", valid: true},
		{rate: "0.123450", valid: true},
		{rate: "0.123456", valid: false},
		{rate: "0.999996", valid: false},
		{rate: "1", valid: false},
		{rate: "-0.00001", valid: false},
	}
	for _, tt := range tests {
		err := ValidateCommissionRate(decimal.RequireFromString(tt.rate))
		if tt.valid && err != nil {
			t.Fatalf("rate %s: unexpected error %v", tt.rate, err)
		}
		if !tt.valid && !IsValidation(err) {
			t.Fatalf("rate %s: expected validation error, got %v", tt.rate, err)
		}
	}
}
