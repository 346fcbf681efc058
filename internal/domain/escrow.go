/**
 * @description
 * This file defines the core domain models for the escrow-service. These structs
 * represent the escrow entities (payments, deals, deliveries, trades, wallet logs)
 * and map directly to the tables created by the store migrations.
 *
 * @notes
 * - Amounts are `int64` values in the currency's minor unit, which avoids
 *   floating-point inaccuracies with financial data.
 * - Commission rates are decimal fractions; they are never stored as floats.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentRequested PaymentStatus = "requested"
	PaymentPurchased PaymentStatus = "purchased"
	PaymentRevoked   PaymentStatus = "revoked"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is one buyer charge attempt against the external gateway.
type Payment struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	UserID       uuid.UUID     `json:"user_id"`
	ReceiptID    *string       `json:"receipt_id,omitempty"`
	Status       PaymentStatus `json:"status"`
	Price        int64         `json:"price"`
	RequestedAt  time.Time     `json:"requested_at"`
	PurchasedAt  *time.Time    `json:"purchased_at,omitempty"`
	RevokedAt    *time.Time    `json:"revoked_at,omitempty"`
	RevokeReason *string       `json:"revoke_reason,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Commission is one row of the platform fee schedule. The row with the latest
// CreatedAt at a given instant is the effective rate.
type Commission struct {
	ID        uuid.UUID       `json:"id"`
	Rate      decimal.Decimal `json:"rate"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CommissionRateScale is the number of fractional digits a stored rate keeps.
const CommissionRateScale = 5

// ValidateCommissionRate accepts rates within [0, 1) with at most
// CommissionRateScale fractional digits, so a stored rate is exactly the rate entered.
func ValidateCommissionRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return NewValidationError("rate", "must be within [0, 1)")
	}
	if !rate.Equal(rate.Truncate(CommissionRateScale)) {
		return NewValidationError("rate", fmt.Sprintf("must have at most %d decimal places", CommissionRateScale))
	}
	return nil
}

type DeliveryState string

const (
	DeliveryPreparing DeliveryState = "preparing"
	DeliveryShipped   DeliveryState = "shipped"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryReturned  DeliveryState = "returned"
)

// Delivery is the shipment state for a Deal. It is owned by exactly one Deal.
type Delivery struct {
	ID          uuid.UUID     `json:"id"`
	DealID      uuid.UUID     `json:"deal_id"`
	State       DeliveryState `json:"state"`
	ShippedAt   *time.Time    `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReturnedAt  *time.Time    `json:"returned_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type DealStatus string

const (
	DealCreated              DealStatus = "created"
	DealPaid                 DealStatus = "paid"
	DealShipped              DealStatus = "shipped"
	DealTransactionCompleted DealStatus = "transaction_completed"
	DealSettled              DealStatus = "settled"
	DealCancelled            DealStatus = "cancelled"
	DealRefunded             DealStatus = "refunded"
)

// Terminal reports whether no further transition can leave the status.
func (s DealStatus) Terminal() bool {
	return s == DealSettled || s == DealCancelled || s == DealRefunded
}

// Deal is the escrow unit binding one buyer purchase of one product from one seller.
// CommissionAmount and CommissionRate are copied by value at completion and never
// recomputed afterwards.
type Deal struct {
	ID               uuid.UUID        `json:"id"`
	TradeID          uuid.UUID        `json:"trade_id"`
	BuyerID          uuid.UUID        `json:"buyer_id"`
	SellerID         uuid.UUID        `json:"seller_id"`
	ProductID        uuid.UUID        `json:"product_id"`
	PaymentID        uuid.UUID        `json:"payment_id"`
	DeliveryID       uuid.UUID        `json:"delivery_id"`
	Total            int64            `json:"total"`
	Remain           int64            `json:"remain"`
	CommissionAmount *int64           `json:"commission_amount,omitempty"`
	CommissionRate   *decimal.Decimal `json:"commission_rate,omitempty"`
	Status           DealStatus       `json:"status"`
	Settable         bool             `json:"settable"`
	IsSettled        bool             `json:"is_settled"`
	Disputed         bool             `json:"disputed"`
	CancelReason     *string          `json:"cancel_reason,omitempty"`
	CompletedAt      *time.Time       `json:"transaction_completed_date,omitempty"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type TradeStatus string

const (
	TradeInProgress TradeStatus = "in_progress"
	TradeSettled    TradeStatus = "settled"
	TradeClosed     TradeStatus = "closed"
)

// Trade groups one or more Deals of the same checkout for audit and reporting.
type Trade struct {
	ID        uuid.UUID   `json:"id"`
	BuyerID   uuid.UUID   `json:"buyer_id"`
	SellerID  uuid.UUID   `json:"seller_id"`
	ProductID uuid.UUID   `json:"product_id"`
	Status    TradeStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// DeriveTradeStatus computes a Trade's status from its Deals.
func DeriveTradeStatus(deals []Deal) TradeStatus {
	if len(deals) == 0 {
		return TradeInProgress
	}
	allSettled := true
	for _, d := range deals {
		if !d.Status.Terminal() {
			return TradeInProgress
		}
		if d.Status != DealSettled {
			allSettled = false
		}
	}
	if allSettled {
		return TradeSettled
	}
	return TradeClosed
}

type WalletLogStatus string

const (
	WalletLogPending WalletLogStatus = "pending"
	WalletLogSettled WalletLogStatus = "settled"
	WalletLogHeld    WalletLogStatus = "held"
)

// WalletLog records money owed to (and later paid to) a seller for one Deal.
type WalletLog struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	DealID    uuid.UUID       `json:"deal_id"`
	Amount    int64           `json:"amount"`
	Status    WalletLogStatus `json:"status"`
	IsSettled bool            `json:"is_settled"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type LedgerEntryKind string

const (
	LedgerAccrual  LedgerEntryKind = "accrual"
	LedgerPayout   LedgerEntryKind = "payout"
	LedgerReversal LedgerEntryKind = "reversal"
)

// WalletLedgerEntry is an append-only journal line against a WalletLog. The sum of a
// WalletLog's entries is the amount still owed to the seller.
type WalletLedgerEntry struct {
	ID          uuid.UUID       `json:"id"`
	WalletLogID uuid.UUID       `json:"wallet_log_id"`
	DealID      uuid.UUID       `json:"deal_id"`
	UserID      uuid.UUID       `json:"user_id"`
	Kind        LedgerEntryKind `json:"kind"`
	Amount      int64           `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ErrorKind string

const (
	ErrorKindSignatureMismatch  ErrorKind = "signature_mismatch"
	ErrorKindAmountMismatch     ErrorKind = "amount_mismatch"
	ErrorKindUnknownReceipt     ErrorKind = "unknown_receipt"
	ErrorKindNotFound           ErrorKind = "not_found"
	ErrorKindPaymentFailed      ErrorKind = "payment_failed"
	ErrorKindGatewayFailure     ErrorKind = "gateway_failure"
	ErrorKindInvalidTransition  ErrorKind = "invalid_transition"
	ErrorKindPayoutFailure      ErrorKind = "payout_failure"
	ErrorKindOutOfOrderCallback ErrorKind = "out_of_order_callback"
	ErrorKindValidationFailure  ErrorKind = "validation_failure"
)

// PaymentErrorLog is an append-only failure record used for manual reconciliation.
type PaymentErrorLog struct {
	ID        uuid.UUID       `json:"id"`
	PaymentID *uuid.UUID      `json:"payment_id,omitempty"`
	Kind      ErrorKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrorLogFilter narrows ListErrorLogs results. Zero values match everything.
type ErrorLogFilter struct {
	Kind      ErrorKind
	PaymentID *uuid.UUID
	Limit     int
}
