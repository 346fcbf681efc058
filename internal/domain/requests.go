package domain

import (
	"time"

	"github.com/google/uuid"
)

// CheckoutRequest is the DTO for starting a purchase of one product.
type CheckoutRequest struct {
	BuyerID   uuid.UUID `json:"buyer_id"`
	SellerID  uuid.UUID `json:"seller_id"`
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
}

// CheckoutResult bundles the records created by a checkout.
type CheckoutResult struct {
	Payment  *Payment  `json:"payment"`
	Trade    *Trade    `json:"trade"`
	Deal     *Deal     `json:"deal"`
	Delivery *Delivery `json:"delivery"`
}

// GatewayCallback is the authenticated body of a payment gateway webhook.
type GatewayCallback struct {
	ReceiptID string `json:"receipt_id"`
	OrderID   string `json:"order_id,omitempty"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

type DisputeOutcome string

const (
	DisputeRelease DisputeOutcome = "release"
	DisputeRefund  DisputeOutcome = "refund"
)

// SettlementOutcome classifies the result of settling one WalletLog.
type SettlementOutcome string

const (
	SettlementSettled  SettlementOutcome = "settled"
	SettlementSkipped  SettlementOutcome = "skipped"
	SettlementConflict SettlementOutcome = "conflict"
	SettlementNotFound SettlementOutcome = "not_found"
	SettlementFailed   SettlementOutcome = "failed"
)

// SettlementItemResult reports what happened to one WalletLog in a run.
type SettlementItemResult struct {
	WalletLogID uuid.UUID         `json:"wallet_log_id"`
	Outcome     SettlementOutcome `json:"outcome"`
	PayoutSent  bool              `json:"payout_sent"`
	Error       string            `json:"error,omitempty"`
}

// SettlementReport summarizes a batch or bulk settlement run.
type SettlementReport struct {
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Settled    int                    `json:"settled"`
	Skipped    int                    `json:"skipped"`
	Conflicts  int                    `json:"conflicts"`
	NotFound   int                    `json:"not_found"`
	Failed     int                    `json:"failed"`
	Items      []SettlementItemResult `json:"items"`
}

// PayoutInstruction is sent to the payout collaborator once a WalletLog is settled.
// It names the seller, not a bank account: the payout service owns the seller's
// registered account and resolves it from SellerID when it executes the transfer.
type PayoutInstruction struct {
	WalletLogID uuid.UUID `json:"wallet_log_id"`
	DealID      uuid.UUID `json:"deal_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	SettledAt   time.Time `json:"settled_at"`
}

// DealView is a Deal together with the records it owns.
type DealView struct {
	Deal      *Deal      `json:"deal"`
	Delivery  *Delivery  `json:"delivery"`
	WalletLog *WalletLog `json:"wallet_log,omitempty"`
}
