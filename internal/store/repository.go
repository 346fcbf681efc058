/**
 * @description
 * This file defines the repository interfaces for the escrow-service. Each escrow
 * entity gets its own interface so the atomicity contracts (conditional updates,
 * row-level claims) are explicit and enforceable independent of the storage engine.
 *
 * Conditional update methods follow one convention: they return (nil, nil) when the
 * guarded precondition no longer holds, meaning another caller won the race. Callers
 * re-read the row to observe the committed result.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

var (
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrReceiptAlreadyBound   = errors.New("receipt id already bound to another payment")
	ErrCommissionNotFound    = errors.New("commission not found")
	ErrDealNotFound          = errors.New("deal not found")
	ErrDeliveryNotFound      = errors.New("delivery not found")
	ErrTradeNotFound         = errors.New("trade not found")
	ErrWalletLogNotFound     = errors.New("wallet log not found")
	ErrWalletLogExists       = errors.New("wallet log already exists for deal")
	ErrWalletLogNotSettable  = errors.New("wallet log is not settable")
	ErrWalletLogAlreadyTaken = errors.New("wallet log already settled")
)

// PaymentRepository owns Payment rows.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	GetPaymentByReceiptID(ctx context.Context, receiptID string) (*domain.Payment, error)
	// AttachReceipt binds receiptID to a requested payment that has no receipt yet.
	AttachReceipt(ctx context.Context, paymentID uuid.UUID, receiptID string) (*domain.Payment, error)
	MarkPaymentPurchased(ctx context.Context, paymentID uuid.UUID, purchasedAt time.Time) (*domain.Payment, error)
	MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, failedAt time.Time) (*domain.Payment, error)
	MarkPaymentRevoked(ctx context.Context, paymentID uuid.UUID, reason string, revokedAt time.Time) (*domain.Payment, error)
}

// CommissionRepository owns the commission schedule.
type CommissionRepository interface {
	CreateCommission(ctx context.Context, commission *domain.Commission) error
	// CurrentCommission returns the row with the latest created_at <= at.
	CurrentCommission(ctx context.Context, at time.Time) (*domain.Commission, error)
	ListCommissions(ctx context.Context) ([]domain.Commission, error)
}

// DealRepository owns Deals together with their Delivery and Trade rows.
type DealRepository interface {
	// CreateCheckout inserts a requested payment, its trade, deal and delivery atomically.
	CreateCheckout(ctx context.Context, payment *domain.Payment, trade *domain.Trade, deal *domain.Deal, delivery *domain.Delivery) error
	GetDeal(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error)
	GetDealByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.Deal, error)
	GetDelivery(ctx context.Context, dealID uuid.UUID) (*domain.Delivery, error)
	GetTrade(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error)
	ListDealsByTrade(ctx context.Context, tradeID uuid.UUID) ([]domain.Deal, error)
	TransitionDeal(ctx context.Context, dealID uuid.UUID, from []domain.DealStatus, to domain.DealStatus, at time.Time) (*domain.Deal, error)
	TransitionDelivery(ctx context.Context, dealID uuid.UUID, from []domain.DeliveryState, to domain.DeliveryState, at time.Time) (*domain.Delivery, error)
	// CompleteDeal moves a shipped deal to transaction_completed, stores the commission
	// snapshot and creates its pending WalletLog with an accrual entry, all at once.
	CompleteDeal(ctx context.Context, params CompleteDealParams) (*domain.Deal, *domain.WalletLog, error)
	// ReverseDeal moves a deal to cancelled or refunded, closes the settable gate and
	// holds an unsettled WalletLog with a reversal entry.
	ReverseDeal(ctx context.Context, params ReverseDealParams) (*domain.Deal, *domain.WalletLog, error)
	// SetDealDispute opens or closes a dispute and recomputes the settable gate.
	SetDealDispute(ctx context.Context, dealID uuid.UUID, disputed bool, at time.Time) (*domain.Deal, error)
	ListAutoConfirmCandidates(ctx context.Context, deliveredBefore time.Time, limit int) ([]domain.Deal, error)
	UpdateTradeStatus(ctx context.Context, tradeID uuid.UUID, status domain.TradeStatus, at time.Time) (*domain.Trade, error)
}

// WalletLogRepository owns WalletLogs and their ledger entries.
type WalletLogRepository interface {
	GetWalletLog(ctx context.Context, walletLogID uuid.UUID) (*domain.WalletLog, error)
	GetWalletLogByDealID(ctx context.Context, dealID uuid.UUID) (*domain.WalletLog, error)
	ListSettlementCandidates(ctx context.Context, limit int) ([]domain.WalletLog, error)
	// SettleWalletLog is the single atomic test-and-set of a WalletLog. It returns
	// ErrWalletLogNotSettable when the parent deal gate is closed and
	// ErrWalletLogAlreadyTaken when another run already settled the row.
	SettleWalletLog(ctx context.Context, walletLogID uuid.UUID, settledAt time.Time) (*domain.WalletLog, error)
	ListLedgerEntries(ctx context.Context, walletLogID uuid.UUID) ([]domain.WalletLedgerEntry, error)
}

// ErrorLogRepository is the append-only sink for reconciliation records.
type ErrorLogRepository interface {
	AppendErrorLog(ctx context.Context, entry *domain.PaymentErrorLog) error
	ListErrorLogs(ctx context.Context, filter domain.ErrorLogFilter) ([]domain.PaymentErrorLog, error)
}

// Repository is the full set of escrow repositories backed by one storage engine.
type Repository interface {
	PaymentRepository
	CommissionRepository
	DealRepository
	WalletLogRepository
	ErrorLogRepository
}

type CompleteDealParams struct {
	DealID           uuid.UUID
	CommissionRate   decimal.Decimal
	CommissionAmount int64
	CompletedAt      time.Time
}

type ReverseDealParams struct {
	DealID uuid.UUID
	From   []domain.DealStatus
	To     domain.DealStatus
	Reason string
	At     time.Time
}

func containsDealStatus(list []domain.DealStatus, status domain.DealStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func containsDeliveryState(list []domain.DeliveryState, state domain.DeliveryState) bool {
	for _, s := range list {
		if s == state {
			return true
		}
	}
	return false
}
