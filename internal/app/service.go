/**
 * @description
 * This file contains the core business logic for the escrow-service. The `Service`
 * struct orchestrates the escrow lifecycle, coordinating between the repository, the
 * payment gateway, the payout collaborator and the message broker.
 *
 * Key features:
 * - Payment ledger with receipt-keyed idempotent confirmation.
 * - Deal state machine with an exactly-once completion step (commission snapshot,
 *   remain, WalletLog creation).
 * - Scheduled settlement of pending WalletLogs behind the explicit `settable` gate.
 * - Append-only reconciliation log for anything an operator has to look at.
 *
 * Every state change is a single conditional update in the store. External calls
 * (gateway cancel, payout dispatch, event publishing) always run after the update
 * has committed.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - github.com/shopspring/decimal: Commission arithmetic.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// Event routing keys published on the escrow exchange.
const (
	EventPaymentPurchased = "payment.purchased"
	EventDealCompleted    = "deal.completed"
	EventDealRefunded     = "deal.refunded"
	EventDealCancelled    = "deal.cancelled"
	EventWalletLogSettled = "wallet_log.settled"
)

// GatewayClient is the part of the payment gateway the engine calls.
type GatewayClient interface {
	CancelPayment(ctx context.Context, receiptID, reason string) error
}

// PayoutClient dispatches payout instructions for settled WalletLogs.
type PayoutClient interface {
	SendPayout(ctx context.Context, instruction domain.PayoutInstruction) error
}

// EventPublisher publishes escrow events. rabbitmq.Publisher satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Options carries the tunables of the engine. Zero values fall back to defaults.
type Options struct {
	DefaultCommissionRate decimal.Decimal
	AutoConfirmWindow     time.Duration
	AutoConfirmBatchLimit int
	SettlementBatchLimit  int
	SettlementWorkers     int
	GatewayMaxAttempts    int
	GatewayRetryBackoff   time.Duration
	Currency              string
	EventExchange         string
	Now                   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AutoConfirmWindow <= 0 {
		o.AutoConfirmWindow = 7 * 24 * time.Hour
	}
	if o.AutoConfirmBatchLimit <= 0 {
		o.AutoConfirmBatchLimit = 500
	}
	if o.SettlementBatchLimit <= 0 {
		o.SettlementBatchLimit = 200
	}
	if o.SettlementWorkers <= 0 {
		o.SettlementWorkers = 4
	}
	if o.GatewayMaxAttempts <= 0 {
		o.GatewayMaxAttempts = 3
	}
	if o.GatewayRetryBackoff < 0 {
		o.GatewayRetryBackoff = 0
	}
	if o.Currency == "" {
		o.Currency = "KRW"
	}
	if o.EventExchange == "" {
		o.EventExchange = "transfa.events"
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Service provides the core business logic for escrow.
type Service struct {
	repo        store.Repository
	gateway     GatewayClient
	payout      PayoutClient
	publisher   EventPublisher
	commissions *CommissionCalculator
	logger      *slog.Logger
	opts        Options
}

// NewService creates a new escrow service instance.
func NewService(repo store.Repository, gateway GatewayClient, payout PayoutClient, publisher EventPublisher, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Service{
		repo:        repo,
		gateway:     gateway,
		payout:      payout,
		publisher:   publisher,
		commissions: NewCommissionCalculator(repo, opts.DefaultCommissionRate),
		logger:      logger.With("component", "escrow_service"),
		opts:        opts,
	}
}

// Commissions exposes the calculator used at deal completion.
func (s *Service) Commissions() *CommissionCalculator { return s.commissions }

func (s *Service) now() time.Time { return s.opts.Now() }

func (s *Service) publish(ctx context.Context, event domain.EscrowEvent) {
	if s.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.publisher.Publish(ctx, s.opts.EventExchange, event.Type, event); err != nil {
		s.logger.Warn("failed to publish escrow event", "event", event.Type, "deal_id", event.DealID, "error", err)
	}
}

// refreshTrade re-derives the Trade status from its Deals. Failures are logged only;
// the status is recomputed on the next Deal transition.
func (s *Service) refreshTrade(ctx context.Context, tradeID uuid.UUID) {
	deals, err := s.repo.ListDealsByTrade(ctx, tradeID)
	if err != nil {
		s.logger.Warn("failed to list trade deals", "trade_id", tradeID, "error", err)
		return
	}
	if _, err := s.repo.UpdateTradeStatus(ctx, tradeID, domain.DeriveTradeStatus(deals), s.now()); err != nil {
		s.logger.Warn("failed to update trade status", "trade_id", tradeID, "error", err)
	}
}

// notFound translates store sentinels into the domain NotFoundError.
func notFound(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrPaymentNotFound):
		return &domain.NotFoundError{Entity: "payment", ID: id}
	case errors.Is(err, store.ErrDealNotFound):
		return &domain.NotFoundError{Entity: "deal", ID: id}
	case errors.Is(err, store.ErrDeliveryNotFound):
		return &domain.NotFoundError{Entity: "delivery", ID: id}
	case errors.Is(err, store.ErrTradeNotFound):
		return &domain.NotFoundError{Entity: "trade", ID: id}
	case errors.Is(err, store.ErrWalletLogNotFound):
		return &domain.NotFoundError{Entity: "wallet_log", ID: id}
	}
	return err
}
