/**
 * @description
 * This file provides an in-memory implementation of the `Repository` interface. It
 * honors the same conditional-update contracts as the PostgreSQL implementation and
 * backs the unit tests and `STORE_DRIVER=memory` local runs.
 *
 * @notes
 * - A single mutex stands in for the database's row locks; every method runs as one
 *   critical section, which is the strongest isolation level the contract allows.
 * - Rows are copied on the way in and out so callers cannot mutate stored state.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

type MemoryRepository struct {
	mu          sync.Mutex
	payments    map[uuid.UUID]domain.Payment
	receipts    map[string]uuid.UUID
	commissions []domain.Commission
	trades      map[uuid.UUID]domain.Trade
	deals       map[uuid.UUID]domain.Deal
	deliveries  map[uuid.UUID]domain.Delivery // keyed by deal id
	walletLogs  map[uuid.UUID]domain.WalletLog
	dealWallets map[uuid.UUID]uuid.UUID // deal id -> wallet log id
	ledger      []domain.WalletLedgerEntry
	errorLogs   []domain.PaymentErrorLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments:    make(map[uuid.UUID]domain.Payment),
		receipts:    make(map[string]uuid.UUID),
		trades:      make(map[uuid.UUID]domain.Trade),
		deals:       make(map[uuid.UUID]domain.Deal),
		deliveries:  make(map[uuid.UUID]domain.Delivery),
		walletLogs:  make(map[uuid.UUID]domain.WalletLog),
		dealWallets: make(map[uuid.UUID]uuid.UUID),
	}
}

var _ Repository = (*MemoryRepository)(nil)

// Payments

func (r *MemoryRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertPaymentLocked(payment)
}

func (r *MemoryRepository) insertPaymentLocked(payment *domain.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.ReceiptID != nil {
		if _, taken := r.receipts[*payment.ReceiptID]; taken {
			return ErrReceiptAlreadyBound
		}
		r.receipts[*payment.ReceiptID] = payment.ID
	}
	r.payments[payment.ID] = *payment
	return nil
}

func (r *MemoryRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPaymentByReceiptID(ctx context.Context, receiptID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.receipts[receiptID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p := r.payments[id]
	return &p, nil
}

func (r *MemoryRepository) AttachReceipt(ctx context.Context, paymentID uuid.UUID, receiptID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if owner, taken := r.receipts[receiptID]; taken && owner != paymentID {
		return nil, ErrReceiptAlreadyBound
	}
	if p.Status != domain.PaymentRequested || p.ReceiptID != nil {
		return nil, nil
	}
	rid := receiptID
	p.ReceiptID = &rid
	p.UpdatedAt = time.Now().UTC()
	r.payments[paymentID] = p
	r.receipts[receiptID] = paymentID
	return &p, nil
}

func (r *MemoryRepository) MarkPaymentPurchased(ctx context.Context, paymentID uuid.UUID, purchasedAt time.Time) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != domain.PaymentRequested {
		return nil, nil
	}
	at := purchasedAt
	p.Status = domain.PaymentPurchased
	p.PurchasedAt = &at
	p.UpdatedAt = purchasedAt
	r.payments[paymentID] = p
	return &p, nil
}

func (r *MemoryRepository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, failedAt time.Time) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != domain.PaymentRequested {
		return nil, nil
	}
	p.Status = domain.PaymentFailed
	p.UpdatedAt = failedAt
	r.payments[paymentID] = p
	return &p, nil
}

func (r *MemoryRepository) MarkPaymentRevoked(ctx context.Context, paymentID uuid.UUID, reason string, revokedAt time.Time) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != domain.PaymentPurchased {
		return nil, nil
	}
	at := revokedAt
	why := reason
	p.Status = domain.PaymentRevoked
	p.PurchasedAt = nil
	p.RevokedAt = &at
	p.RevokeReason = &why
	p.UpdatedAt = revokedAt
	r.payments[paymentID] = p
	return &p, nil
}

// Commissions

func (r *MemoryRepository) CreateCommission(ctx context.Context, commission *domain.Commission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if commission.ID == uuid.Nil {
		commission.ID = uuid.New()
	}
	r.commissions = append(r.commissions, *commission)
	return nil
}

func (r *MemoryRepository) CurrentCommission(ctx context.Context, at time.Time) (*domain.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var current *domain.Commission
	for i := range r.commissions {
		c := r.commissions[i]
		if c.CreatedAt.After(at) {
			continue
		}
		if current == nil || c.CreatedAt.After(current.CreatedAt) {
			current = &c
		}
	}
	if current == nil {
		return nil, ErrCommissionNotFound
	}
	return current, nil
}

func (r *MemoryRepository) ListCommissions(ctx context.Context) ([]domain.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Commission, len(r.commissions))
	copy(out, r.commissions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Deals, deliveries and trades

func (r *MemoryRepository) CreateCheckout(ctx context.Context, payment *domain.Payment, trade *domain.Trade, deal *domain.Deal, delivery *domain.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.insertPaymentLocked(payment); err != nil {
		return err
	}
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if deal.ID == uuid.Nil {
		deal.ID = uuid.New()
	}
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	deal.TradeID = trade.ID
	deal.PaymentID = payment.ID
	deal.DeliveryID = delivery.ID
	delivery.DealID = deal.ID

	r.trades[trade.ID] = *trade
	r.deals[deal.ID] = *deal
	r.deliveries[deal.ID] = *delivery
	return nil
}

func (r *MemoryRepository) GetDeal(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetDealByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deals {
		if d.PaymentID == paymentID {
			found := d
			return &found, nil
		}
	}
	return nil, ErrDealNotFound
}

func (r *MemoryRepository) GetDelivery(ctx context.Context, dealID uuid.UUID) (*domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[dealID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetTrade(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) ListDealsByTrade(ctx context.Context, tradeID uuid.UUID) ([]domain.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deal
	for _, d := range r.deals {
		if d.TradeID == tradeID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) TransitionDeal(ctx context.Context, dealID uuid.UUID, from []domain.DealStatus, to domain.DealStatus, at time.Time) (*domain.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	if !containsDealStatus(from, d.Status) {
		return nil, nil
	}
	d.Status = to
	d.UpdatedAt = at
	r.deals[dealID] = d
	return &d, nil
}

func (r *MemoryRepository) TransitionDelivery(ctx context.Context, dealID uuid.UUID, from []domain.DeliveryState, to domain.DeliveryState, at time.Time) (*domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[dealID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	if !containsDeliveryState(from, d.State) {
		return nil, nil
	}
	stamp := at
	switch to {
	case domain.DeliveryShipped:
		d.ShippedAt = &stamp
	case domain.DeliveryDelivered:
		d.DeliveredAt = &stamp
		if d.ShippedAt == nil {
			d.ShippedAt = &stamp
		}
	case domain.DeliveryReturned:
		d.ReturnedAt = &stamp
	}
	d.State = to
	d.UpdatedAt = at
	r.deliveries[dealID] = d
	return &d, nil
}

func (r *MemoryRepository) CompleteDeal(ctx context.Context, params CompleteDealParams) (*domain.Deal, *domain.WalletLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[params.DealID]
	if !ok {
		return nil, nil, ErrDealNotFound
	}
	if d.Status != domain.DealShipped {
		return nil, nil, nil
	}
	if _, exists := r.dealWallets[d.ID]; exists {
		return nil, nil, ErrWalletLogExists
	}

	amount := params.CommissionAmount
	rate := params.CommissionRate
	completedAt := params.CompletedAt
	d.Status = domain.DealTransactionCompleted
	d.CommissionAmount = &amount
	d.CommissionRate = &rate
	d.Remain = d.Total - amount
	d.Settable = !d.Disputed
	d.CompletedAt = &completedAt
	d.UpdatedAt = completedAt

	wl := domain.WalletLog{
		ID:        uuid.New(),
		UserID:    d.SellerID,
		DealID:    d.ID,
		Amount:    d.Remain,
		Status:    domain.WalletLogPending,
		CreatedAt: completedAt,
		UpdatedAt: completedAt,
	}
	r.deals[d.ID] = d
	r.walletLogs[wl.ID] = wl
	r.dealWallets[d.ID] = wl.ID
	r.appendLedgerLocked(wl, domain.LedgerAccrual, wl.Amount, completedAt)
	return &d, &wl, nil
}

func (r *MemoryRepository) ReverseDeal(ctx context.Context, params ReverseDealParams) (*domain.Deal, *domain.WalletLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[params.DealID]
	if !ok {
		return nil, nil, ErrDealNotFound
	}
	if !containsDealStatus(params.From, d.Status) {
		return nil, nil, nil
	}
	reason := params.Reason
	d.Status = params.To
	d.Settable = false
	d.Disputed = false
	d.CancelReason = &reason
	d.UpdatedAt = params.At
	r.deals[d.ID] = d

	wlID, exists := r.dealWallets[d.ID]
	if !exists {
		return &d, nil, nil
	}
	wl := r.walletLogs[wlID]
	if wl.Status == domain.WalletLogPending && !wl.IsSettled {
		wl.Status = domain.WalletLogHeld
		wl.UpdatedAt = params.At
		r.walletLogs[wl.ID] = wl
		r.appendLedgerLocked(wl, domain.LedgerReversal, -wl.Amount, params.At)
	}
	return &d, &wl, nil
}

func (r *MemoryRepository) SetDealDispute(ctx context.Context, dealID uuid.UUID, disputed bool, at time.Time) (*domain.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	if d.Status.Terminal() {
		return nil, nil
	}
	d.Disputed = disputed
	d.Settable = !disputed && d.Status == domain.DealTransactionCompleted
	d.UpdatedAt = at
	r.deals[dealID] = d
	return &d, nil
}

func (r *MemoryRepository) ListAutoConfirmCandidates(ctx context.Context, deliveredBefore time.Time, limit int) ([]domain.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type candidate struct {
		deal        domain.Deal
		deliveredAt time.Time
	}
	var found []candidate
	for _, d := range r.deals {
		if d.Status != domain.DealShipped || d.Disputed {
			continue
		}
		delivery, ok := r.deliveries[d.ID]
		if !ok || delivery.State != domain.DeliveryDelivered || delivery.DeliveredAt == nil {
			continue
		}
		if delivery.DeliveredAt.After(deliveredBefore) {
			continue
		}
		found = append(found, candidate{deal: d, deliveredAt: *delivery.DeliveredAt})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].deliveredAt.Before(found[j].deliveredAt) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]domain.Deal, 0, len(found))
	for _, c := range found {
		out = append(out, c.deal)
	}
	return out, nil
}

func (r *MemoryRepository) UpdateTradeStatus(ctx context.Context, tradeID uuid.UUID, status domain.TradeStatus, at time.Time) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if t.Status != status {
		t.Status = status
		t.UpdatedAt = at
		r.trades[tradeID] = t
	}
	return &t, nil
}

// Wallet logs

func (r *MemoryRepository) GetWalletLog(ctx context.Context, walletLogID uuid.UUID) (*domain.WalletLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wl, ok := r.walletLogs[walletLogID]
	if !ok {
		return nil, ErrWalletLogNotFound
	}
	return &wl, nil
}

func (r *MemoryRepository) GetWalletLogByDealID(ctx context.Context, dealID uuid.UUID) (*domain.WalletLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.dealWallets[dealID]
	if !ok {
		return nil, ErrWalletLogNotFound
	}
	wl := r.walletLogs[id]
	return &wl, nil
}

func (r *MemoryRepository) ListSettlementCandidates(ctx context.Context, limit int) ([]domain.WalletLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WalletLog
	for _, wl := range r.walletLogs {
		if wl.Status != domain.WalletLogPending || wl.IsSettled {
			continue
		}
		if d, ok := r.deals[wl.DealID]; !ok || !d.Settable {
			continue
		}
		out = append(out, wl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) SettleWalletLog(ctx context.Context, walletLogID uuid.UUID, settledAt time.Time) (*domain.WalletLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wl, ok := r.walletLogs[walletLogID]
	if !ok {
		return nil, ErrWalletLogNotFound
	}
	d, ok := r.deals[wl.DealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	if wl.IsSettled || d.IsSettled {
		return nil, ErrWalletLogAlreadyTaken
	}
	if wl.Status != domain.WalletLogPending || !d.Settable || d.Status != domain.DealTransactionCompleted {
		return nil, ErrWalletLogNotSettable
	}

	at := settledAt
	wl.Status = domain.WalletLogSettled
	wl.IsSettled = true
	wl.SettledAt = &at
	wl.UpdatedAt = settledAt
	r.walletLogs[wl.ID] = wl

	d.Status = domain.DealSettled
	d.IsSettled = true
	d.Settable = false
	d.SettledAt = &at
	d.UpdatedAt = settledAt
	r.deals[d.ID] = d

	r.appendLedgerLocked(wl, domain.LedgerPayout, -wl.Amount, settledAt)
	return &wl, nil
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, walletLogID uuid.UUID) ([]domain.WalletLedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WalletLedgerEntry
	for _, e := range r.ledger {
		if e.WalletLogID == walletLogID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) appendLedgerLocked(wl domain.WalletLog, kind domain.LedgerEntryKind, amount int64, at time.Time) {
	r.ledger = append(r.ledger, domain.WalletLedgerEntry{
		ID:          uuid.New(),
		WalletLogID: wl.ID,
		DealID:      wl.DealID,
		UserID:      wl.UserID,
		Kind:        kind,
		Amount:      amount,
		CreatedAt:   at,
	})
}

// Error logs

func (r *MemoryRepository) AppendErrorLog(ctx context.Context, entry *domain.PaymentErrorLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	stored := *entry
	stored.Payload = append([]byte(nil), entry.Payload...)
	r.errorLogs = append(r.errorLogs, stored)
	return nil
}

func (r *MemoryRepository) ListErrorLogs(ctx context.Context, filter domain.ErrorLogFilter) ([]domain.PaymentErrorLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentErrorLog
	for i := len(r.errorLogs) - 1; i >= 0; i-- {
		e := r.errorLogs[i]
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.PaymentID != nil && (e.PaymentID == nil || *e.PaymentID != *filter.PaymentID) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
