package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// Checkout creates the Payment, Trade, Deal and Delivery of one purchase atomically.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	switch {
	case req.Price <= 0:
		return nil, domain.NewValidationError("price", "must be positive")
	case req.BuyerID == uuid.Nil:
		return nil, domain.NewValidationError("buyer_id", "is required")
	case req.SellerID == uuid.Nil:
		return nil, domain.NewValidationError("seller_id", "is required")
	case req.ProductID == uuid.Nil:
		return nil, domain.NewValidationError("product_id", "is required")
	case req.BuyerID == req.SellerID:
		return nil, domain.NewValidationError("seller_id", "buyer cannot purchase their own product")
	}

	now := s.now()
	payment := &domain.Payment{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(req.Name),
		UserID:      req.BuyerID,
		Status:      domain.PaymentRequested,
		Price:       req.Price,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	trade := &domain.Trade{
		ID:        uuid.New(),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		ProductID: req.ProductID,
		Status:    domain.TradeInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	deal := &domain.Deal{
		ID:        uuid.New(),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		ProductID: req.ProductID,
		Total:     req.Price,
		Status:    domain.DealCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	delivery := &domain.Delivery{
		ID:        uuid.New(),
		State:     domain.DeliveryPreparing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateCheckout(ctx, payment, trade, deal, delivery); err != nil {
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	dealTransitions.WithLabelValues(string(domain.DealCreated)).Inc()
	s.logger.Info("checkout created", "deal_id", deal.ID, "payment_id", payment.ID, "trade_id", trade.ID, "total", deal.Total)
	return &domain.CheckoutResult{Payment: payment, Trade: trade, Deal: deal, Delivery: delivery}, nil
}

func (s *Service) GetDeal(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	return deal, nil
}

// GetDealView returns a Deal with its Delivery and, once completed, its WalletLog.
func (s *Service) GetDealView(ctx context.Context, dealID uuid.UUID) (*domain.DealView, error) {
	deal, err := s.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	delivery, err := s.repo.GetDelivery(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	view := &domain.DealView{Deal: deal, Delivery: delivery}
	walletLog, err := s.repo.GetWalletLogByDealID(ctx, dealID)
	switch {
	case err == nil:
		view.WalletLog = walletLog
	case !errors.Is(err, store.ErrWalletLogNotFound):
		return nil, fmt.Errorf("lookup wallet log: %w", err)
	}
	return view, nil
}

func (s *Service) GetTrade(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error) {
	trade, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, notFound(err, tradeID.String())
	}
	return trade, nil
}

// HandleDeliveryEvent feeds a delivery tracker state change into the Deal state machine.
// Repeating the current state is a no-op; moving a shipment backwards is a conflict.
func (s *Service) HandleDeliveryEvent(ctx context.Context, dealID uuid.UUID, state domain.DeliveryState) (*domain.Deal, error) {
	var from []domain.DeliveryState
	switch state {
	case domain.DeliveryShipped:
		from = []domain.DeliveryState{domain.DeliveryPreparing}
	case domain.DeliveryDelivered:
		from = []domain.DeliveryState{domain.DeliveryPreparing, domain.DeliveryShipped}
	case domain.DeliveryReturned:
		from = []domain.DeliveryState{domain.DeliveryShipped, domain.DeliveryDelivered}
	default:
		return nil, domain.NewValidationError("state", fmt.Sprintf("unsupported delivery state %q", state))
	}

	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, store.ErrDealNotFound) {
			s.recordError(ctx, domain.ErrorKindNotFound, nil, map[string]interface{}{
				"entity":         "deal",
				"deal_id":        dealID,
				"delivery_state": state,
			})
		}
		return nil, notFound(err, dealID.String())
	}
	delivery, err := s.repo.GetDelivery(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}

	if state != domain.DeliveryReturned {
		switch deal.Status {
		case domain.DealPaid, domain.DealShipped, domain.DealTransactionCompleted, domain.DealSettled:
		default:
			return nil, s.transitionConflict(ctx, "deal", deal.ID, deal.PaymentID, string(deal.Status), "delivery "+string(state))
		}
	}

	if delivery.State != state {
		updated, err := s.repo.TransitionDelivery(ctx, dealID, from, state, s.now())
		if err != nil {
			return nil, fmt.Errorf("transition delivery: %w", err)
		}
		if updated == nil {
			current, err := s.repo.GetDelivery(ctx, dealID)
			if err != nil {
				return nil, notFound(err, dealID.String())
			}
			if current.State != state {
				return nil, s.transitionConflict(ctx, "delivery", current.ID, deal.PaymentID, string(current.State), string(state))
			}
		} else {
			s.logger.Info("delivery state changed", "deal_id", dealID, "from", delivery.State, "to", state)
		}
	}

	switch state {
	case domain.DeliveryShipped, domain.DeliveryDelivered:
		if deal.Status == domain.DealPaid {
			advanced, err := s.repo.TransitionDeal(ctx, dealID, []domain.DealStatus{domain.DealPaid}, domain.DealShipped, s.now())
			if err != nil {
				return nil, fmt.Errorf("mark deal shipped: %w", err)
			}
			if advanced != nil {
				dealTransitions.WithLabelValues(string(domain.DealShipped)).Inc()
				s.refreshTrade(ctx, deal.TradeID)
			}
		}
	case domain.DeliveryReturned:
		// Returned goods on a completed, unpaid-out Deal hold the settlement until an
		// operator resolves it.
		if deal.Status == domain.DealTransactionCompleted && !deal.Disputed {
			if _, err := s.repo.SetDealDispute(ctx, dealID, true, s.now()); err != nil {
				return nil, fmt.Errorf("open dispute for returned delivery: %w", err)
			}
			s.logger.Warn("returned delivery opened a dispute", "deal_id", dealID)
		}
	}

	return s.GetDeal(ctx, dealID)
}

// ConfirmDeal is the buyer's explicit confirmation of receipt.
func (s *Service) ConfirmDeal(ctx context.Context, dealID uuid.UUID, buyerID uuid.UUID) (*domain.Deal, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	if deal.BuyerID != buyerID {
		return nil, domain.NewValidationError("buyer_id", "only the buyer can confirm the deal")
	}
	switch deal.Status {
	case domain.DealTransactionCompleted, domain.DealSettled:
		return deal, nil
	case domain.DealShipped:
	default:
		return nil, s.transitionConflict(ctx, "deal", deal.ID, deal.PaymentID, string(deal.Status), string(domain.DealTransactionCompleted))
	}

	delivery, err := s.repo.GetDelivery(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	// Buyers confirm only after the delivered event.
	if delivery.State != domain.DeliveryDelivered {
		return nil, s.transitionConflict(ctx, "delivery", delivery.ID, deal.PaymentID, string(delivery.State), string(domain.DealTransactionCompleted))
	}

	completed, _, err := s.completeDeal(ctx, deal, "buyer_confirmed")
	return completed, err
}

// AutoConfirmDeals completes every shipped Deal whose delivery was confirmed longer
// ago than the auto-confirm window. It returns the number of Deals this call completed.
func (s *Service) AutoConfirmDeals(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.AutoConfirmWindow)
	candidates, err := s.repo.ListAutoConfirmCandidates(ctx, cutoff, s.opts.AutoConfirmBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list auto confirm candidates: %w", err)
	}

	completed := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		deal := candidates[i]
		_, won, err := s.completeDeal(ctx, &deal, "auto_confirmed")
		if err != nil {
			s.logger.Warn("auto confirm failed", "deal_id", deal.ID, "error", err)
			continue
		}
		if won {
			completed++
		}
	}
	if len(candidates) > 0 {
		s.logger.Info("auto confirm pass finished", "candidates", len(candidates), "completed", completed)
	}
	return completed, nil
}

// completeDeal is the single entry into transaction_completed. The commission is
// computed before the claim; only the winning caller stores it. The boolean reports
// whether this call performed the transition.
func (s *Service) completeDeal(ctx context.Context, deal *domain.Deal, trigger string) (*domain.Deal, bool, error) {
	completedAt := s.now()
	amount, rate, err := s.commissions.Snapshot(ctx, deal.Total, completedAt)
	if err != nil {
		return nil, false, err
	}
	if amount > deal.Total {
		return nil, false, domain.NewValidationError("commission", "exceeds deal total")
	}

	updated, walletLog, err := s.repo.CompleteDeal(ctx, store.CompleteDealParams{
		DealID:           deal.ID,
		CommissionRate:   rate,
		CommissionAmount: amount,
		CompletedAt:      completedAt,
	})
	if err != nil && !errors.Is(err, store.ErrWalletLogExists) {
		return nil, false, fmt.Errorf("complete deal: %w", err)
	}
	if updated == nil {
		current, getErr := s.repo.GetDeal(ctx, deal.ID)
		if getErr != nil {
			return nil, false, notFound(getErr, deal.ID.String())
		}
		switch current.Status {
		case domain.DealTransactionCompleted, domain.DealSettled:
			return current, false, nil
		}
		return nil, false, s.transitionConflict(ctx, "deal", current.ID, current.PaymentID, string(current.Status), string(domain.DealTransactionCompleted))
	}

	dealTransitions.WithLabelValues(string(domain.DealTransactionCompleted)).Inc()
	s.logger.Info("deal completed",
		"deal_id", updated.ID,
		"trigger", trigger,
		"total", updated.Total,
		"commission", amount,
		"rate", rate.String(),
		"remain", updated.Remain,
		"wallet_log_id", walletLog.ID,
	)
	s.publish(ctx, domain.EscrowEvent{
		Type:        EventDealCompleted,
		DealID:      updated.ID.String(),
		PaymentID:   updated.PaymentID.String(),
		WalletLogID: walletLog.ID.String(),
		UserID:      updated.SellerID.String(),
		Status:      string(updated.Status),
		Amount:      updated.Remain,
	})
	s.refreshTrade(ctx, updated.TradeID)
	return updated, true, nil
}

// CancelDeal cancels a Deal before anything irreversible shipped. A captured Payment is
// revoked afterwards. actorID may be uuid.Nil for internal callers.
func (s *Service) CancelDeal(ctx context.Context, dealID uuid.UUID, actorID uuid.UUID, reason string) (*domain.Deal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	if actorID != uuid.Nil && actorID != deal.BuyerID && actorID != deal.SellerID {
		return nil, domain.NewValidationError("user_id", "only the buyer or seller can cancel the deal")
	}
	if deal.Status == domain.DealCancelled {
		if err := s.revokeIfPurchased(ctx, deal.PaymentID, "deal_cancelled"); err != nil {
			return nil, err
		}
		return deal, nil
	}
	cancellable := []domain.DealStatus{domain.DealCreated, domain.DealPaid, domain.DealShipped}
	if !containsStatus(cancellable, deal.Status) {
		return nil, s.transitionConflict(ctx, "deal", deal.ID, deal.PaymentID, string(deal.Status), string(domain.DealCancelled))
	}

	delivery, err := s.repo.GetDelivery(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	if delivery.State != domain.DeliveryPreparing && delivery.State != domain.DeliveryReturned {
		return nil, s.transitionConflict(ctx, "delivery", delivery.ID, deal.PaymentID, string(delivery.State), string(domain.DealCancelled))
	}

	updated, _, err := s.repo.ReverseDeal(ctx, store.ReverseDealParams{
		DealID: dealID,
		From:   cancellable,
		To:     domain.DealCancelled,
		Reason: reason,
		At:     s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("cancel deal: %w", err)
	}
	if updated == nil {
		current, getErr := s.repo.GetDeal(ctx, dealID)
		if getErr != nil {
			return nil, notFound(getErr, dealID.String())
		}
		if current.Status != domain.DealCancelled {
			return nil, s.transitionConflict(ctx, "deal", current.ID, current.PaymentID, string(current.Status), string(domain.DealCancelled))
		}
		updated = current
	} else {
		dealTransitions.WithLabelValues(string(domain.DealCancelled)).Inc()
		s.logger.Info("deal cancelled", "deal_id", dealID, "reason", reason)
		s.publish(ctx, domain.EscrowEvent{Type: EventDealCancelled, DealID: dealID.String(), PaymentID: deal.PaymentID.String(), Status: string(updated.Status), Amount: deal.Total})
		s.refreshTrade(ctx, deal.TradeID)
	}

	if err := s.revokeIfPurchased(ctx, deal.PaymentID, "deal_cancelled"); err != nil {
		return nil, err
	}
	return updated, nil
}

// OpenDispute closes the settable gate of a Deal until the dispute is resolved.
func (s *Service) OpenDispute(ctx context.Context, dealID uuid.UUID, reason string) (*domain.Deal, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	if deal.Disputed {
		return deal, nil
	}
	updated, err := s.repo.SetDealDispute(ctx, dealID, true, s.now())
	if err != nil {
		return nil, fmt.Errorf("open dispute: %w", err)
	}
	if updated == nil {
		current, getErr := s.repo.GetDeal(ctx, dealID)
		if getErr != nil {
			return nil, notFound(getErr, dealID.String())
		}
		return nil, s.transitionConflict(ctx, "deal", current.ID, current.PaymentID, string(current.Status), "disputed")
	}
	s.logger.Warn("dispute opened", "deal_id", dealID, "reason", strings.TrimSpace(reason))
	return updated, nil
}

// ResolveDispute releases the Deal back to settlement or refunds the buyer.
func (s *Service) ResolveDispute(ctx context.Context, dealID uuid.UUID, outcome domain.DisputeOutcome, reason string) (*domain.Deal, error) {
	switch outcome {
	case domain.DisputeRefund:
		if strings.TrimSpace(reason) == "" {
			reason = "dispute_refund"
		}
		return s.RefundDeal(ctx, dealID, reason)
	case domain.DisputeRelease:
	default:
		return nil, domain.NewValidationError("outcome", fmt.Sprintf("unsupported dispute outcome %q", outcome))
	}

	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	if !deal.Disputed {
		return deal, nil
	}
	updated, err := s.repo.SetDealDispute(ctx, dealID, false, s.now())
	if err != nil {
		return nil, fmt.Errorf("release dispute: %w", err)
	}
	if updated == nil {
		current, getErr := s.repo.GetDeal(ctx, dealID)
		if getErr != nil {
			return nil, notFound(getErr, dealID.String())
		}
		return current, nil
	}
	s.logger.Info("dispute released", "deal_id", dealID, "settable", updated.Settable)
	return updated, nil
}

// RefundDeal returns the funds of a Deal to the buyer. An unsettled WalletLog is held
// with a reversal entry instead of being deleted.
func (s *Service) RefundDeal(ctx context.Context, dealID uuid.UUID, reason string) (*domain.Deal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "refunded"
	}
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, notFound(err, dealID.String())
	}
	if deal.Status == domain.DealRefunded {
		if err := s.revokeIfPurchased(ctx, deal.PaymentID, "deal_refunded"); err != nil {
			return nil, err
		}
		return deal, nil
	}
	refundable := []domain.DealStatus{domain.DealPaid, domain.DealShipped, domain.DealTransactionCompleted}
	if !containsStatus(refundable, deal.Status) {
		return nil, s.transitionConflict(ctx, "deal", deal.ID, deal.PaymentID, string(deal.Status), string(domain.DealRefunded))
	}

	updated, walletLog, err := s.repo.ReverseDeal(ctx, store.ReverseDealParams{
		DealID: dealID,
		From:   refundable,
		To:     domain.DealRefunded,
		Reason: reason,
		At:     s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("refund deal: %w", err)
	}
	if updated == nil {
		current, getErr := s.repo.GetDeal(ctx, dealID)
		if getErr != nil {
			return nil, notFound(getErr, dealID.String())
		}
		if current.Status != domain.DealRefunded {
			return nil, s.transitionConflict(ctx, "deal", current.ID, current.PaymentID, string(current.Status), string(domain.DealRefunded))
		}
		updated = current
	} else {
		dealTransitions.WithLabelValues(string(domain.DealRefunded)).Inc()
		logArgs := []interface{}{"deal_id", dealID, "reason", reason}
		if walletLog != nil {
			logArgs = append(logArgs, "wallet_log_id", walletLog.ID, "wallet_log_status", walletLog.Status)
		}
		s.logger.Info("deal refunded", logArgs...)
		s.publish(ctx, domain.EscrowEvent{Type: EventDealRefunded, DealID: dealID.String(), PaymentID: deal.PaymentID.String(), UserID: deal.BuyerID.String(), Status: string(updated.Status), Amount: deal.Total})
		s.refreshTrade(ctx, deal.TradeID)
	}

	if err := s.revokeIfPurchased(ctx, deal.PaymentID, "deal_refunded"); err != nil {
		return nil, err
	}
	return updated, nil
}

// transitionConflict records an illegal transition attempt and returns the error for it.
func (s *Service) transitionConflict(ctx context.Context, entity string, id uuid.UUID, paymentID uuid.UUID, current, attempted string) error {
	var ref *uuid.UUID
	if paymentID != uuid.Nil {
		ref = &paymentID
	}
	s.recordError(ctx, domain.ErrorKindInvalidTransition, ref, map[string]interface{}{
		"entity":    entity,
		"id":        id,
		"current":   current,
		"attempted": attempted,
	})
	return &domain.StateConflictError{Entity: entity, ID: id.String(), Current: current, Attempted: attempted}
}

func containsStatus(list []domain.DealStatus, status domain.DealStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
