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

type callbackOutcome int

const (
	callbackUnknown callbackOutcome = iota
	callbackSuccess
	callbackFailure
)

func classifyExternalStatus(status string) callbackOutcome {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "success", "successful", "purchased", "paid", "confirmed":
		return callbackSuccess
	case "failed", "failure", "cancelled", "canceled", "error":
		return callbackFailure
	default:
		return callbackUnknown
	}
}

// InitiatePayment creates a requested Payment for a buyer.
func (s *Service) InitiatePayment(ctx context.Context, buyerID uuid.UUID, name string, price int64) (*domain.Payment, error) {
	if price <= 0 {
		return nil, domain.NewValidationError("price", "must be positive")
	}
	if buyerID == uuid.Nil {
		return nil, domain.NewValidationError("buyer_id", "is required")
	}
	now := s.now()
	payment := &domain.Payment{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(name),
		UserID:      buyerID,
		Status:      domain.PaymentRequested,
		Price:       price,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return payment, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, notFound(err, paymentID.String())
	}
	return payment, nil
}

// AttachReceipt binds the gateway receipt id to a requested Payment owned by buyerID.
// Binding the same id again is a no-op. A Payment owned by another user is reported
// as not found.
func (s *Service) AttachReceipt(ctx context.Context, paymentID, buyerID uuid.UUID, receiptID string) (*domain.Payment, error) {
	if strings.TrimSpace(receiptID) == "" {
		return nil, domain.NewValidationError("receipt_id", "is required")
	}
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, notFound(err, paymentID.String())
	}
	if payment.UserID != buyerID {
		return nil, &domain.NotFoundError{Entity: "payment", ID: paymentID.String()}
	}
	return s.bindReceipt(ctx, paymentID, receiptID)
}

func (s *Service) bindReceipt(ctx context.Context, paymentID uuid.UUID, receiptID string) (*domain.Payment, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return nil, domain.NewValidationError("receipt_id", "is required")
	}

	updated, err := s.repo.AttachReceipt(ctx, paymentID, receiptID)
	if err != nil {
		if errors.Is(err, store.ErrReceiptAlreadyBound) {
			return nil, domain.NewValidationError("receipt_id", "already bound to another payment")
		}
		return nil, notFound(err, paymentID.String())
	}
	if updated != nil {
		return updated, nil
	}

	current, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, notFound(err, paymentID.String())
	}
	if current.ReceiptID != nil && *current.ReceiptID == receiptID {
		return current, nil
	}
	attempted := "receipt " + receiptID
	if current.ReceiptID != nil {
		return nil, &domain.StateConflictError{Entity: "payment", ID: paymentID.String(), Current: "bound to receipt " + *current.ReceiptID, Attempted: attempted}
	}
	return nil, &domain.StateConflictError{Entity: "payment", ID: paymentID.String(), Current: string(current.Status), Attempted: attempted}
}

// HandleGatewayCallback applies an authenticated gateway webhook. When the callback
// names the order (payment id) the receipt is bound first, so a webhook racing the
// client-side attach still resolves.
func (s *Service) HandleGatewayCallback(ctx context.Context, callback domain.GatewayCallback) (*domain.Payment, error) {
	if orderID := strings.TrimSpace(callback.OrderID); orderID != "" && strings.TrimSpace(callback.ReceiptID) != "" {
		paymentID, err := uuid.Parse(orderID)
		if err != nil {
			webhookCallbacks.WithLabelValues("invalid").Inc()
			s.recordError(ctx, domain.ErrorKindValidationFailure, nil, map[string]interface{}{
				"receipt_id": callback.ReceiptID,
				"order_id":   orderID,
				"reason":     "order_id is not a payment id",
			})
			return nil, domain.NewValidationError("order_id", "must be a payment id")
		}
		if _, err := s.bindReceipt(ctx, paymentID, callback.ReceiptID); err != nil && !domain.IsStateConflict(err) && !domain.IsNotFound(err) {
			return nil, err
		}
	}
	return s.ConfirmPayment(ctx, callback.ReceiptID, callback.Status, callback.Amount)
}

// ConfirmPayment applies a gateway callback keyed by receipt id. It is safe to call
// concurrently and repeatedly: exactly one caller commits the transition and every
// other caller observes the committed Payment. A zero amount skips the amount check.
func (s *Service) ConfirmPayment(ctx context.Context, receiptID, externalStatus string, amount int64) (*domain.Payment, error) {
	receiptID = strings.TrimSpace(receiptID)
	payload := map[string]interface{}{
		"receipt_id":      receiptID,
		"external_status": externalStatus,
		"amount":          amount,
	}
	if receiptID == "" {
		webhookCallbacks.WithLabelValues("invalid").Inc()
		s.recordError(ctx, domain.ErrorKindValidationFailure, nil, withReason(payload, "missing receipt_id"))
		return nil, domain.NewValidationError("receipt_id", "is required")
	}
	outcome := classifyExternalStatus(externalStatus)
	if outcome == callbackUnknown {
		webhookCallbacks.WithLabelValues("invalid").Inc()
		s.recordError(ctx, domain.ErrorKindValidationFailure, nil, withReason(payload, "unknown external status"))
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown external status %q", externalStatus))
	}

	payment, err := s.repo.GetPaymentByReceiptID(ctx, receiptID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			webhookCallbacks.WithLabelValues("unknown_receipt").Inc()
			s.recordError(ctx, domain.ErrorKindUnknownReceipt, nil, payload)
			return nil, &domain.NotFoundError{Entity: "payment", ID: "receipt " + receiptID}
		}
		return nil, fmt.Errorf("lookup payment by receipt: %w", err)
	}

	if outcome == callbackSuccess && amount != 0 && amount != payment.Price {
		webhookCallbacks.WithLabelValues("amount_mismatch").Inc()
		payload["expected_amount"] = payment.Price
		s.recordError(ctx, domain.ErrorKindAmountMismatch, &payment.ID, payload)
		return nil, domain.NewValidationError("amount", fmt.Sprintf("callback amount %d does not match payment price %d", amount, payment.Price))
	}

	if outcome == callbackSuccess {
		return s.applyPurchase(ctx, payment, payload)
	}
	return s.applyFailure(ctx, payment, payload)
}

func (s *Service) applyPurchase(ctx context.Context, payment *domain.Payment, payload map[string]interface{}) (*domain.Payment, error) {
	if payment.Status == domain.PaymentRequested {
		updated, err := s.repo.MarkPaymentPurchased(ctx, payment.ID, s.now())
		if err != nil {
			return nil, fmt.Errorf("mark payment purchased: %w", err)
		}
		if updated != nil {
			webhookCallbacks.WithLabelValues("purchased").Inc()
			s.logger.Info("payment purchased", "payment_id", updated.ID, "receipt_id", payload["receipt_id"])
			s.publish(ctx, domain.EscrowEvent{
				Type:      EventPaymentPurchased,
				PaymentID: updated.ID.String(),
				UserID:    updated.UserID.String(),
				Status:    string(updated.Status),
				Amount:    updated.Price,
			})
			if err := s.advanceDealAfterPurchase(ctx, updated); err != nil {
				return nil, err
			}
			return updated, nil
		}
		// Another delivery of the callback won the claim; observe its result.
		payment, err = s.repo.GetPayment(ctx, payment.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment: %w", err)
		}
	}

	switch payment.Status {
	case domain.PaymentPurchased:
		webhookCallbacks.WithLabelValues("replay").Inc()
		// Re-running the advance heals a crash between the payment and deal updates.
		if err := s.advanceDealAfterPurchase(ctx, payment); err != nil {
			return nil, err
		}
		return payment, nil
	case domain.PaymentRevoked:
		webhookCallbacks.WithLabelValues("replay").Inc()
		return payment, nil
	default:
		webhookCallbacks.WithLabelValues("out_of_order").Inc()
		s.recordError(ctx, domain.ErrorKindOutOfOrderCallback, &payment.ID, withReason(payload, "success callback for "+string(payment.Status)+" payment"))
		return nil, &domain.StateConflictError{Entity: "payment", ID: payment.ID.String(), Current: string(payment.Status), Attempted: string(domain.PaymentPurchased)}
	}
}

func (s *Service) applyFailure(ctx context.Context, payment *domain.Payment, payload map[string]interface{}) (*domain.Payment, error) {
	if payment.Status == domain.PaymentRequested {
		updated, err := s.repo.MarkPaymentFailed(ctx, payment.ID, s.now())
		if err != nil {
			return nil, fmt.Errorf("mark payment failed: %w", err)
		}
		if updated != nil {
			webhookCallbacks.WithLabelValues("failed").Inc()
			s.recordError(ctx, domain.ErrorKindPaymentFailed, &updated.ID, payload)
			if err := s.cancelDealForFailedPayment(ctx, updated); err != nil {
				return nil, err
			}
			return updated, nil
		}
		payment, err = s.repo.GetPayment(ctx, payment.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment: %w", err)
		}
	}

	if payment.Status == domain.PaymentFailed {
		webhookCallbacks.WithLabelValues("replay").Inc()
		if err := s.cancelDealForFailedPayment(ctx, payment); err != nil {
			return nil, err
		}
		return payment, nil
	}

	// A failure after capture is stale; the captured state stands.
	webhookCallbacks.WithLabelValues("out_of_order").Inc()
	s.recordError(ctx, domain.ErrorKindOutOfOrderCallback, &payment.ID, withReason(payload, "failure callback for "+string(payment.Status)+" payment"))
	return payment, nil
}

// advanceDealAfterPurchase moves the bound Deal created→paid. A Deal cancelled before
// capture gets its Payment revoked instead.
func (s *Service) advanceDealAfterPurchase(ctx context.Context, payment *domain.Payment) error {
	deal, err := s.repo.GetDealByPaymentID(ctx, payment.ID)
	if err != nil {
		if errors.Is(err, store.ErrDealNotFound) {
			return nil
		}
		return fmt.Errorf("lookup deal for payment: %w", err)
	}

	switch deal.Status {
	case domain.DealCreated:
		updated, err := s.repo.TransitionDeal(ctx, deal.ID, []domain.DealStatus{domain.DealCreated}, domain.DealPaid, s.now())
		if err != nil {
			return fmt.Errorf("mark deal paid: %w", err)
		}
		if updated != nil {
			dealTransitions.WithLabelValues(string(domain.DealPaid)).Inc()
			s.logger.Info("deal paid", "deal_id", deal.ID, "payment_id", payment.ID)
			s.refreshTrade(ctx, deal.TradeID)
			return nil
		}
		reloaded, err := s.repo.GetDeal(ctx, deal.ID)
		if err != nil {
			return fmt.Errorf("reload deal: %w", err)
		}
		if reloaded.Status == domain.DealCancelled {
			return s.revokeIfPurchased(ctx, payment.ID, "deal_cancelled")
		}
	case domain.DealCancelled:
		return s.revokeIfPurchased(ctx, payment.ID, "deal_cancelled")
	}
	return nil
}

func (s *Service) cancelDealForFailedPayment(ctx context.Context, payment *domain.Payment) error {
	deal, err := s.repo.GetDealByPaymentID(ctx, payment.ID)
	if err != nil {
		if errors.Is(err, store.ErrDealNotFound) {
			return nil
		}
		return fmt.Errorf("lookup deal for payment: %w", err)
	}
	if deal.Status != domain.DealCreated {
		return nil
	}
	updated, _, err := s.repo.ReverseDeal(ctx, store.ReverseDealParams{
		DealID: deal.ID,
		From:   []domain.DealStatus{domain.DealCreated},
		To:     domain.DealCancelled,
		Reason: "payment_failed",
		At:     s.now(),
	})
	if err != nil {
		return fmt.Errorf("cancel deal for failed payment: %w", err)
	}
	if updated != nil {
		dealTransitions.WithLabelValues(string(domain.DealCancelled)).Inc()
		s.publish(ctx, domain.EscrowEvent{Type: EventDealCancelled, DealID: deal.ID.String(), PaymentID: payment.ID.String(), Status: string(updated.Status), Amount: deal.Total})
		s.refreshTrade(ctx, deal.TradeID)
	}
	return nil
}

// RevokePayment reverses a captured Payment. The gateway cancel runs after the state
// change commits; when it keeps failing the revoke stands and the failure is logged
// for manual action.
func (s *Service) RevokePayment(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked"
	}
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, notFound(err, paymentID.String())
	}
	if payment.Status != domain.PaymentPurchased {
		s.recordError(ctx, domain.ErrorKindInvalidTransition, &payment.ID, map[string]interface{}{
			"entity":    "payment",
			"current":   payment.Status,
			"attempted": domain.PaymentRevoked,
			"reason":    reason,
		})
		return nil, &domain.StateConflictError{Entity: "payment", ID: paymentID.String(), Current: string(payment.Status), Attempted: string(domain.PaymentRevoked)}
	}

	revoked, err := s.repo.MarkPaymentRevoked(ctx, paymentID, reason, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark payment revoked: %w", err)
	}
	if revoked == nil {
		current, err := s.repo.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, notFound(err, paymentID.String())
		}
		return nil, &domain.StateConflictError{Entity: "payment", ID: paymentID.String(), Current: string(current.Status), Attempted: string(domain.PaymentRevoked)}
	}
	s.logger.Info("payment revoked", "payment_id", paymentID, "reason", reason)

	s.cancelAtGateway(ctx, revoked, reason)
	return revoked, nil
}

// revokeIfPurchased is the internal compensation path: a Payment that is not captured
// needs no revoke.
func (s *Service) revokeIfPurchased(ctx context.Context, paymentID uuid.UUID, reason string) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("lookup payment for revoke: %w", err)
	}
	if payment.Status != domain.PaymentPurchased {
		return nil
	}
	_, err = s.RevokePayment(ctx, paymentID, reason)
	if err == nil || domain.IsStateConflict(err) {
		return nil
	}
	return err
}

func (s *Service) cancelAtGateway(ctx context.Context, payment *domain.Payment, reason string) {
	if payment.ReceiptID == nil {
		return
	}
	if s.gateway == nil {
		s.logger.Warn("gateway client not configured; cancel skipped", "payment_id", payment.ID)
		s.recordError(ctx, domain.ErrorKindGatewayFailure, &payment.ID, map[string]interface{}{
			"operation":  "cancel_payment",
			"receipt_id": *payment.ReceiptID,
			"reason":     reason,
			"error":      "gateway client not configured",
		})
		return
	}
	receiptID := *payment.ReceiptID
	err := s.callWithRetry(ctx, "gateway", "cancel_payment", func(ctx context.Context) error {
		return s.gateway.CancelPayment(ctx, receiptID, reason)
	})
	if err != nil {
		attempts := 0
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) {
			attempts = gwErr.Attempts
		}
		s.recordError(ctx, domain.ErrorKindGatewayFailure, &payment.ID, map[string]interface{}{
			"operation":  "cancel_payment",
			"receipt_id": receiptID,
			"reason":     reason,
			"amount":     payment.Price,
			"attempts":   attempts,
			"error":      err.Error(),
		})
	}
}

func withReason(payload map[string]interface{}, reason string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["reason"] = reason
	return out
}
