package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// RunSettlementBatch settles every pending WalletLog whose Deal is settable. Rows that
// are not settable are skipped silently and picked up again by a later run.
func (s *Service) RunSettlementBatch(ctx context.Context) (*domain.SettlementReport, error) {
	candidates, err := s.repo.ListSettlementCandidates(ctx, s.opts.SettlementBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list settlement candidates: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, wl := range candidates {
		ids = append(ids, wl.ID)
	}
	return s.settle(ctx, ids)
}

// SettleWalletLogs is the operator bulk action over an explicit set of WalletLog ids.
// It runs the same per-row test-and-set as the scheduled batch.
func (s *Service) SettleWalletLogs(ctx context.Context, ids []uuid.UUID) (*domain.SettlementReport, error) {
	if len(ids) == 0 {
		return nil, domain.NewValidationError("wallet_log_ids", "at least one id is required")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return s.settle(ctx, unique)
}

func (s *Service) settle(ctx context.Context, ids []uuid.UUID) (*domain.SettlementReport, error) {
	started := time.Now()
	report := &domain.SettlementReport{StartedAt: s.now(), Items: make([]domain.SettlementItemResult, len(ids))}
	defer func() {
		settlementBatchDuration.Observe(time.Since(started).Seconds())
	}()

	if len(ids) > 0 {
		workers := s.opts.SettlementWorkers
		if workers > len(ids) {
			workers = len(ids)
		}
		pool, err := ants.NewPool(workers)
		if err != nil {
			return nil, fmt.Errorf("failed to create settlement pool for %d workers: %w", workers, err)
		}
		defer pool.Release()

		var wg sync.WaitGroup
		for i, id := range ids {
			i, id := i, id
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				report.Items[i] = s.settleOne(ctx, id)
			}); err != nil {
				wg.Done()
				report.Items[i] = domain.SettlementItemResult{WalletLogID: id, Outcome: domain.SettlementFailed, Error: err.Error()}
			}
		}
		wg.Wait()
	}

	for _, item := range report.Items {
		settlementEntries.WithLabelValues(string(item.Outcome)).Inc()
		switch item.Outcome {
		case domain.SettlementSettled:
			report.Settled++
		case domain.SettlementSkipped:
			report.Skipped++
		case domain.SettlementConflict:
			report.Conflicts++
		case domain.SettlementNotFound:
			report.NotFound++
		default:
			report.Failed++
		}
	}
	report.FinishedAt = s.now()
	s.logger.Info("settlement run finished",
		"flow", "settlement",
		"entries", len(ids),
		"settled", report.Settled,
		"skipped", report.Skipped,
		"conflicts", report.Conflicts,
		"not_found", report.NotFound,
		"failed", report.Failed,
	)
	return report, nil
}

// settleOne runs the atomic test-and-set for one WalletLog and, after it commits, the
// payout dispatch.
func (s *Service) settleOne(ctx context.Context, walletLogID uuid.UUID) domain.SettlementItemResult {
	result := domain.SettlementItemResult{WalletLogID: walletLogID}

	walletLog, err := s.repo.SettleWalletLog(ctx, walletLogID, s.now())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrWalletLogNotSettable):
		result.Outcome = domain.SettlementSkipped
		return result
	case errors.Is(err, store.ErrWalletLogAlreadyTaken):
		conflict := &domain.SettlementConflictError{WalletLogID: walletLogID.String()}
		s.logger.Debug("settlement lost race", "wallet_log_id", walletLogID, "error", conflict)
		result.Outcome = domain.SettlementConflict
		return result
	case errors.Is(err, store.ErrWalletLogNotFound), errors.Is(err, store.ErrDealNotFound):
		s.recordError(ctx, domain.ErrorKindNotFound, nil, map[string]interface{}{
			"entity":        "wallet_log",
			"wallet_log_id": walletLogID,
			"error":         err.Error(),
		})
		result.Outcome = domain.SettlementNotFound
		result.Error = err.Error()
		return result
	default:
		s.logger.Error("settle wallet log failed", "wallet_log_id", walletLogID, "error", err)
		result.Outcome = domain.SettlementFailed
		result.Error = err.Error()
		return result
	}

	result.Outcome = domain.SettlementSettled
	deal, err := s.repo.GetDeal(ctx, walletLog.DealID)
	if err != nil {
		s.logger.Error("settled wallet log without readable deal", "wallet_log_id", walletLogID, "deal_id", walletLog.DealID, "error", err)
		deal = nil
	}

	result.PayoutSent = s.dispatchPayout(ctx, walletLog, deal) == nil
	s.publish(ctx, domain.EscrowEvent{
		Type:        EventWalletLogSettled,
		DealID:      walletLog.DealID.String(),
		WalletLogID: walletLog.ID.String(),
		UserID:      walletLog.UserID.String(),
		Status:      string(walletLog.Status),
		Amount:      walletLog.Amount,
	})
	if deal != nil {
		dealTransitions.WithLabelValues(string(domain.DealSettled)).Inc()
		s.refreshTrade(ctx, deal.TradeID)
	}
	return result
}

// dispatchPayout sends the payout instruction for a settled WalletLog. A failure never
// rolls back the settlement; it is logged for replay.
func (s *Service) dispatchPayout(ctx context.Context, walletLog *domain.WalletLog, deal *domain.Deal) error {
	instruction := domain.PayoutInstruction{
		WalletLogID: walletLog.ID,
		DealID:      walletLog.DealID,
		SellerID:    walletLog.UserID,
		Amount:      walletLog.Amount,
		Currency:    s.opts.Currency,
	}
	if walletLog.SettledAt != nil {
		instruction.SettledAt = *walletLog.SettledAt
	}

	var paymentID *uuid.UUID
	if deal != nil {
		id := deal.PaymentID
		paymentID = &id
	}

	var err error
	if s.payout == nil {
		err = &domain.GatewayError{Collaborator: "payout", Operation: "send_payout", Err: errors.New("payout client not configured")}
	} else {
		err = s.callWithRetry(ctx, "payout", "send_payout", func(ctx context.Context) error {
			return s.payout.SendPayout(ctx, instruction)
		})
	}
	if err != nil {
		s.recordError(ctx, domain.ErrorKindPayoutFailure, paymentID, map[string]interface{}{
			"wallet_log_id": walletLog.ID,
			"deal_id":       walletLog.DealID,
			"seller_id":     walletLog.UserID,
			"amount":        walletLog.Amount,
			"currency":      s.opts.Currency,
			"error":         err.Error(),
		})
		return err
	}
	s.logger.Info("payout dispatched", "wallet_log_id", walletLog.ID, "amount", walletLog.Amount)
	return nil
}

// ReplayPayout re-sends the payout instruction of an already settled WalletLog. The
// WalletLog id is the idempotency key, so the collaborator pays at most once.
func (s *Service) ReplayPayout(ctx context.Context, walletLogID uuid.UUID) (*domain.SettlementItemResult, error) {
	walletLog, err := s.repo.GetWalletLog(ctx, walletLogID)
	if err != nil {
		return nil, notFound(err, walletLogID.String())
	}
	if !walletLog.IsSettled {
		return nil, &domain.StateConflictError{Entity: "wallet_log", ID: walletLogID.String(), Current: string(walletLog.Status), Attempted: "payout"}
	}
	deal, err := s.repo.GetDeal(ctx, walletLog.DealID)
	if err != nil {
		return nil, notFound(err, walletLog.DealID.String())
	}
	if err := s.dispatchPayout(ctx, walletLog, deal); err != nil {
		return nil, err
	}
	return &domain.SettlementItemResult{WalletLogID: walletLogID, Outcome: domain.SettlementSettled, PayoutSent: true}, nil
}
