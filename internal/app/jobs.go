/**
 * @description
 * Scheduled job implementations for the escrow-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

// EscrowEngine is the part of the Service the scheduled jobs drive.
type EscrowEngine interface {
	RunSettlementBatch(ctx context.Context) (*domain.SettlementReport, error)
	AutoConfirmDeals(ctx context.Context) (int, error)
}

const (
	settlementLockName  = "settlement_batch"
	autoConfirmLockName = "auto_confirm"
	jobTimeout          = 10 * time.Minute
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	engine EscrowEngine
	lock   RunLock
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner. A nil lock runs every tick locally.
func NewJobs(engine EscrowEngine, lock RunLock, logger *slog.Logger) *Jobs {
	if lock == nil {
		lock = NoopRunLock{}
	}
	return &Jobs{
		engine: engine,
		lock:   lock,
		logger: logger,
	}
}

// RunSettlement is the scheduled settlement batch.
func (j *Jobs) RunSettlement() {
	j.logger.Info("starting settlement batch job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	release, ok, err := j.lock.Acquire(ctx, settlementLockName, jobTimeout)
	if err != nil {
		j.logger.Error("failed to acquire settlement run lock", "error", err)
		return
	}
	if !ok {
		j.logger.Info("settlement batch already running elsewhere; skipping")
		return
	}
	defer release()

	report, err := j.engine.RunSettlementBatch(ctx)
	if err != nil {
		j.logger.Error("failed to run settlement batch", "error", err)
		return
	}

	j.logger.Info("settlement batch job finished", "settled", report.Settled, "skipped", report.Skipped, "conflicts", report.Conflicts, "failed", report.Failed)
}

// RunAutoConfirm completes deals whose buyer never confirmed within the window.
func (j *Jobs) RunAutoConfirm() {
	j.logger.Info("starting auto confirm job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	release, ok, err := j.lock.Acquire(ctx, autoConfirmLockName, jobTimeout)
	if err != nil {
		j.logger.Error("failed to acquire auto confirm run lock", "error", err)
		return
	}
	if !ok {
		j.logger.Info("auto confirm already running elsewhere; skipping")
		return
	}
	defer release()

	completed, err := j.engine.AutoConfirmDeals(ctx)
	if err != nil {
		j.logger.Error("failed to auto confirm deals", "error", err)
		return
	}

	j.logger.Info("auto confirm job finished", "completed", completed)
}
