package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// CommissionCalculator resolves the effective platform fee and snapshots it for a Deal.
type CommissionCalculator struct {
	repo        store.CommissionRepository
	defaultRate decimal.Decimal
}

func NewCommissionCalculator(repo store.CommissionRepository, defaultRate decimal.Decimal) *CommissionCalculator {
	return &CommissionCalculator{repo: repo, defaultRate: defaultRate}
}

// CurrentRate returns the rate of the latest Commission row created at or before at.
// With an empty schedule the configured default applies.
func (c *CommissionCalculator) CurrentRate(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	commission, err := c.repo.CurrentCommission(ctx, at)
	if err != nil {
		if errors.Is(err, store.ErrCommissionNotFound) {
			return c.defaultRate, nil
		}
		return decimal.Zero, fmt.Errorf("load commission rate: %w", err)
	}
	return commission.Rate, nil
}

// Snapshot computes the commission owed on total at the given instant. Amounts are
// rounded half up to the minor unit.
func (c *CommissionCalculator) Snapshot(ctx context.Context, total int64, at time.Time) (int64, decimal.Decimal, error) {
	rate, err := c.CurrentRate(ctx, at)
	if err != nil {
		return 0, decimal.Zero, err
	}
	return CommissionAmount(total, rate), rate, nil
}

// CommissionAmount is total*rate rounded half up. decimal.Round rounds half away from
// zero, which is the same rule for the non-negative totals a Deal can hold.
func CommissionAmount(total int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(total).Mul(rate).Round(0).IntPart()
}

// SetCommissionRate appends a new Commission row. History is never overwritten.
func (s *Service) SetCommissionRate(ctx context.Context, rate decimal.Decimal) (*domain.Commission, error) {
	if err := domain.ValidateCommissionRate(rate); err != nil {
		return nil, err
	}
	now := s.now()
	commission := &domain.Commission{
		ID:        uuid.New(),
		Rate:      rate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateCommission(ctx, commission); err != nil {
		return nil, fmt.Errorf("create commission: %w", err)
	}
	s.logger.Info("commission rate updated", "commission_id", commission.ID, "rate", rate.String())
	return commission, nil
}

func (s *Service) ListCommissions(ctx context.Context) ([]domain.Commission, error) {
	return s.repo.ListCommissions(ctx)
}
