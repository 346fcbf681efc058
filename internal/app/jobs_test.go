package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/domain"
)

type engineStub struct {
	settleCalls  int
	confirmCalls int
	settleErr    error
}

func (s *engineStub) RunSettlementBatch(ctx context.Context) (*domain.SettlementReport, error) {
	s.settleCalls++
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	return &domain.SettlementReport{Settled: 1}, nil
}

func (s *engineStub) AutoConfirmDeals(ctx context.Context) (int, error) {
	s.confirmCalls++
	return 0, nil
}

type lockStub struct {
	granted  bool
	err      error
	released int
	names    []string
}

func (l *lockStub) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.names = append(l.names, name)
	if l.err != nil || !l.granted {
		return nil, false, l.err
	}
	return func() { l.released++ }, true, nil
}

func newTestJobs(engine EscrowEngine, lock RunLock) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(engine, lock, logger)
}

func TestRunSettlement_SkipsWhenLockHeldElsewhere(t *testing.T) {
	engine := &engineStub{}
	jobs := newTestJobs(engine, &lockStub{granted: false})

	jobs.RunSettlement()

	if engine.settleCalls != 0 {
		t.Fatal("expected settlement to be skipped when the lock is held")
	}
}

func TestRunSettlement_RunsAndReleasesLock(t *testing.T) {
	engine := &engineStub{settleErr: errors.New("db down")}
	lock := &lockStub{granted: true}
	jobs := newTestJobs(engine, lock)

	jobs.RunSettlement()

	if engine.settleCalls != 1 {
		t.Fatalf("expected one settlement call, got %d", engine.settleCalls)
	}
	if lock.released != 1 || lock.names[0] != settlementLockName {
		t.Fatalf("expected the settlement lock to be released, got %+v", lock)
	}
}

func TestRunAutoConfirm_LockErrorSkips(t *testing.T) {
	engine := &engineStub{}
	jobs := newTestJobs(engine, &lockStub{err: errors.New("redis unavailable")})

	jobs.RunAutoConfirm()

	if engine.confirmCalls != 0 {
		t.Fatal("expected auto confirm to be skipped on lock error")
	}
}

func TestRunAutoConfirm_NilLockRunsLocally(t *testing.T) {
	engine := &engineStub{}
	jobs := newTestJobs(engine, nil)

	jobs.RunAutoConfirm()

	if engine.confirmCalls != 1 {
		t.Fatalf("expected one auto confirm call, got %d", engine.confirmCalls)
	}
}

func TestSchedulerRegistersJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := newTestJobs(&engineStub{}, nil)

	scheduler := NewScheduler(jobs, logger, config.Config{SettlementJobSchedule: "0 3 * * *", AutoConfirmJobSchedule: "*/15 * * * *"})
	if n := scheduler.Start(); n != 2 {
		t.Fatalf("expected two scheduled jobs, got %d", n)
	}
	<-scheduler.Stop().Done()

	broken := NewScheduler(jobs, logger, config.Config{SettlementJobSchedule: "not a schedule", AutoConfirmJobSchedule: "*/15 * * * *"})
	if n := broken.Start(); n != 1 {
		t.Fatalf("expected invalid schedule to be skipped, got %d", n)
	}
	<-broken.Stop().Done()
}

func TestRedisRunLockWithoutClientGrants(t *testing.T) {
	lock := NewRedisRunLock(nil, "")
	release, ok, err := lock.Acquire(context.Background(), "settlement_batch", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected grant without a client, got ok=%v err=%v", ok, err)
	}
	release()
	if lock.key("settlement_batch") != "transfa:escrow:lock:settlement_batch" {
		t.Fatalf("unexpected key %q", lock.key("settlement_batch"))
	}
}
