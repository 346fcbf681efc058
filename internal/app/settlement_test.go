package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/gatewayclient"
	"github.com/transfa/escrow-service/pkg/payoutclient"
)

func TestConcurrentSettlementRunsSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var walletLogIDs []uuid.UUID
	for i := 0; i < 5; i++ {
		result, _ := env.completedDeal(t, 10000, "rcpt-batch-"+uuid.NewString())
		wl, err := env.repo.GetWalletLogByDealID(ctx, result.Deal.ID)
		if err != nil {
			t.Fatalf("GetWalletLogByDealID returned error: %v", err)
		}
		walletLogIDs = append(walletLogIDs, wl.ID)
	}

	var wg sync.WaitGroup
	reports := make([]*domain.SettlementReport, 6)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				reports[i], _ = env.svc.RunSettlementBatch(ctx)
				return
			}
			reports[i], _ = env.svc.SettleWalletLogs(ctx, walletLogIDs)
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, r := range reports {
		if r == nil {
			t.Fatal("settlement run returned no report")
		}
		settled += r.Settled
		if r.Failed != 0 {
			t.Fatalf("unexpected failures in %+v", r)
		}
	}
	if settled != len(walletLogIDs) {
		t.Fatalf("expected %d settlements across all runs, got %d", len(walletLogIDs), settled)
	}

	for _, id := range walletLogIDs {
		wl, _ := env.repo.GetWalletLog(ctx, id)
		if !wl.IsSettled || wl.Status != domain.WalletLogSettled {
			t.Fatalf("wallet log %s not settled: %+v", id, wl)
		}
		entries, _ := env.repo.ListLedgerEntries(ctx, id)
		if len(entries) != 2 {
			t.Fatalf("expected accrual and payout entries, got %+v", entries)
		}
	}
	if n := len(env.payout.sent()); n != len(walletLogIDs) {
		t.Fatalf("expected one payout per wallet log, got %d", n)
	}
}

func TestSettleWalletLogsReportsOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	settledDeal, _ := env.completedDeal(t, 10000, "rcpt-a")
	disputedDeal, _ := env.completedDeal(t, 10000, "rcpt-b")
	if _, err := env.svc.OpenDispute(ctx, disputedDeal.Deal.ID, "pending review"); err != nil {
		t.Fatalf("OpenDispute returned error: %v", err)
	}
	settledWL, _ := env.repo.GetWalletLogByDealID(ctx, settledDeal.Deal.ID)
	disputedWL, _ := env.repo.GetWalletLogByDealID(ctx, disputedDeal.Deal.ID)
	unknown := uuid.New()

	if _, err := env.svc.SettleWalletLogs(ctx, []uuid.UUID{settledWL.ID}); err != nil {
		t.Fatalf("SettleWalletLogs returned error: %v", err)
	}

	report, err := env.svc.SettleWalletLogs(ctx, []uuid.UUID{settledWL.ID, disputedWL.ID, unknown, unknown})
	if err != nil {
		t.Fatalf("SettleWalletLogs returned error: %v", err)
	}
	if report.Conflicts != 1 || report.Skipped != 1 || report.NotFound != 1 || report.Settled != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Items) != 3 {
		t.Fatalf("expected duplicate ids to collapse, got %d items", len(report.Items))
	}
	if logs := env.errorLogs(t, domain.ErrorKindNotFound); len(logs) != 1 {
		t.Fatalf("expected one not_found entry, got %d", len(logs))
	}

	if _, err := env.svc.SettleWalletLogs(ctx, nil); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for empty ids, got %v", err)
	}
}

func TestPayoutFailureDoesNotRollBackSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.payout.err = errors.New("payout service down")

	result, _ := env.completedDeal(t, 10000, "rcpt-payout")
	report, err := env.svc.RunSettlementBatch(ctx)
	if err != nil {
		t.Fatalf("RunSettlementBatch returned error: %v", err)
	}
	if report.Settled != 1 || report.Items[0].PayoutSent {
		t.Fatalf("expected settled entry without payout, got %+v", report)
	}

	wl, _ := env.repo.GetWalletLogByDealID(ctx, result.Deal.ID)
	if !wl.IsSettled {
		t.Fatalf("payout failure rolled back settlement: %+v", wl)
	}
	logs := env.errorLogs(t, domain.ErrorKindPayoutFailure)
	if len(logs) != 1 || logs[0].PaymentID == nil || *logs[0].PaymentID != result.Payment.ID {
		t.Fatalf("expected payout_failure entry referencing the payment, got %+v", logs)
	}
	if n := len(env.payout.sent()); n != 3 {
		t.Fatalf("expected three payout attempts, got %d", n)
	}

	env.payout.err = nil
	replay, err := env.svc.ReplayPayout(ctx, wl.ID)
	if err != nil {
		t.Fatalf("ReplayPayout returned error: %v", err)
	}
	if !replay.PayoutSent {
		t.Fatalf("expected replay to send payout, got %+v", replay)
	}
	sent := env.payout.sent()
	if sent[len(sent)-1].WalletLogID != wl.ID {
		t.Fatalf("replay used wrong idempotency key: %+v", sent[len(sent)-1])
	}
}

func TestReplayPayoutRequiresSettledWalletLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result, _ := env.completedDeal(t, 10000, "rcpt-unsettled")
	wl, _ := env.repo.GetWalletLogByDealID(ctx, result.Deal.ID)

	if _, err := env.svc.ReplayPayout(ctx, wl.ID); !domain.IsStateConflict(err) {
		t.Fatalf("expected state conflict for pending wallet log, got %v", err)
	}
	if _, err := env.svc.ReplayPayout(ctx, uuid.New()); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transport", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "temporary", err: temporaryErr{temporary: true}, want: true},
		{name: "permanent", err: temporaryErr{temporary: false}, want: false},
		{name: "gateway not configured", err: gatewayclient.ErrMissingBaseURL, want: false},
		{name: "payout not configured", err: payoutclient.ErrMissingBaseURL, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCallWithRetryStopsOnPermanentError(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	err := env.svc.callWithRetry(context.Background(), "gateway", "cancel_payment", func(ctx context.Context) error {
		calls++
		return temporaryErr{temporary: false}
	})
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Attempts != 1 {
		t.Fatalf("expected gateway error after one attempt, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

type temporaryErr struct {
	temporary bool
}

func (e temporaryErr) Error() string   { return "collaborator error" }
func (e temporaryErr) Temporary() bool { return e.temporary }
