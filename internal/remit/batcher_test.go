package remit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/lock"
	"github.com/codremit/codremit/internal/repository"
)

func newTestService(t *testing.T, cfg domain.RemitConfig) (*Service, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "codremit-remit-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	locker := lock.NewLocalLocker()
	t.Cleanup(func() {
		locker.Close()
		repo.Close()
		os.Remove(tmpPath)
	})
	return NewService(repo, locker, cfg), repo
}

func seedAccount(t *testing.T, repo domain.Repository, ageDays int) {
	t.Helper()
	err := repo.SaveAccount(context.Background(), &domain.Account{
		ID:           "acc-001",
		Name:         "Test Seller",
		PayoutTarget: "upi://seller@bank",
		CreatedAt:    time.Now().UTC().AddDate(0, 0, -ageDays),
	})
	if err != nil {
		t.Fatalf("failed to save account: %v", err)
	}
}

func seedCollectible(t *testing.T, repo domain.Repository, id string, amount int64, status domain.CollectibleStatus) {
	t.Helper()
	now := time.Now().UTC()
	c := &domain.Collectible{
		ID:            id,
		AccountID:     "acc-001",
		OrderID:       "ord-" + id,
		AWB:           "AWB-" + id,
		ExpectedBase:  amount,
		ExpectedTotal: amount,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status == domain.CollectibleReconciled {
		c.ActualAmount = &amount
		c.Source = domain.SourcePush
	}
	if err := repo.SaveCollectible(context.Background(), c); err != nil {
		t.Fatalf("failed to save collectible %s: %v", id, err)
	}
}

func TestBuildBatchStandard(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{
		PlatformFeePct:   0.02,
		ShippingRecovery: 4000,
	})
	seedAccount(t, repo, 30)
	seedCollectible(t, repo, "col-001", 130000, domain.CollectibleReconciled)
	seedCollectible(t, repo, "col-002", 50000, domain.CollectibleReconciled)
	seedCollectible(t, repo, "col-003", 70000, domain.CollectiblePending)

	ctx := context.Background()
	batch, err := svc.BuildBatch(ctx, "acc-001", domain.TierStandard)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if batch.Status != domain.BatchPendingApproval {
		t.Errorf("expected pending_approval, got %s", batch.Status)
	}
	if len(batch.CollectibleIDs) != 2 {
		t.Fatalf("expected 2 members, got %v", batch.CollectibleIDs)
	}
	if batch.Gross != 180000 {
		t.Errorf("expected gross 180000, got %d", batch.Gross)
	}
	if batch.Deductions.Shipping != 8000 {
		t.Errorf("expected shipping 8000, got %d", batch.Deductions.Shipping)
	}
	if batch.Deductions.PlatformFee != 3600 {
		t.Errorf("expected platform fee 3600, got %d", batch.Deductions.PlatformFee)
	}
	if batch.Deductions.TierFee != 0 {
		t.Errorf("standard tier carries no tier fee, got %d", batch.Deductions.TierFee)
	}
	if batch.NetPayable != 168400 {
		t.Errorf("expected net 168400, got %d", batch.NetPayable)
	}

	// Members are claimed atomically with the insert.
	c, _ := repo.GetCollectible(ctx, "col-001")
	if c.Status != domain.CollectibleClaimed || c.BatchID != batch.ID {
		t.Errorf("expected claimed by %s, got %s/%q", batch.ID, c.Status, c.BatchID)
	}

	// Nothing left to batch.
	if _, err := svc.BuildBatch(ctx, "acc-001", domain.TierStandard); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound with empty pool, got %v", err)
	}
}

func TestBuildBatchAcceleratedUsesActualAmounts(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{})
	seedAccount(t, repo, 100)

	// Enough settled history to clear the two_day volume floor, with a
	// small reconciled pool left to batch.
	ctx := context.Background()
	for i := 0; i < 140; i++ {
		seedCollectible(t, repo, fmt.Sprintf("hist-%03d", i), 10000, domain.CollectiblePaid)
	}
	for i := 0; i < 10; i++ {
		seedCollectible(t, repo, fmt.Sprintf("col-%03d", i), 10000, domain.CollectibleReconciled)
	}

	batch, err := svc.BuildBatch(ctx, "acc-001", domain.TierTwoDay)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if batch.Tier != domain.TierTwoDay {
		t.Errorf("expected two_day, got %s", batch.Tier)
	}
	if batch.Gross != 100000 {
		t.Errorf("expected gross 100000, got %d", batch.Gross)
	}
	// 0.5% acceleration fee.
	if batch.Deductions.TierFee != 500 {
		t.Errorf("expected tier fee 500, got %d", batch.Deductions.TierFee)
	}
	if batch.NetPayable != 99500 {
		t.Errorf("expected net 99500, got %d", batch.NetPayable)
	}
}

func TestBuildBatchAcceleratedRequiresEligibility(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{})
	seedAccount(t, repo, 30) // too new for any accelerated tier
	seedCollectible(t, repo, "col-001", 130000, domain.CollectibleReconciled)

	_, err := svc.BuildBatch(context.Background(), "acc-001", domain.TierNextDay)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for ineligible account, got %v", err)
	}

	// The standard tier is always available.
	if _, err := svc.BuildBatch(context.Background(), "acc-001", domain.TierStandard); err != nil {
		t.Fatalf("standard tier must not require eligibility: %v", err)
	}
}

func TestBuildBatchCreditCeiling(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{})
	seedAccount(t, repo, 100)

	// All 150 trailing orders are still reconciled-unbatched: the batch
	// would advance the full trailing value, far past 1.5x monthly.
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		seedCollectible(t, repo, fmt.Sprintf("col-%03d", i), 1000, domain.CollectibleReconciled)
	}

	_, err := svc.BuildBatch(ctx, "acc-001", domain.TierTwoDay)
	if !errors.Is(err, domain.ErrCreditLimitExceeded) {
		t.Fatalf("expected ErrCreditLimitExceeded, got %v", err)
	}

	// Nothing was claimed by the failed attempt.
	c, _ := repo.GetCollectible(ctx, "col-000")
	if c.Status != domain.CollectibleReconciled || c.BatchID != "" {
		t.Errorf("failed build must not claim members, got %s/%q", c.Status, c.BatchID)
	}
}

func TestBuildBatchNegativeNet(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{
		ShippingRecovery: 200000, // flat recovery exceeds the collected amount
	})
	seedAccount(t, repo, 30)
	seedCollectible(t, repo, "col-001", 130000, domain.CollectibleReconciled)

	_, err := svc.BuildBatch(context.Background(), "acc-001", domain.TierStandard)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative net, got %v", err)
	}
}

func TestBuildBatchLockContention(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{})
	seedAccount(t, repo, 30)
	seedCollectible(t, repo, "col-001", 130000, domain.CollectibleReconciled)

	ctx := context.Background()
	lease, err := svc.locker.Acquire(ctx, "batch:acc-001", time.Minute)
	if err != nil {
		t.Fatalf("failed to pre-acquire lock: %v", err)
	}
	defer lease.Release(ctx)

	_, err = svc.BuildBatch(ctx, "acc-001", domain.TierStandard)
	if !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestBuildBatchValidation(t *testing.T) {
	svc, _ := newTestService(t, domain.RemitConfig{})

	if _, err := svc.BuildBatch(context.Background(), "", domain.TierStandard); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty account, got %v", err)
	}
	if _, err := svc.BuildBatch(context.Background(), "acc-001", "same_day"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown tier, got %v", err)
	}
}

func TestApproveAndCancel(t *testing.T) {
	svc, repo := newTestService(t, domain.RemitConfig{})
	seedAccount(t, repo, 30)
	seedCollectible(t, repo, "col-001", 130000, domain.CollectibleReconciled)

	ctx := context.Background()
	batch, err := svc.BuildBatch(ctx, "acc-001", domain.TierStandard)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	approved, err := svc.Approve(ctx, batch.ID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Status != domain.BatchApproved {
		t.Errorf("expected approved, got %s", approved.Status)
	}
	if _, err := svc.Approve(ctx, batch.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on double approve, got %v", err)
	}

	cancelled, err := svc.Cancel(ctx, batch.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.BatchCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	// Members return to the pool.
	c, _ := repo.GetCollectible(ctx, "col-001")
	if c.Status != domain.CollectibleReconciled || c.BatchID != "" {
		t.Errorf("expected member released, got %s/%q", c.Status, c.BatchID)
	}

	if _, err := svc.Cancel(ctx, batch.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict cancelling a terminal batch, got %v", err)
	}
}
