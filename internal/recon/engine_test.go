package recon

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/codremit/codremit/internal/discrepancy"
	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "codremit-recon-test-*.db")
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

	t.Cleanup(func() {
		repo.Close()
		os.Remove(tmpPath)
	})
	return repo
}

func newEngine(t *testing.T) (*Engine, domain.Repository) {
	t.Helper()
	repo := newTestRepo(t)
	disc := discrepancy.NewService(repo, nil, nil, domain.DiscrepancyConfig{ResolutionDays: 7})
	engine := NewEngine(repo, nil, disc, domain.ReconConfig{
		MaxRetries:        3,
		AbsoluteTolerance: 1000,
		PercentTolerance:  0.01,
	})
	return engine, repo
}

func register(t *testing.T, engine *Engine, awb string, expected int64) *domain.Collectible {
	t.Helper()
	c := &domain.Collectible{
		AccountID:     "acc-001",
		OrderID:       "ord-" + awb,
		AWB:           awb,
		ExpectedBase:  expected,
		ExpectedTotal: expected,
	}
	if err := engine.Register(context.Background(), c); err != nil {
		t.Fatalf("failed to register collectible: %v", err)
	}
	return c
}

func report(awb string, amount int64, source domain.ReportSource) *domain.CollectionReport {
	return &domain.CollectionReport{
		AWB:            awb,
		CarrierID:      "carrier-1",
		ReportedAmount: amount,
		ReportedAt:     time.Now().UTC(),
		Source:         source,
	}
}

func TestRegisterCreatesPending(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	if c.ID == "" {
		t.Fatal("expected generated ID")
	}
	got, err := repo.GetCollectibleByAWB(context.Background(), "AWB-100")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Status != domain.CollectiblePending {
		t.Errorf("expected pending, got %s", got.Status)
	}

	// A second registration of the same waybill conflicts.
	err = engine.Register(context.Background(), &domain.Collectible{
		AccountID:     "acc-001",
		OrderID:       "ord-duplicate",
		AWB:           "AWB-100",
		ExpectedBase:  50000,
		ExpectedTotal: 50000,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict re-registering waybill, got %v", err)
	}
}

func TestApplyExactMatch(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	ctx := context.Background()
	result, err := engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeReconciled {
		t.Errorf("expected reconciled, got %s", result.Outcome)
	}
	if result.Variance != 0 {
		t.Errorf("expected zero variance, got %d", result.Variance)
	}

	got, _ := repo.GetCollectible(ctx, c.ID)
	if got.Status != domain.CollectibleReconciled {
		t.Errorf("expected reconciled, got %s", got.Status)
	}
	if got.ActualAmount == nil || *got.ActualAmount != 130000 {
		t.Errorf("expected actual 130000, got %v", got.ActualAmount)
	}
	if got.DeliveredAt == nil {
		t.Error("expected delivered timestamp set")
	}

	entries, err := repo.ListTimeline(ctx, c.ID)
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != string(OutcomeReconciled) {
		t.Errorf("unexpected timeline %+v", entries)
	}
}

func TestApplyWithinToleranceAutoAccepts(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	// Rs 5 short on Rs 1,300: inside both the absolute and percent bounds.
	result, err := engine.ApplyKnown(context.Background(), report("AWB-100", 129500, domain.SourceFile))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeAutoAccepted {
		t.Errorf("expected auto_accepted, got %s", result.Outcome)
	}
	if result.Variance != -500 {
		t.Errorf("expected variance -500, got %d", result.Variance)
	}

	got, _ := repo.GetCollectible(context.Background(), c.ID)
	if got.Status != domain.CollectibleReconciled {
		t.Errorf("expected reconciled, got %s", got.Status)
	}
	if got.Variance == nil || *got.Variance != -500 {
		t.Errorf("expected stored variance -500, got %v", got.Variance)
	}
}

func TestApplyOutOfToleranceOpensDiscrepancy(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	// Rs 200 short on Rs 1,300.
	ctx := context.Background()
	result, err := engine.ApplyKnown(ctx, report("AWB-100", 110000, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDiscrepancyCreated {
		t.Errorf("expected discrepancy_created, got %s", result.Outcome)
	}
	if result.DiscrepancyID == "" {
		t.Fatal("expected discrepancy ID")
	}

	got, _ := repo.GetCollectible(ctx, c.ID)
	if got.Status != domain.CollectibleDisputed {
		t.Errorf("expected disputed, got %s", got.Status)
	}
	if got.DiscrepancyID != result.DiscrepancyID {
		t.Errorf("collectible not linked to discrepancy: %q vs %q", got.DiscrepancyID, result.DiscrepancyID)
	}

	d, err := repo.GetDiscrepancy(ctx, result.DiscrepancyID)
	if err != nil {
		t.Fatalf("failed to load discrepancy: %v", err)
	}
	if d.Difference != -20000 {
		t.Errorf("expected difference -20000, got %d", d.Difference)
	}
	if d.Classification != domain.ClassAmountMismatch {
		t.Errorf("expected amount_mismatch, got %s", d.Classification)
	}
	if d.Severity != domain.SeverityMedium {
		t.Errorf("expected medium, got %s", d.Severity)
	}
	if d.Status != domain.DiscrepancyDetected {
		t.Errorf("expected detected, got %s", d.Status)
	}
}

func TestApplyDuplicateReports(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	ctx := context.Background()
	if _, err := engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourcePush)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Same source, same amount: a carrier re-delivery, ignored.
	result, err := engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDuplicateIgnored {
		t.Errorf("expected duplicate_ignored, got %s", result.Outcome)
	}

	// Different source, same amount: independent confirmation.
	result, err = engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourceFile))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDuplicateConfirmed {
		t.Errorf("expected duplicate_confirmed, got %s", result.Outcome)
	}

	// Different amount against a settled collectible: flagged, not
	// silently overwritten.
	result, err = engine.ApplyKnown(ctx, report("AWB-100", 90000, domain.SourceFile))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDuplicateFlagged {
		t.Errorf("expected duplicate_flagged, got %s", result.Outcome)
	}

	d, err := repo.GetDiscrepancy(ctx, result.DiscrepancyID)
	if err != nil {
		t.Fatalf("failed to load discrepancy: %v", err)
	}
	if d.Classification != domain.ClassDuplicateEntry {
		t.Errorf("expected duplicate_entry, got %s", d.Classification)
	}
	if d.Actual != 90000 {
		t.Errorf("expected conflicting figure 90000 on discrepancy, got %d", d.Actual)
	}

	// The accepted amount survives the flag; only the discrepancy carries
	// the conflicting figure.
	got, _ := repo.GetCollectible(ctx, c.ID)
	if got.Status != domain.CollectibleDisputed {
		t.Errorf("expected disputed, got %s", got.Status)
	}
	if got.ActualAmount == nil || *got.ActualAmount != 130000 {
		t.Errorf("expected accepted amount 130000 kept, got %v", got.ActualAmount)
	}
	if got.Source != domain.SourcePush {
		t.Errorf("expected reconciling source kept, got %s", got.Source)
	}
}

func TestApplyCorrectionResolvesDiscrepancy(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	ctx := context.Background()
	first, err := engine.ApplyKnown(ctx, report("AWB-100", 110000, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// The carrier's corrected figure matches the expectation.
	result, err := engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourceFile))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeCorrected {
		t.Errorf("expected corrected, got %s", result.Outcome)
	}

	got, _ := repo.GetCollectible(ctx, c.ID)
	if got.Status != domain.CollectibleReconciled {
		t.Errorf("expected reconciled, got %s", got.Status)
	}
	if got.ActualAmount == nil || *got.ActualAmount != 130000 {
		t.Errorf("expected actual 130000, got %v", got.ActualAmount)
	}

	d, _ := repo.GetDiscrepancy(ctx, first.DiscrepancyID)
	if d.Status != domain.DiscrepancyResolved {
		t.Errorf("expected resolved, got %s", d.Status)
	}
	if d.FinalAmount == nil || *d.FinalAmount != 130000 {
		t.Errorf("expected final amount 130000, got %v", d.FinalAmount)
	}
}

func TestApplyRefreshesOpenDiscrepancy(t *testing.T) {
	engine, repo := newEngine(t)
	register(t, engine, "AWB-100", 130000)

	ctx := context.Background()
	first, err := engine.ApplyKnown(ctx, report("AWB-100", 110000, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// A replay of the disputed amount is a no-op.
	result, err := engine.ApplyKnown(ctx, report("AWB-100", 110000, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDuplicateIgnored {
		t.Errorf("expected duplicate_ignored, got %s", result.Outcome)
	}

	// A different out-of-tolerance figure refreshes the open record.
	result, err = engine.ApplyKnown(ctx, report("AWB-100", 105000, domain.SourceFile))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDiscrepancyUpdated {
		t.Errorf("expected discrepancy_updated, got %s", result.Outcome)
	}
	if result.DiscrepancyID != first.DiscrepancyID {
		t.Errorf("expected the same discrepancy refreshed, got %q", result.DiscrepancyID)
	}

	d, _ := repo.GetDiscrepancy(ctx, first.DiscrepancyID)
	if d.Actual != 105000 {
		t.Errorf("expected actual refreshed to 105000, got %d", d.Actual)
	}
	if d.Difference != -25000 {
		t.Errorf("expected difference -25000, got %d", d.Difference)
	}
	// Rs 250 short escalates the Rs 200 rating.
	if d.Severity != domain.SeverityMajor {
		t.Errorf("expected severity refreshed to major, got %s", d.Severity)
	}
}

func TestApplyMarksCollectedBeforeDecision(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	ctx := context.Background()
	if _, err := engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourcePush)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Two writes: the collected stamp, then the decision. A single write
	// would mean the collected state was never persisted.
	got, err := repo.GetCollectible(ctx, c.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2 (collected stamp + decision), got %d", got.Version)
	}
	if got.Status != domain.CollectibleReconciled {
		t.Errorf("expected reconciled, got %s", got.Status)
	}

	// A collectible already stamped collected is decided without a second
	// stamp.
	c2 := register(t, engine, "AWB-200", 50000)
	fresh, _ := repo.GetCollectible(ctx, c2.ID)
	fresh.Status = domain.CollectibleCollected
	if err := repo.UpdateCollectible(ctx, fresh); err != nil {
		t.Fatalf("failed to stamp collected: %v", err)
	}
	if _, err := engine.ApplyKnown(ctx, report("AWB-200", 50000, domain.SourcePush)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	after, _ := repo.GetCollectible(ctx, c2.ID)
	if after.Version != 2 {
		t.Errorf("expected version 2 (manual stamp + decision), got %d", after.Version)
	}
	if after.Status != domain.CollectibleReconciled {
		t.Errorf("expected reconciled, got %s", after.Status)
	}
}

func TestApplyIgnoredAfterClaim(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-100", 130000)

	ctx := context.Background()
	if _, err := engine.ApplyKnown(ctx, report("AWB-100", 130000, domain.SourcePush)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	got, _ := repo.GetCollectible(ctx, c.ID)
	got.Status = domain.CollectibleClaimed
	got.BatchID = "batch-001"
	if err := repo.UpdateCollectible(ctx, got); err != nil {
		t.Fatalf("failed to claim collectible: %v", err)
	}

	// Money already moved on; the report is recorded but changes nothing.
	result, err := engine.ApplyKnown(ctx, report("AWB-100", 90000, domain.SourceFile))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeIgnored {
		t.Errorf("expected ignored, got %s", result.Outcome)
	}

	after, _ := repo.GetCollectible(ctx, c.ID)
	if after.Status != domain.CollectibleClaimed {
		t.Errorf("claimed collectible must not change, got %s", after.Status)
	}
}

func TestApplyUnknownShipmentQueuesLookup(t *testing.T) {
	engine, repo := newEngine(t)

	ctx := context.Background()
	result, err := engine.Apply(ctx, report("AWB-UNKNOWN", 50000, domain.SourcePush), time.Minute)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeUnknownShipment {
		t.Errorf("expected unknown_shipment, got %s", result.Outcome)
	}

	due, err := repo.DuePendingLookups(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("failed to list lookups: %v", err)
	}
	if len(due) != 1 || due[0].AWB != "AWB-UNKNOWN" {
		t.Fatalf("expected one queued lookup for AWB-UNKNOWN, got %+v", due)
	}
	if due[0].Attempts != 0 {
		t.Errorf("expected zero attempts, got %d", due[0].Attempts)
	}

	// ApplyKnown never queues; the worker relies on the bare ErrNotFound.
	_, err = engine.ApplyKnown(ctx, report("AWB-UNKNOWN", 50000, domain.SourcePush))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyRejectsMalformedReport(t *testing.T) {
	engine, _ := newEngine(t)

	bad := &domain.CollectionReport{ReportedAmount: 100, ReportedAt: time.Now(), Source: domain.SourcePush}
	if _, err := engine.ApplyKnown(context.Background(), bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	negative := report("AWB-100", -1, domain.SourcePush)
	if _, err := engine.ApplyKnown(context.Background(), negative); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative amount, got %v", err)
	}
}

func TestZeroExpectedTolerance(t *testing.T) {
	engine, repo := newEngine(t)
	c := register(t, engine, "AWB-ZERO", 0)

	// Expected zero tolerates only an exact zero report.
	result, err := engine.ApplyKnown(context.Background(), report("AWB-ZERO", 500, domain.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Outcome != OutcomeDiscrepancyCreated {
		t.Errorf("expected discrepancy_created, got %s", result.Outcome)
	}

	got, _ := repo.GetCollectible(context.Background(), c.ID)
	if got.Status != domain.CollectibleDisputed {
		t.Errorf("expected disputed, got %s", got.Status)
	}
}
