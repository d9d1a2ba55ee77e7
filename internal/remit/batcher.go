package remit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codremit/codremit/internal/domain"
)

// Service evaluates eligibility and constructs remittance batches.
type Service struct {
	repo   domain.Repository
	locker domain.Locker
	config domain.RemitConfig
}

// NewService creates a new batching service.
func NewService(repo domain.Repository, locker domain.Locker, cfg domain.RemitConfig) *Service {
	if cfg.BatchLockTTL <= 0 {
		cfg.BatchLockTTL = time.Minute
	}
	return &Service{
		repo:   repo,
		locker: locker,
		config: cfg,
	}
}

// Eligibility recomputes the account's tier from its rolling metrics.
func (s *Service) Eligibility(ctx context.Context, accountID string) (*domain.EligibilityResult, error) {
	metrics, err := s.repo.AccountMetrics(ctx, accountID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to derive account metrics: %w", err)
	}
	return Evaluate(metrics, time.Now()), nil
}

// BuildBatch constructs a remittance batch for an account at the requested
// tier. Accelerated tiers are re-verified against current metrics at build
// time. Construction runs under a per-account lock so two concurrent batch
// jobs can never both claim the same collectible.
func (s *Service) BuildBatch(ctx context.Context, accountID string, tier domain.RemitTier) (*domain.RemittanceBatch, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrValidation)
	}
	switch tier {
	case domain.TierStandard, domain.TierTwoDay, domain.TierNextDay:
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrValidation, tier)
	}

	lease, err := s.locker.Acquire(ctx, "batch:"+accountID, s.config.BatchLockTTL)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	metrics, err := s.repo.AccountMetrics(ctx, accountID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to derive account metrics: %w", err)
	}

	var spec *tierSpec
	if tier.Accelerated() {
		eligibility := Evaluate(metrics, time.Now())
		if !eligibility.Eligible || rank(eligibility.Tier) < rank(tier) {
			return nil, fmt.Errorf("%w: account %s not eligible for tier %s: %v",
				domain.ErrValidation, accountID, tier, eligibility.Reasons)
		}
		spec = specFor(tier)
	}

	since := time.Time{}
	if spec != nil {
		since = time.Now().AddDate(0, 0, -spec.lookbackDays)
	}

	members, err := s.repo.ListReconciledUnbatched(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list batchable collectibles: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no reconciled collectibles to batch for account %s", domain.ErrNotFound, accountID)
	}

	var gross int64
	ids := make([]string, 0, len(members))
	for _, c := range members {
		amount := c.ExpectedTotal
		if c.ActualAmount != nil {
			amount = *c.ActualAmount
		}
		gross += amount
		ids = append(ids, c.ID)
	}

	deductions := domain.Deductions{
		Shipping:    s.config.ShippingRecovery * int64(len(members)),
		PlatformFee: pctOf(gross, s.config.PlatformFeePct),
	}
	if spec != nil {
		deductions.TierFee = pctOf(gross, spec.feePct)
	}

	net := gross - deductions.Sum()
	if net < 0 {
		return nil, fmt.Errorf("%w: net payable %d is negative (gross %d, deductions %d)",
			domain.ErrValidation, net, gross, deductions.Sum())
	}

	// Accelerated payouts are credit against unsettled collections; the
	// ceiling bounds total exposure per account.
	if spec != nil {
		ceiling := int64(spec.ceilingMultiple * float64(metrics.MonthlyCashValue))
		if metrics.OutstandingCredit+net > ceiling {
			return nil, fmt.Errorf("%w: outstanding %d + batch %d exceeds ceiling %d",
				domain.ErrCreditLimitExceeded, metrics.OutstandingCredit, net, ceiling)
		}
	}

	now := time.Now()
	batch := &domain.RemittanceBatch{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Tier:           tier,
		CollectibleIDs: ids,
		Gross:          gross,
		Deductions:     deductions,
		NetPayable:     net,
		Status:         domain.BatchPendingApproval,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Members flip to claimed atomically with the batch insert; a member
	// grabbed by a racing job fails the whole creation.
	if err := s.repo.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	slog.Info("remittance batch created",
		"batch_id", batch.ID,
		"account_id", accountID,
		"tier", tier,
		"members", len(ids),
		"gross", gross,
		"net", net,
	)
	return batch, nil
}

// Approve moves a batch to approved, making it payable.
func (s *Service) Approve(ctx context.Context, batchID string) (*domain.RemittanceBatch, error) {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchPendingApproval {
		return nil, fmt.Errorf("%w: batch %s is %s", domain.ErrConflict, batchID, b.Status)
	}

	b.Status = domain.BatchApproved
	if err := s.repo.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Cancel aborts a batch and returns its members to the reconciled pool.
// Allowed only before payout initiation; there is no mid-flight cancel.
func (s *Service) Cancel(ctx context.Context, batchID string) (*domain.RemittanceBatch, error) {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case domain.BatchPendingApproval, domain.BatchApproved:
	default:
		return nil, fmt.Errorf("%w: batch %s is %s and cannot be cancelled", domain.ErrConflict, batchID, b.Status)
	}

	b.Status = domain.BatchCancelled
	if err := s.repo.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}
	if err := s.repo.ReleaseBatchMembers(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to release batch members: %w", err)
	}

	slog.Info("remittance batch cancelled", "batch_id", batchID, "account_id", b.AccountID)
	return b, nil
}

// GetBatch returns one batch.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*domain.RemittanceBatch, error) {
	return s.repo.GetBatch(ctx, batchID)
}

func pctOf(amount int64, pct float64) int64 {
	return int64(float64(amount) * pct)
}

// rank orders tiers by acceleration so a two_day grant never satisfies a
// next_day request.
func rank(t domain.RemitTier) int {
	switch t {
	case domain.TierNextDay:
		return 2
	case domain.TierTwoDay:
		return 1
	default:
		return 0
	}
}
