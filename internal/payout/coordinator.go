// Package payout executes remittance batch payouts against the external
// provider exactly once, under a distributed lock with persisted
// idempotency records.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// Coordinator drives batch payouts and settlement confirmations.
type Coordinator struct {
	repo     domain.Repository
	locker   domain.Locker
	provider domain.PayoutProvider
	bus      domain.EventBus
	config   domain.PayoutConfig
}

// NewCoordinator creates a new payout coordinator.
func NewCoordinator(repo domain.Repository, locker domain.Locker, provider domain.PayoutProvider, bus domain.EventBus, cfg domain.PayoutConfig) *Coordinator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Coordinator{
		repo:     repo,
		locker:   locker,
		provider: provider,
		bus:      bus,
		config:   cfg,
	}
}

// Execute initiates the payout for an approved batch. Exactly-once against
// the provider: a held lock fails fast with ErrAlreadyInProgress, and a
// persisted provider reference from an earlier attempt is returned without
// a new external call. The lock is released only once the batch reached
// payout_initiated or a terminal state.
func (c *Coordinator) Execute(ctx context.Context, batchID string) (string, error) {
	lease, err := c.locker.Acquire(ctx, "payout:"+batchID, c.config.LockTTL)
	if err != nil {
		return "", err
	}
	defer lease.Release(ctx)

	batch, err := c.repo.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}

	// Idempotency check before anything external.
	record, err := c.repo.GetPayoutRecord(ctx, batchID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("failed to read payout record: %w", err)
	}
	if record != nil && record.ProviderRef != "" {
		return record.ProviderRef, nil
	}

	switch batch.Status {
	case domain.BatchApproved:
	case domain.BatchPayoutInitiated:
		return batch.ProviderRef, nil
	default:
		return "", fmt.Errorf("%w: batch %s is %s, not approved", domain.ErrConflict, batchID, batch.Status)
	}

	account, err := c.repo.GetAccount(ctx, batch.AccountID)
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}

	if record == nil {
		record = &domain.PayoutRecord{BatchID: batchID}
	}

	ref, err := c.callProvider(ctx, batch, account, record)
	if err != nil {
		c.failBatch(ctx, batch, err)
		return "", &domain.PayoutError{BatchID: batchID, Attempts: record.Attempts, Err: err}
	}

	record.ProviderRef = ref
	record.Status = "initiated"
	if err := c.repo.UpsertPayoutRecord(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist payout record: %w", err)
	}

	batch.Status = domain.BatchPayoutInitiated
	batch.ProviderRef = ref
	if err := c.repo.UpdateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("failed to update batch: %w", err)
	}

	c.publishInitiated(ctx, batch)

	slog.Info("payout initiated",
		"batch_id", batchID,
		"account_id", batch.AccountID,
		"amount", batch.NetPayable,
		"provider_ref", ref,
	)
	return ref, nil
}

// callProvider retries the external call with exponential backoff up to the
// attempt ceiling. The idempotency key carries a monotonically increasing
// attempt marker, so a timed-out call followed by a retry can never produce
// two real transfers.
func (c *Coordinator) callProvider(ctx context.Context, batch *domain.RemittanceBatch, account *domain.Account, record *domain.PayoutRecord) (string, error) {
	var lastErr error

	for record.Attempts < c.config.MaxAttempts {
		record.Attempts++
		record.IdempotencyKey = batch.ID + ":" + strconv.Itoa(record.Attempts)
		record.Status = "attempting"
		if err := c.repo.UpsertPayoutRecord(ctx, record); err != nil {
			return "", fmt.Errorf("failed to persist payout record: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		ref, err := c.provider.InitiatePayout(callCtx, &domain.PayoutRequest{
			Target:         account.PayoutTarget,
			Amount:         batch.NetPayable,
			IdempotencyKey: record.IdempotencyKey,
			Metadata: map[string]string{
				"batch_id":   batch.ID,
				"account_id": batch.AccountID,
				"tier":       string(batch.Tier),
			},
		})
		cancel()

		if err == nil {
			return ref, nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("%w: %v", domain.ErrExternalTimeout, err)
		}
		if errors.Is(err, domain.ErrValidation) {
			// Provider rejected the request outright; retrying will not help.
			return "", lastErr
		}

		slog.Warn("payout attempt failed",
			"batch_id", batch.ID,
			"attempt", record.Attempts,
			"max_attempts", c.config.MaxAttempts,
			"error", err,
		)

		if record.Attempts < c.config.MaxAttempts {
			backoff := c.config.BackoffBase * time.Duration(1<<(record.Attempts-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", lastErr
}

// failBatch records a terminal initiation failure and returns the members
// to the reconciled pool for re-batching after intervention.
func (c *Coordinator) failBatch(ctx context.Context, batch *domain.RemittanceBatch, cause error) {
	batch.Status = domain.BatchFailed
	batch.FailureReason = cause.Error()
	if err := c.repo.UpdateBatch(ctx, batch); err != nil {
		slog.Error("failed to mark batch failed", "batch_id", batch.ID, "error", err)
		return
	}
	if err := c.repo.ReleaseBatchMembers(ctx, batch.ID); err != nil {
		slog.Error("failed to release batch members", "batch_id", batch.ID, "error", err)
	}
}

// HandleSettlement applies the provider's asynchronous confirmation. The
// callback may arrive zero, one or several times; replays are no-ops.
func (c *Coordinator) HandleSettlement(ctx context.Context, notice *domain.SettlementNotice) error {
	if notice.ProviderRef == "" {
		return fmt.Errorf("%w: provider reference is required", domain.ErrValidation)
	}

	batch, err := c.repo.GetBatchByProviderRef(ctx, notice.ProviderRef)
	if err != nil {
		return err
	}

	if batch.Status.Terminal() {
		// Replayed callback; already applied.
		return nil
	}
	if batch.Status != domain.BatchPayoutInitiated {
		return fmt.Errorf("%w: batch %s is %s, settlement not applicable", domain.ErrConflict, batch.ID, batch.Status)
	}

	record, err := c.repo.GetPayoutRecord(ctx, batch.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to read payout record: %w", err)
	}

	switch notice.FinalStatus {
	case "settled":
		batch.Status = domain.BatchCompleted
		batch.SettlementToken = notice.SettlementToken
		if err := c.repo.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := c.repo.MarkBatchMembersPaid(ctx, batch.ID); err != nil {
			return fmt.Errorf("failed to mark members paid: %w", err)
		}
		if record != nil {
			record.Status = "settled"
			_ = c.repo.UpsertPayoutRecord(ctx, record)
		}
		slog.Info("payout settled", "batch_id", batch.ID, "provider_ref", notice.ProviderRef)

	case "failed":
		batch.Status = domain.BatchFailed
		batch.FailureReason = "provider reported settlement failure"
		if err := c.repo.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := c.repo.ReleaseBatchMembers(ctx, batch.ID); err != nil {
			return fmt.Errorf("failed to release batch members: %w", err)
		}
		if record != nil {
			record.Status = "failed"
			_ = c.repo.UpsertPayoutRecord(ctx, record)
		}
		slog.Warn("payout settlement failed", "batch_id", batch.ID, "provider_ref", notice.ProviderRef)

	default:
		return fmt.Errorf("%w: unknown final status %q", domain.ErrValidation, notice.FinalStatus)
	}

	return nil
}

func (c *Coordinator) publishInitiated(ctx context.Context, batch *domain.RemittanceBatch) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"batchId":     batch.ID,
		"accountId":   batch.AccountID,
		"amount":      batch.NetPayable,
		"providerRef": batch.ProviderRef,
	})
	if err != nil {
		return
	}
	_ = c.bus.Publish(ctx, domain.TopicPayoutInitiated, payload)
}
