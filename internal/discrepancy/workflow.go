package discrepancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codremit/codremit/internal/domain"
)

const maxCASRetries = 3

// Build constructs a discrepancy for a collectible whose reported amount
// fell outside tolerance. Pass an empty class to auto-classify from the
// variance. Pure; the caller persists.
func Build(c *domain.Collectible, reported int64, class domain.DiscrepancyClass, detectedAt time.Time, resolutionDays int) *domain.Discrepancy {
	diff := reported - c.ExpectedTotal

	var pct float64
	if c.ExpectedTotal > 0 {
		abs := diff
		if abs < 0 {
			abs = -abs
		}
		pct = float64(abs) / float64(c.ExpectedTotal) * 100
	}

	if class == "" {
		class = Classify(diff, c.ExpectedTotal)
	}

	return &domain.Discrepancy{
		ID:             uuid.New().String(),
		CollectibleID:  c.ID,
		AccountID:      c.AccountID,
		Expected:       c.ExpectedTotal,
		Actual:         reported,
		Difference:     diff,
		DifferencePct:  pct,
		Classification: class,
		Severity:       SeverityFor(diff, c.ExpectedTotal),
		Status:         domain.DiscrepancyDetected,
		DetectedAt:     detectedAt,
		Deadline:       detectedAt.AddDate(0, 0, resolutionDays),
	}
}

// Service drives discrepancy lifecycle transitions and the timeout sweep.
type Service struct {
	repo     domain.Repository
	bus      domain.EventBus
	notifier domain.Notifier
	config   domain.DiscrepancyConfig
}

// NewService creates a new discrepancy workflow service.
func NewService(repo domain.Repository, bus domain.EventBus, notifier domain.Notifier, cfg domain.DiscrepancyConfig) *Service {
	if cfg.ResolutionDays == 0 {
		cfg.ResolutionDays = 7
	}
	return &Service{
		repo:     repo,
		bus:      bus,
		notifier: notifier,
		config:   cfg,
	}
}

// ResolutionDays returns the configured deadline offset.
func (s *Service) ResolutionDays() int {
	return s.config.ResolutionDays
}

// Record persists a freshly built discrepancy and fans out the alert.
// Alert delivery is best-effort; the record is the source of truth.
func (s *Service) Record(ctx context.Context, d *domain.Discrepancy) error {
	if err := s.repo.SaveDiscrepancy(ctx, d); err != nil {
		return fmt.Errorf("failed to save discrepancy: %w", err)
	}

	if s.bus != nil {
		if payload, err := json.Marshal(d); err == nil {
			_ = s.bus.Publish(ctx, domain.TopicDiscrepancyDetected, payload)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.DiscrepancyAlert(ctx, d); err != nil {
			slog.Warn("discrepancy alert failed", "discrepancy_id", d.ID, "error", err)
		}
	}

	slog.Info("discrepancy detected",
		"discrepancy_id", d.ID,
		"collectible_id", d.CollectibleID,
		"classification", d.Classification,
		"severity", d.Severity,
		"difference", d.Difference,
	)
	return nil
}

// Get returns one discrepancy, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.Discrepancy, error) {
	return s.repo.GetDiscrepancy(ctx, id)
}

// ListOpen returns the open discrepancies for an account.
func (s *Service) ListOpen(ctx context.Context, accountID string) ([]*domain.Discrepancy, error) {
	return s.repo.ListOpenDiscrepancies(ctx, accountID)
}

// Transition moves an open discrepancy through its investigation states
// (under_review, courier_queried, disputed, escalated). Terminal outcomes
// go through the resolution methods instead.
func (s *Service) Transition(ctx context.Context, id string, status domain.DiscrepancyStatus, note string) (*domain.Discrepancy, error) {
	switch status {
	case domain.DiscrepancyUnderReview, domain.DiscrepancyCourierQueried, domain.DiscrepancyDisputed, domain.DiscrepancyEscalated:
	default:
		return nil, fmt.Errorf("%w: cannot transition to %s directly", domain.ErrValidation, status)
	}

	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		return nil, fmt.Errorf("%w: discrepancy %s is %s", domain.ErrConflict, id, d.Status)
	}

	d.Status = status
	if note != "" {
		d.Note = note
	}
	if err := s.repo.UpdateDiscrepancy(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to update discrepancy: %w", err)
	}
	return d, nil
}

// ResolveCorrected applies an externally corrected amount: the discrepancy
// resolves and the collectible reconciles at the corrected value.
func (s *Service) ResolveCorrected(ctx context.Context, id string, corrected int64, note string) (*domain.Discrepancy, error) {
	if corrected < 0 {
		return nil, fmt.Errorf("%w: corrected amount must be non-negative", domain.ErrValidation)
	}
	return s.settle(ctx, id, corrected, domain.DiscrepancyResolved, note)
}

// AcceptReported takes the originally reported amount as final by operator
// decision.
func (s *Service) AcceptReported(ctx context.Context, id string, note string) (*domain.Discrepancy, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, d.ID, d.Actual, domain.DiscrepancyAccepted, note)
}

// SweepExpired auto-accepts every discrepancy whose deadline has elapsed
// with no action, marking it timeout (distinct from a manual accept for
// audit). Entity-level failures are isolated; the sweep continues.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ListExpiredDiscrepancies(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired discrepancies: %w", err)
	}

	swept := 0
	for _, d := range expired {
		if _, err := s.settle(ctx, d.ID, d.Actual, domain.DiscrepancyTimeout, "auto-accepted on deadline"); err != nil {
			slog.Error("timeout sweep failed for discrepancy",
				"discrepancy_id", d.ID,
				"error", err,
			)
			continue
		}
		swept++
	}

	if swept > 0 {
		slog.Info("discrepancy timeout sweep", "swept", swept, "candidates", len(expired))
	}
	return swept, nil
}

// settle closes a discrepancy at a final amount and reconciles its
// collectible. The collectible's actual amount is always set before the
// discrepancy leaves an open state.
func (s *Service) settle(ctx context.Context, id string, final int64, status domain.DiscrepancyStatus, note string) (*domain.Discrepancy, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		// Replayed resolution is a no-op when the outcome matches.
		if d.FinalAmount != nil && *d.FinalAmount == final {
			return d, nil
		}
		return nil, fmt.Errorf("%w: discrepancy %s already %s", domain.ErrConflict, id, d.Status)
	}

	if err := s.reconcileCollectible(ctx, d.CollectibleID, final); err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = status
	d.ResolvedAt = &now
	d.FinalAmount = &final
	if note != "" {
		d.Note = note
	}

	if err := s.repo.UpdateDiscrepancy(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to update discrepancy: %w", err)
	}

	slog.Info("discrepancy settled",
		"discrepancy_id", d.ID,
		"collectible_id", d.CollectibleID,
		"status", status,
		"final_amount", final,
	)
	return d, nil
}

// reconcileCollectible sets the agreed final amount and reconciles, with a
// CAS retry loop against concurrent report processing.
func (s *Service) reconcileCollectible(ctx context.Context, collectibleID string, final int64) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		c, err := s.repo.GetCollectible(ctx, collectibleID)
		if err != nil {
			return fmt.Errorf("failed to load collectible: %w", err)
		}
		if c.Terminal() {
			return fmt.Errorf("%w: collectible %s is %s", domain.ErrConflict, collectibleID, c.Status)
		}

		variance := final - c.ExpectedTotal
		c.ActualAmount = &final
		c.Variance = &variance
		c.Status = domain.CollectibleReconciled
		c.UpdatedAt = time.Now()

		err = s.repo.UpdateCollectible(ctx, c)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		return fmt.Errorf("failed to update collectible: %w", err)
	}
	return fmt.Errorf("%w: collectible %s update contended %d times", domain.ErrConflict, collectibleID, maxCASRetries)
}
