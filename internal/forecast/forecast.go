// Package forecast provides read-only cash-flow projection and operational
// health analytics over the reconciliation state. Nothing here mutates.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// Projection is the expected cash inflow by horizon. Buckets are
// cumulative: DPlus7 includes everything in DPlus3 and DPlus1.
type Projection struct {
	AccountID string `json:"accountId,omitempty"`

	// Amounts in paise.
	DPlus1  int64 `json:"dPlus1"`
	DPlus3  int64 `json:"dPlus3"`
	DPlus7  int64 `json:"dPlus7"`
	DPlus30 int64 `json:"dPlus30"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Health is the operational summary for dashboards and alerting.
type Health struct {
	AccountID string `json:"accountId,omitempty"`

	TotalCollectibles  int64   `json:"totalCollectibles"`
	ReconciliationRate float64 `json:"reconciliationRate"` // percent of reported
	DiscrepancyRate    float64 `json:"discrepancyRate"`    // percent of reported

	OpenDiscrepancies int64 `json:"openDiscrepancies"`
	// OldestOpenAgeHours is the age of the oldest open discrepancy.
	OldestOpenAgeHours float64 `json:"oldestOpenAgeHours"`

	PendingPayouts int64 `json:"pendingPayouts"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Service computes projections and health summaries.
type Service struct {
	repo     domain.Repository
	bus      domain.EventBus
	notifier domain.Notifier
	config   domain.ForecastConfig
}

// NewService creates a new analytics service.
func NewService(repo domain.Repository, bus domain.EventBus, notifier domain.Notifier, cfg domain.ForecastConfig) *Service {
	if cfg.DiscrepancyAlertPct <= 0 {
		cfg.DiscrepancyAlertPct = 5
	}
	return &Service{
		repo:     repo,
		bus:      bus,
		notifier: notifier,
		config:   cfg,
	}
}

// Project estimates cash inflow per horizon. Claimed amounts pay out first,
// then unbatched reconciled, then disputes working through their deadlines,
// then still-pending deliveries.
func (s *Service) Project(ctx context.Context, accountID string) (*Projection, error) {
	totals, err := s.repo.CollectibleStatusTotals(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate collectibles: %w", err)
	}

	p := &Projection{
		AccountID:   accountID,
		GeneratedAt: time.Now(),
	}

	p.DPlus1 = totals[domain.CollectibleClaimed].Amount
	p.DPlus3 = p.DPlus1 + totals[domain.CollectibleReconciled].Amount
	p.DPlus7 = p.DPlus3 + totals[domain.CollectibleDisputed].Amount
	p.DPlus30 = p.DPlus7 + totals[domain.CollectiblePending].Amount + totals[domain.CollectibleCollected].Amount

	return p, nil
}

// Summarize computes the operational health snapshot.
func (s *Service) Summarize(ctx context.Context, accountID string) (*Health, error) {
	totals, err := s.repo.CollectibleStatusTotals(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate collectibles: %w", err)
	}

	h := &Health{
		AccountID:   accountID,
		GeneratedAt: time.Now(),
	}

	var reported, settled, disputed int64
	for status, t := range totals {
		h.TotalCollectibles += t.Count
		switch status {
		case domain.CollectibleReconciled, domain.CollectibleClaimed, domain.CollectiblePaid:
			settled += t.Count
			reported += t.Count
		case domain.CollectibleDisputed:
			disputed += t.Count
			reported += t.Count
		}
	}
	if reported > 0 {
		h.ReconciliationRate = float64(settled) / float64(reported) * 100
		h.DiscrepancyRate = float64(disputed) / float64(reported) * 100
	}

	open, err := s.repo.ListOpenDiscrepancies(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open discrepancies: %w", err)
	}
	h.OpenDiscrepancies = int64(len(open))
	now := time.Now()
	for _, d := range open {
		age := now.Sub(d.DetectedAt).Hours()
		if age > h.OldestOpenAgeHours {
			h.OldestOpenAgeHours = age
		}
	}

	batches, err := s.repo.BatchStatusCounts(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate batches: %w", err)
	}
	h.PendingPayouts = batches[domain.BatchApproved] + batches[domain.BatchPayoutInitiated]

	return h, nil
}

// CheckAlerts raises an operational alert when the discrepancy rate
// crosses the configured threshold. Returns whether an alert fired.
func (s *Service) CheckAlerts(ctx context.Context, accountID string) (bool, error) {
	h, err := s.Summarize(ctx, accountID)
	if err != nil {
		return false, err
	}

	if h.DiscrepancyRate <= s.config.DiscrepancyAlertPct {
		return false, nil
	}

	detail := fmt.Sprintf("discrepancy rate %.1f%% exceeds threshold %.1f%% (%d open)",
		h.DiscrepancyRate, s.config.DiscrepancyAlertPct, h.OpenDiscrepancies)

	if s.notifier != nil {
		if err := s.notifier.OpsAlert(ctx, "discrepancy_rate", detail); err != nil {
			slog.Warn("ops alert delivery failed", "error", err)
		}
	}
	if s.bus != nil {
		if payload, err := json.Marshal(h); err == nil {
			_ = s.bus.Publish(ctx, domain.TopicOpsAlert, payload)
		}
	}

	slog.Warn("health alert raised", "account_id", accountID, "detail", detail)
	return true, nil
}
