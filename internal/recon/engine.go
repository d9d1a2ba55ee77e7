// Package recon implements the reconciliation engine: matching canonical
// collection reports against expected-collection records and driving the
// collectible state machine.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codremit/codremit/internal/discrepancy"
	"github.com/codremit/codremit/internal/domain"
)

// Outcome describes what applying one report did.
type Outcome string

const (
	OutcomeReconciled         Outcome = "reconciled"
	OutcomeAutoAccepted       Outcome = "auto_accepted"
	OutcomeDiscrepancyCreated Outcome = "discrepancy_created"
	OutcomeDiscrepancyUpdated Outcome = "discrepancy_updated"
	OutcomeCorrected          Outcome = "corrected"
	OutcomeDuplicateIgnored   Outcome = "duplicate_ignored"
	OutcomeDuplicateConfirmed Outcome = "duplicate_confirmed"
	OutcomeDuplicateFlagged   Outcome = "duplicate_flagged"
	OutcomeUnknownShipment    Outcome = "unknown_shipment"
	OutcomeIgnored            Outcome = "ignored"
)

// Result is the applied-report summary, also published on the bus.
type Result struct {
	CollectibleID string  `json:"collectibleId,omitempty"`
	AWB           string  `json:"awb"`
	Outcome       Outcome `json:"outcome"`
	Variance      int64   `json:"variance,omitempty"`
	DiscrepancyID string  `json:"discrepancyId,omitempty"`
}

// Engine applies collection reports. The decision function is total and
// source-agnostic: it never branches on the report source except for
// duplicate-detection heuristics.
type Engine struct {
	repo   domain.Repository
	bus    domain.EventBus
	disc   *discrepancy.Service
	config domain.ReconConfig
}

// NewEngine creates a new reconciliation engine.
func NewEngine(repo domain.Repository, bus domain.EventBus, disc *discrepancy.Service, cfg domain.ReconConfig) *Engine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AbsoluteTolerance == 0 {
		cfg.AbsoluteTolerance = 1000
	}
	if cfg.PercentTolerance == 0 {
		cfg.PercentTolerance = 0.01
	}
	return &Engine{
		repo:   repo,
		bus:    bus,
		disc:   disc,
		config: cfg,
	}
}

// Register creates a collectible for an accepted cash order.
func (e *Engine) Register(ctx context.Context, c *domain.Collectible) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := c.Validate(); err != nil {
		return err
	}

	existing, err := e.repo.GetCollectibleByAWB(ctx, c.AWB)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to check waybill: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: waybill %s is already registered", domain.ErrConflict, c.AWB)
	}

	now := time.Now()
	c.Status = domain.CollectiblePending
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Version = 0

	if err := e.repo.SaveCollectible(ctx, c); err != nil {
		return fmt.Errorf("failed to save collectible: %w", err)
	}
	return nil
}

// Apply processes one canonical collection report. Unknown AWBs are queued
// for delayed re-check rather than discarded. Decisions are evaluated
// against authoritative state at write time and retried on conflict.
func (e *Engine) Apply(ctx context.Context, report *domain.CollectionReport, recheckDelay time.Duration) (*Result, error) {
	result, err := e.ApplyKnown(ctx, report)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	raw, mErr := json.Marshal(report)
	if mErr != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", mErr)
	}
	lookup := &domain.PendingLookup{
		ID:          uuid.New().String(),
		AWB:         report.AWB,
		Report:      raw,
		Attempts:    0,
		NextCheckAt: time.Now().Add(recheckDelay),
		CreatedAt:   time.Now(),
	}
	if qErr := e.repo.EnqueuePendingLookup(ctx, lookup); qErr != nil {
		return nil, fmt.Errorf("failed to queue pending lookup: %w", qErr)
	}

	slog.Info("report queued for lookup", "awb", report.AWB, "source", report.Source)
	return &Result{AWB: report.AWB, Outcome: OutcomeUnknownShipment}, nil
}

// ApplyKnown applies a report and returns ErrNotFound for unknown AWBs
// without queuing. The pending-lookup worker uses this to re-check.
func (e *Engine) ApplyKnown(ctx context.Context, report *domain.CollectionReport) (*Result, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		c, err := e.repo.GetCollectibleByAWB(ctx, report.AWB)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no collectible for awb %s", domain.ErrNotFound, report.AWB)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up collectible: %w", err)
		}

		result, err := e.applyTo(ctx, c, report)
		if err == nil {
			e.publishApplied(ctx, result)
			return result, nil
		}
		if errors.Is(err, domain.ErrConflict) {
			lastErr = err
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("report for %s lost %d races: %w", report.AWB, e.config.MaxRetries, lastErr)
}

// applyTo runs the decision rule against the collectible's current state.
func (e *Engine) applyTo(ctx context.Context, c *domain.Collectible, report *domain.CollectionReport) (*Result, error) {
	switch c.Status {
	case domain.CollectiblePending, domain.CollectibleCollected:
		return e.applyFresh(ctx, c, report)

	case domain.CollectibleReconciled:
		return e.applyToReconciled(ctx, c, report)

	case domain.CollectibleDisputed:
		return e.applyToDisputed(ctx, c, report)

	default:
		// Claimed, paid or cancelled: the money already moved on. Record
		// the report for audit and touch nothing.
		if err := e.appendTimeline(ctx, c.ID, report, OutcomeIgnored, "collectible is "+string(c.Status)); err != nil {
			return nil, err
		}
		return &Result{CollectibleID: c.ID, AWB: c.AWB, Outcome: OutcomeIgnored}, nil
	}
}

// applyFresh is the first report against a pending collectible: the
// variance decision rule in order.
func (e *Engine) applyFresh(ctx context.Context, c *domain.Collectible, report *domain.CollectionReport) (*Result, error) {
	// The report itself proves cash changed hands. Record that before
	// judging the amount, so a decision write that loses its race still
	// leaves the collectible marked collected rather than pending.
	if c.Status == domain.CollectiblePending {
		c.Status = domain.CollectibleCollected
		c.UpdatedAt = time.Now()
		if err := e.repo.UpdateCollectible(ctx, c); err != nil {
			return nil, err
		}
	}

	variance := report.ReportedAmount - c.ExpectedTotal

	// Rules 1 and 2: exact match, then tolerance auto-accept.
	if variance == 0 || e.withinTolerance(variance, c.ExpectedTotal) {
		outcome := OutcomeReconciled
		note := ""
		if variance != 0 {
			outcome = OutcomeAutoAccepted
			note = "minor discrepancy auto-accepted"
		}

		reported := report.ReportedAmount
		c.ActualAmount = &reported
		c.Variance = &variance
		c.Status = domain.CollectibleReconciled
		c.Source = report.Source
		if c.DeliveredAt == nil {
			t := report.ReportedAt
			c.DeliveredAt = &t
		}
		c.UpdatedAt = time.Now()

		if err := e.repo.UpdateCollectible(ctx, c); err != nil {
			return nil, err
		}
		if err := e.appendTimeline(ctx, c.ID, report, outcome, note); err != nil {
			return nil, err
		}

		slog.Info("collectible reconciled",
			"collectible_id", c.ID,
			"awb", c.AWB,
			"variance", variance,
			"outcome", outcome,
		)
		return &Result{CollectibleID: c.ID, AWB: c.AWB, Outcome: outcome, Variance: variance}, nil
	}

	// Rule 3: out of tolerance, open a discrepancy.
	return e.dispute(ctx, c, report, "")
}

// applyToReconciled handles duplicate reports for an already-settled
// collectible. A replay from the reconciling source is idempotent; a
// different source reporting a different amount is flagged rather than
// silently overwriting the accepted amount.
func (e *Engine) applyToReconciled(ctx context.Context, c *domain.Collectible, report *domain.CollectionReport) (*Result, error) {
	accepted := int64(0)
	if c.ActualAmount != nil {
		accepted = *c.ActualAmount
	}

	if report.ReportedAmount == accepted {
		outcome := OutcomeDuplicateIgnored
		if report.Source != c.Source {
			outcome = OutcomeDuplicateConfirmed
		}
		if err := e.appendTimeline(ctx, c.ID, report, outcome, ""); err != nil {
			return nil, err
		}
		return &Result{CollectibleID: c.ID, AWB: c.AWB, Outcome: outcome}, nil
	}

	return e.dispute(ctx, c, report, domain.ClassDuplicateEntry)
}

// applyToDisputed handles a report arriving while a discrepancy is open.
// A corrected amount inside tolerance resolves the dispute; a replay is a
// no-op; anything else refreshes the discrepancy's reported figures.
func (e *Engine) applyToDisputed(ctx context.Context, c *domain.Collectible, report *domain.CollectionReport) (*Result, error) {
	d, err := e.repo.GetDiscrepancy(ctx, c.DiscrepancyID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load discrepancy: %w", err)
	}

	if d != nil && report.ReportedAmount == d.Actual {
		if err := e.appendTimeline(ctx, c.ID, report, OutcomeDuplicateIgnored, ""); err != nil {
			return nil, err
		}
		return &Result{CollectibleID: c.ID, AWB: c.AWB, Outcome: OutcomeDuplicateIgnored, DiscrepancyID: c.DiscrepancyID}, nil
	}

	variance := report.ReportedAmount - c.ExpectedTotal
	if d != nil && (variance == 0 || e.withinTolerance(variance, c.ExpectedTotal)) {
		if _, err := e.disc.ResolveCorrected(ctx, d.ID, report.ReportedAmount, "corrected by "+string(report.Source)+" report"); err != nil {
			return nil, err
		}
		if err := e.appendTimeline(ctx, c.ID, report, OutcomeCorrected, ""); err != nil {
			return nil, err
		}
		return &Result{CollectibleID: c.ID, AWB: c.AWB, Outcome: OutcomeCorrected, Variance: variance, DiscrepancyID: d.ID}, nil
	}

	if d != nil && d.Status.Open() {
		d.Actual = report.ReportedAmount
		d.Difference = variance
		if c.ExpectedTotal > 0 {
			abs := variance
			if abs < 0 {
				abs = -abs
			}
			d.DifferencePct = float64(abs) / float64(c.ExpectedTotal) * 100
		}
		d.Classification = discrepancy.Classify(variance, c.ExpectedTotal)
		d.Severity = discrepancy.SeverityFor(variance, c.ExpectedTotal)
		if err := e.repo.UpdateDiscrepancy(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to update discrepancy: %w", err)
		}
		if err := e.appendTimeline(ctx, c.ID, report, OutcomeDiscrepancyUpdated, ""); err != nil {
			return nil, err
		}
		return &Result{CollectibleID: c.ID, AWB: c.AWB, Outcome: OutcomeDiscrepancyUpdated, Variance: variance, DiscrepancyID: d.ID}, nil
	}

	// Discrepancy record missing or already closed: open a fresh one.
	return e.dispute(ctx, c, report, "")
}

// dispute opens a discrepancy and moves the collectible to disputed. The
// collectible write happens first so a lost race rebuilds the discrepancy
// against fresh state instead of orphaning one.
func (e *Engine) dispute(ctx context.Context, c *domain.Collectible, report *domain.CollectionReport, class domain.DiscrepancyClass) (*Result, error) {
	d := discrepancy.Build(c, report.ReportedAmount, class, time.Now(), e.disc.ResolutionDays())

	variance := d.Difference
	c.Status = domain.CollectibleDisputed
	c.DiscrepancyID = d.ID
	c.UpdatedAt = time.Now()

	// A duplicate flag keeps the already-accepted amount on the
	// collectible; the conflicting figure lives on the discrepancy.
	if class != domain.ClassDuplicateEntry {
		reported := report.ReportedAmount
		c.ActualAmount = &reported
		c.Variance = &variance
		c.Source = report.Source
	}

	if err := e.repo.UpdateCollectible(ctx, c); err != nil {
		return nil, err
	}
	if err := e.disc.Record(ctx, d); err != nil {
		return nil, err
	}

	outcome := OutcomeDiscrepancyCreated
	if d.Classification == domain.ClassDuplicateEntry {
		outcome = OutcomeDuplicateFlagged
	}
	if err := e.appendTimeline(ctx, c.ID, report, outcome, string(d.Classification)); err != nil {
		return nil, err
	}

	return &Result{
		CollectibleID: c.ID,
		AWB:           c.AWB,
		Outcome:       outcome,
		Variance:      variance,
		DiscrepancyID: d.ID,
	}, nil
}

// withinTolerance checks rule 2: both the absolute and relative bounds
// must hold.
func (e *Engine) withinTolerance(variance, expected int64) bool {
	abs := variance
	if abs < 0 {
		abs = -abs
	}
	if abs > e.config.AbsoluteTolerance {
		return false
	}
	if expected == 0 {
		return abs == 0
	}
	return float64(abs)/float64(expected) <= e.config.PercentTolerance
}

// appendTimeline writes the immutable audit entry for an applied report.
func (e *Engine) appendTimeline(ctx context.Context, collectibleID string, report *domain.CollectionReport, outcome Outcome, note string) error {
	entry := &domain.TimelineEntry{
		ID:             uuid.New().String(),
		CollectibleID:  collectibleID,
		Source:         report.Source,
		ReportedAmount: report.ReportedAmount,
		ReportedAt:     report.ReportedAt,
		Outcome:        string(outcome),
		Note:           note,
		CreatedAt:      time.Now(),
	}
	if err := e.repo.AppendTimeline(ctx, entry); err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}
	return nil
}

func (e *Engine) publishApplied(ctx context.Context, result *Result) {
	if e.bus == nil {
		return
	}
	if payload, err := json.Marshal(result); err == nil {
		_ = e.bus.Publish(ctx, domain.TopicReportApplied, payload)
	}
}
