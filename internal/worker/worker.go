// Package worker provides the async processing loops: report consumers fed
// by the event bus, the pending-lookup requeue, and the periodic sweeps.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codremit/codremit/internal/discrepancy"
	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/forecast"
	"github.com/codremit/codremit/internal/recon"
)

// maxLookupAttempts bounds re-checks of an unknown AWB before giving up.
const maxLookupAttempts = 10

// lookupBatchSize caps pending lookups drained per pass.
const lookupBatchSize = 100

// Worker consumes collection reports from the bus and runs the background
// maintenance loops.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	engine    *recon.Engine
	disc      *discrepancy.Service
	analytics *forecast.Service

	recheckDelay  time.Duration
	sweepInterval time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates the async worker. The analytics service may be nil; the
// health-alert loop is then skipped.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *recon.Engine, disc *discrepancy.Service, analytics *forecast.Service, ingest domain.IngestConfig, sweep domain.DiscrepancyConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	recheck := ingest.LookupRecheck
	if recheck == 0 {
		recheck = 10 * time.Minute
	}
	interval := sweep.SweepInterval
	if interval == 0 {
		interval = time.Hour
	}
	return &Worker{
		bus:           bus,
		repo:          repo,
		engine:        engine,
		disc:          disc,
		analytics:     analytics,
		recheckDelay:  recheck,
		sweepInterval: interval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start subscribes the report consumers and launches the maintenance loops.
func (w *Worker) Start() error {
	topics := []string{
		domain.TopicReportPush,
		domain.TopicReportPoll,
		domain.TopicReportFile,
	}
	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleReport)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.wg.Add(2)
	go w.lookupLoop()
	go w.sweepLoop()

	slog.Info("workers started",
		"topics", len(topics),
		"recheck_delay", w.recheckDelay,
		"sweep_interval", w.sweepInterval,
	)
	return nil
}

// handleReport applies one bus-delivered collection report.
func (w *Worker) handleReport(ctx context.Context, msg *domain.Message) error {
	var report domain.CollectionReport
	if err := json.Unmarshal(msg.Payload, &report); err != nil {
		slog.Error("failed to parse collection report",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}

	start := time.Now()
	result, err := w.engine.Apply(ctx, &report, w.recheckDelay)
	if err != nil {
		slog.Error("failed to apply collection report",
			"awb", report.AWB,
			"source", report.Source,
			"error", err,
		)
		return err
	}

	slog.Debug("report applied",
		"awb", report.AWB,
		"source", report.Source,
		"outcome", result.Outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// lookupLoop periodically re-checks reports that arrived before their
// shipment record did.
func (w *Worker) lookupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.recheckDelay)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.DrainLookups(w.ctx, time.Now()); err != nil {
				slog.Error("pending lookup pass failed", "error", err)
			}
		}
	}
}

// DrainLookups re-applies every due pending lookup once. Reports whose AWB
// is still unknown back off exponentially; after maxLookupAttempts the
// lookup is dropped with a warning. Returns the number applied.
func (w *Worker) DrainLookups(ctx context.Context, now time.Time) (int, error) {
	due, err := w.repo.DuePendingLookups(ctx, now, lookupBatchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, lookup := range due {
		var report domain.CollectionReport
		if err := json.Unmarshal(lookup.Report, &report); err != nil {
			slog.Error("dropping malformed pending lookup",
				"lookup_id", lookup.ID,
				"awb", lookup.AWB,
				"error", err,
			)
			_ = w.repo.DeletePendingLookup(ctx, lookup.ID)
			continue
		}

		_, err := w.engine.ApplyKnown(ctx, &report)
		if err == nil {
			if err := w.repo.DeletePendingLookup(ctx, lookup.ID); err != nil {
				slog.Error("failed to delete applied lookup", "lookup_id", lookup.ID, "error", err)
			}
			applied++
			continue
		}

		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("pending lookup apply failed",
				"lookup_id", lookup.ID,
				"awb", lookup.AWB,
				"error", err,
			)
			continue
		}

		lookup.Attempts++
		if lookup.Attempts >= maxLookupAttempts {
			slog.Warn("dropping pending lookup after max attempts",
				"lookup_id", lookup.ID,
				"awb", lookup.AWB,
				"attempts", lookup.Attempts,
			)
			_ = w.repo.DeletePendingLookup(ctx, lookup.ID)
			continue
		}

		lookup.NextCheckAt = now.Add(w.recheckDelay * (1 << uint(lookup.Attempts)))
		if err := w.repo.UpdatePendingLookup(ctx, lookup); err != nil {
			slog.Error("failed to reschedule lookup", "lookup_id", lookup.ID, "error", err)
		}
	}

	if applied > 0 {
		slog.Info("pending lookups applied", "applied", applied, "due", len(due))
	}
	return applied, nil
}

// sweepLoop runs the discrepancy timeout sweep and the health alert check.
func (w *Worker) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.disc.SweepExpired(w.ctx, time.Now()); err != nil {
				slog.Error("discrepancy sweep failed", "error", err)
			}
			if w.analytics != nil {
				if _, err := w.analytics.CheckAlerts(w.ctx, ""); err != nil {
					slog.Error("health alert check failed", "error", err)
				}
			}
		}
	}
}

// Stop unsubscribes the consumers and waits for the loops to exit.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}
