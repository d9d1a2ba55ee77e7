package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// pollBatchLimit caps how many pending shipments one poll pass touches.
const pollBatchLimit = 200

// PollScheduler periodically asks a carrier without push support for the
// collection status of pending shipments. One scheduler per polled carrier.
type PollScheduler struct {
	poller    domain.CarrierPoller
	repo      domain.Repository
	bus       domain.EventBus
	carrierID string
	interval  time.Duration
}

// NewPollScheduler creates a poll scheduler for one carrier.
func NewPollScheduler(poller domain.CarrierPoller, repo domain.Repository, bus domain.EventBus, carrierID string, interval time.Duration) *PollScheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &PollScheduler{
		poller:    poller,
		repo:      repo,
		bus:       bus,
		carrierID: carrierID,
		interval:  interval,
	}
}

// Run polls on the configured interval until the context is cancelled.
func (s *PollScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("poll scheduler started", "carrier", s.carrierID, "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("poll scheduler stopped", "carrier", s.carrierID)
			return
		case <-ticker.C:
			published, err := s.PollOnce(ctx)
			if err != nil {
				slog.Error("poll pass failed", "carrier", s.carrierID, "error", err)
				continue
			}
			if published > 0 {
				slog.Info("poll pass complete", "carrier", s.carrierID, "reports", published)
			}
		}
	}
}

// PollOnce runs a single poll pass over pending collectibles. Per-shipment
// failures are isolated; an AWB the carrier does not know is skipped.
func (s *PollScheduler) PollOnce(ctx context.Context) (int, error) {
	pending, err := s.repo.ListPendingCollectibles(ctx, time.Now(), pollBatchLimit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, c := range pending {
		report, err := s.poller.Poll(ctx, s.carrierID, c.AWB)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			slog.Warn("carrier poll failed", "carrier", s.carrierID, "awb", c.AWB, "error", err)
			continue
		}
		if report == nil {
			continue
		}

		report.Source = domain.SourcePoll
		report.CarrierID = s.carrierID
		if report.ReportedAt.IsZero() {
			report.ReportedAt = time.Now()
		}
		if err := report.Validate(); err != nil {
			slog.Warn("poll response invalid", "carrier", s.carrierID, "awb", c.AWB, "error", err)
			continue
		}

		data, err := json.Marshal(report)
		if err != nil {
			continue
		}
		if err := s.bus.Publish(ctx, domain.TopicReportPoll, data); err != nil {
			slog.Warn("failed to publish poll report", "awb", c.AWB, "error", err)
			continue
		}
		published++
	}

	return published, nil
}
