// Package ingest normalizes heterogeneous collection sources (push events,
// poll responses, bulk file rows) into canonical collection reports.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// pushEvent is the wire shape of a carrier delivery notification.
type pushEvent struct {
	EventID         string    `json:"eventId"`
	AWB             string    `json:"awb"`
	Status          string    `json:"status"`
	CollectedAmount int64     `json:"collectedAmount"`
	Timestamp       time.Time `json:"timestamp"`
}

// PushAdapter authenticates, deduplicates and normalizes carrier push
// events onto the push report topic.
type PushAdapter struct {
	verifier domain.SignatureVerifier
	repo     domain.Repository
	bus      domain.EventBus
}

// NewPushAdapter creates a new push event adapter.
func NewPushAdapter(verifier domain.SignatureVerifier, repo domain.Repository, bus domain.EventBus) *PushAdapter {
	return &PushAdapter{
		verifier: verifier,
		repo:     repo,
		bus:      bus,
	}
}

// HandleEvent processes one inbound push notification. Returns the
// canonical report and whether it was accepted; a re-delivered event is
// dropped without error. Signature verification happens before anything
// else touches the payload.
func (a *PushAdapter) HandleEvent(ctx context.Context, carrierID string, payload []byte, signature string) (*domain.CollectionReport, bool, error) {
	if a.verifier != nil {
		if err := a.verifier.Verify(ctx, carrierID, payload, signature); err != nil {
			return nil, false, fmt.Errorf("%w: signature verification failed: %v", domain.ErrValidation, err)
		}
	}

	var ev pushEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, false, fmt.Errorf("%w: malformed push event: %v", domain.ErrValidation, err)
	}
	if ev.EventID == "" || ev.AWB == "" {
		return nil, false, fmt.Errorf("%w: event id and awb are required", domain.ErrValidation)
	}

	// Only completed deliveries carry collected cash. Other statuses are
	// tracking noise for this pipeline.
	if !deliveredStatus(ev.Status) {
		slog.Debug("push event skipped", "awb", ev.AWB, "status", ev.Status)
		return nil, false, nil
	}

	report := &domain.CollectionReport{
		AWB:            ev.AWB,
		CarrierID:      carrierID,
		ReportedAmount: ev.CollectedAmount,
		ReportedAt:     ev.Timestamp,
		Source:         domain.SourcePush,
		EventID:        ev.EventID,
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}
	if err := report.Validate(); err != nil {
		return nil, false, err
	}

	// Carrier re-deliveries of the same event must be no-ops.
	fresh, err := a.repo.MarkEventProcessed(ctx, ev.EventID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record event id: %w", err)
	}
	if !fresh {
		slog.Debug("push event already processed", "event_id", ev.EventID, "awb", ev.AWB)
		return nil, false, nil
	}

	if err := a.publish(ctx, report); err != nil {
		// The report never reached the bus. Clear the event id so the
		// carrier's retry is treated as fresh, not as a re-delivery.
		if uErr := a.repo.UnmarkEventProcessed(ctx, ev.EventID); uErr != nil {
			slog.Error("failed to clear event id after publish failure",
				"event_id", ev.EventID, "awb", ev.AWB, "error", uErr)
		}
		return nil, false, err
	}

	return report, true, nil
}

func (a *PushAdapter) publish(ctx context.Context, report *domain.CollectionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := a.bus.Publish(ctx, domain.TopicReportPush, data); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}

func deliveredStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered", "dl", "collected":
		return true
	}
	return false
}
