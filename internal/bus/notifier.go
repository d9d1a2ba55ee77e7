package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// Notifier publishes notifications onto the event bus for downstream
// delivery channels (SMS, email, dashboards) to consume. The core never
// talks to a delivery provider directly.
type Notifier struct {
	bus domain.EventBus
}

// NewNotifier creates a bus-backed notifier.
func NewNotifier(bus domain.EventBus) *Notifier {
	return &Notifier{bus: bus}
}

// VerificationRequest asks the customer to confirm a risky cash order.
func (n *Notifier) VerificationRequest(ctx context.Context, phone, orderID string) error {
	return n.publish(ctx, domain.TopicVerificationRequest, map[string]any{
		"phone":       phone,
		"orderId":     orderID,
		"requestedAt": time.Now(),
	})
}

// DiscrepancyAlert notifies the account owner of a detected mismatch.
func (n *Notifier) DiscrepancyAlert(ctx context.Context, d *domain.Discrepancy) error {
	return n.publish(ctx, domain.TopicDiscrepancyAlert, d)
}

// OpsAlert raises an operational alert.
func (n *Notifier) OpsAlert(ctx context.Context, kind, detail string) error {
	return n.publish(ctx, domain.TopicOpsAlert, map[string]any{
		"kind":     kind,
		"detail":   detail,
		"raisedAt": time.Now(),
	})
}

func (n *Notifier) publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.bus.Publish(ctx, topic, data)
}
