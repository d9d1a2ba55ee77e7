package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication between the
// ingest adapters, the reconciliation workers and the notification edges.
// Community tier runs on Go channels; Pro runs on NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topic names for the collection pipeline.
const (
	// Canonical collection reports, one topic per ingestion channel so the
	// queues drain independently.
	TopicReportPush = "codremit.report.push"
	TopicReportPoll = "codremit.report.poll"
	TopicReportFile = "codremit.report.file"

	// Reconciliation outcomes.
	TopicReportApplied       = "codremit.report.applied"
	TopicDiscrepancyDetected = "codremit.discrepancy.detected"

	// Outbound capability calls.
	TopicVerificationRequest = "codremit.verification.request"
	TopicDiscrepancyAlert    = "codremit.discrepancy.alert"
	TopicPayoutInitiated     = "codremit.payout.initiated"
	TopicOpsAlert            = "codremit.ops.alert"
)
