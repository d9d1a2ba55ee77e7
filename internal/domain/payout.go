package domain

import (
	"context"
	"time"
)

// PayoutRecord is the persisted idempotency record for a batch payout. One
// row per batch; a retry that finds a provider reference here returns it
// without a new external call.
type PayoutRecord struct {
	BatchID        string    `json:"batchId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ProviderRef    string    `json:"providerRef,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PayoutRequest is the outbound transfer instruction.
type PayoutRequest struct {
	Target         string            `json:"target"`
	Amount         int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PayoutProvider is the external payment provider boundary. Implementations
// must honor the idempotency key: re-invocation with the same key has at
// most one real-world effect.
type PayoutProvider interface {
	// InitiatePayout requests a transfer and returns the provider reference.
	InitiatePayout(ctx context.Context, req *PayoutRequest) (string, error)
}

// SettlementNotice is the asynchronous provider confirmation. It may arrive
// zero, one, or several times and must be applied idempotently.
type SettlementNotice struct {
	ProviderRef     string    `json:"providerRef"`
	SettlementToken string    `json:"settlementToken"`
	FinalStatus     string    `json:"finalStatus"` // "settled" or "failed"
	ReceivedAt      time.Time `json:"receivedAt"`
}

// SignatureVerifier authenticates inbound push events. The check itself is
// an external capability; the core only consults the verdict.
type SignatureVerifier interface {
	Verify(ctx context.Context, carrierID string, payload []byte, signature string) error
}

// CarrierPoller fetches the current collection status for one shipment from
// a carrier without push support.
type CarrierPoller interface {
	Poll(ctx context.Context, carrierID, awb string) (*CollectionReport, error)
}

// Notifier emits fire-and-forget notifications (verification requests,
// discrepancy alerts). Delivery is someone else's job; the core owns only
// the payload.
type Notifier interface {
	VerificationRequest(ctx context.Context, phone, orderID string) error
	DiscrepancyAlert(ctx context.Context, d *Discrepancy) error
	OpsAlert(ctx context.Context, kind, detail string) error
}
