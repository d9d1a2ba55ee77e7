// Package domain defines the core interfaces and types for codremit.
package domain

import (
	"fmt"
	"time"
)

// CollectibleStatus is the lifecycle state of a cash-collection obligation.
type CollectibleStatus string

const (
	// CollectiblePending means no collection report has been applied yet.
	CollectiblePending CollectibleStatus = "pending"

	// CollectibleCollected means a report was received and is being decided.
	CollectibleCollected CollectibleStatus = "collected"

	// CollectibleReconciled means the reported amount matched, was within
	// tolerance, or was settled through a discrepancy resolution.
	CollectibleReconciled CollectibleStatus = "reconciled"

	// CollectibleDisputed means an open discrepancy blocks reconciliation.
	CollectibleDisputed CollectibleStatus = "disputed"

	// CollectibleClaimed means a remittance batch has claimed the amount.
	CollectibleClaimed CollectibleStatus = "claimed"

	// CollectiblePaid means the batch payout settled. Terminal and immutable.
	CollectiblePaid CollectibleStatus = "paid"

	// CollectibleCancelled means the shipment never completed (RTO, lost).
	CollectibleCancelled CollectibleStatus = "cancelled"
)

// ReportSource identifies the ingestion channel a collection report came in on.
type ReportSource string

const (
	SourcePush ReportSource = "push"
	SourcePoll ReportSource = "poll"
	SourceFile ReportSource = "file"
)

// Collectible is one shipment's cash-collection obligation.
// All amounts are integer paise.
type Collectible struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`

	// AWB is the carrier's waybill reference, treated as opaque.
	AWB string `json:"awb"`

	ExpectedBase     int64 `json:"expectedBase"`
	ExpectedHandling int64 `json:"expectedHandling"`
	ExpectedTotal    int64 `json:"expectedTotal"`

	Status CollectibleStatus `json:"status"`

	ActualAmount *int64       `json:"actualAmount,omitempty"`
	Source       ReportSource `json:"source,omitempty"`
	Variance     *int64       `json:"variance,omitempty"`

	RiskScore float64 `json:"riskScore"`

	DiscrepancyID string `json:"discrepancyId,omitempty"`
	BatchID       string `json:"batchId,omitempty"`

	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	// Version is the optimistic concurrency token. Writes that lose a race
	// fail with ErrConflict and must re-read before retrying.
	Version int64 `json:"version"`
}

// Validate checks the creation invariants: total = base + handling, all
// amounts non-negative.
func (c *Collectible) Validate() error {
	if c.ID == "" || c.AccountID == "" || c.AWB == "" {
		return fmt.Errorf("%w: id, accountId and awb are required", ErrValidation)
	}
	if c.ExpectedBase < 0 || c.ExpectedHandling < 0 {
		return fmt.Errorf("%w: expected amounts must be non-negative", ErrValidation)
	}
	if c.ExpectedTotal != c.ExpectedBase+c.ExpectedHandling {
		return fmt.Errorf("%w: expected total %d != base %d + handling %d",
			ErrValidation, c.ExpectedTotal, c.ExpectedBase, c.ExpectedHandling)
	}
	return nil
}

// Terminal reports whether the collectible may no longer be mutated.
func (c *Collectible) Terminal() bool {
	return c.Status == CollectiblePaid || c.Status == CollectibleCancelled
}

// CollectionReport is the canonical record every ingestion channel normalizes
// into. The reconciliation decision is source-agnostic; Source is kept only
// for the audit trail and duplicate-detection heuristics.
type CollectionReport struct {
	AWB            string       `json:"awb"`
	CarrierID      string       `json:"carrierId"`
	ReportedAmount int64        `json:"reportedAmount"`
	ReportedAt     time.Time    `json:"reportedAt"`
	Source         ReportSource `json:"source"`

	// EventID is set for push events and used for re-delivery dedup.
	EventID string `json:"eventId,omitempty"`
}

// Validate checks report well-formedness.
func (r *CollectionReport) Validate() error {
	if r.AWB == "" {
		return fmt.Errorf("%w: awb is required", ErrValidation)
	}
	if r.ReportedAmount < 0 {
		return fmt.Errorf("%w: reported amount must be non-negative", ErrValidation)
	}
	if r.ReportedAt.IsZero() {
		return fmt.Errorf("%w: reportedAt is required", ErrValidation)
	}
	switch r.Source {
	case SourcePush, SourcePoll, SourceFile:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrValidation, r.Source)
	}
	return nil
}

// TimelineEntry is one immutable audit row recording an applied report and
// its outcome. Entries are append-only and never overwritten.
type TimelineEntry struct {
	ID             string       `json:"id"`
	CollectibleID  string       `json:"collectibleId"`
	Source         ReportSource `json:"source"`
	ReportedAmount int64        `json:"reportedAmount"`
	ReportedAt     time.Time    `json:"reportedAt"`
	Outcome        string       `json:"outcome"`
	Note           string       `json:"note,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// PendingLookup is a report whose AWB resolved to no known collectible. It is
// re-checked with backoff instead of being discarded: the shipment record may
// simply not have caught up yet.
type PendingLookup struct {
	ID          string    `json:"id"`
	AWB         string    `json:"awb"`
	Report      []byte    `json:"report"`
	Attempts    int       `json:"attempts"`
	NextCheckAt time.Time `json:"nextCheckAt"`
	CreatedAt   time.Time `json:"createdAt"`
}
