package domain

import "time"

// DiscrepancyClass categorizes an unresolved mismatch.
type DiscrepancyClass string

const (
	ClassAmountMismatch    DiscrepancyClass = "amount_mismatch"
	ClassMissingShipment   DiscrepancyClass = "missing_shipment"
	ClassDuplicateEntry    DiscrepancyClass = "duplicate_entry"
	ClassTimingIssue       DiscrepancyClass = "timing_issue"
	ClassPartialCollection DiscrepancyClass = "partial_collection"
	ClassOverpayment       DiscrepancyClass = "overpayment"
)

// DiscrepancySeverity buckets mismatch magnitude.
type DiscrepancySeverity string

const (
	SeverityMinor    DiscrepancySeverity = "minor"
	SeverityMedium   DiscrepancySeverity = "medium"
	SeverityMajor    DiscrepancySeverity = "major"
	SeverityCritical DiscrepancySeverity = "critical"
)

// DiscrepancyStatus is the workflow state of a mismatch.
type DiscrepancyStatus string

const (
	DiscrepancyDetected       DiscrepancyStatus = "detected"
	DiscrepancyUnderReview    DiscrepancyStatus = "under_review"
	DiscrepancyCourierQueried DiscrepancyStatus = "courier_queried"
	DiscrepancyResolved       DiscrepancyStatus = "resolved"
	DiscrepancyAccepted       DiscrepancyStatus = "accepted"
	DiscrepancyDisputed       DiscrepancyStatus = "disputed"
	DiscrepancyTimeout        DiscrepancyStatus = "timeout"
	DiscrepancyEscalated      DiscrepancyStatus = "escalated"
)

// Open reports whether the status still blocks its collectible.
func (s DiscrepancyStatus) Open() bool {
	switch s {
	case DiscrepancyDetected, DiscrepancyUnderReview, DiscrepancyCourierQueried, DiscrepancyDisputed:
		return true
	}
	return false
}

// Discrepancy is one unresolved mismatch between expected and reported
// amounts. It exists if and only if its collectible's variance exceeded the
// auto-accept tolerance; resolving it must set the collectible's actual
// amount and reconcile it.
type Discrepancy struct {
	ID            string `json:"id"`
	CollectibleID string `json:"collectibleId"`
	AccountID     string `json:"accountId"`

	Expected      int64   `json:"expected"`
	Actual        int64   `json:"actual"`
	Difference    int64   `json:"difference"` // actual - expected, signed
	DifferencePct float64 `json:"differencePct"`

	Classification DiscrepancyClass    `json:"classification"`
	Severity       DiscrepancySeverity `json:"severity"`
	Status         DiscrepancyStatus   `json:"status"`

	DetectedAt time.Time `json:"detectedAt"`
	Deadline   time.Time `json:"deadline"`

	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	FinalAmount *int64     `json:"finalAmount,omitempty"`
	Note        string     `json:"note,omitempty"`
}
