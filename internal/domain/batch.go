package domain

import "time"

// RemitTier is a payout eligibility class. Accelerated tiers pay out ahead
// of the standard cycle for a fee, bounded by a credit ceiling.
type RemitTier string

const (
	TierStandard RemitTier = "standard"
	TierTwoDay   RemitTier = "two_day"
	TierNextDay  RemitTier = "next_day"
)

// Accelerated reports whether the tier pays ahead of the standard cycle.
func (t RemitTier) Accelerated() bool {
	return t == TierTwoDay || t == TierNextDay
}

// BatchStatus is the lifecycle state of a remittance batch.
type BatchStatus string

const (
	BatchPendingApproval BatchStatus = "pending_approval"
	BatchApproved        BatchStatus = "approved"
	BatchPayoutInitiated BatchStatus = "payout_initiated"
	BatchCompleted       BatchStatus = "completed"
	BatchFailed          BatchStatus = "failed"
	BatchCancelled       BatchStatus = "cancelled"
)

// Terminal reports whether the batch reached a final state.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// Deductions itemizes what is withheld from a batch's gross total.
// All amounts are integer paise.
type Deductions struct {
	Shipping    int64 `json:"shipping"`
	PlatformFee int64 `json:"platformFee"`
	TierFee     int64 `json:"tierFee"`
	Other       int64 `json:"other"`
}

// Sum returns the total withheld.
func (d Deductions) Sum() int64 {
	return d.Shipping + d.PlatformFee + d.TierFee + d.Other
}

// RemittanceBatch is a payable aggregate of reconciled collectibles for one
// account over one tier. Invariant: NetPayable = Gross - Deductions.Sum(),
// enforced non-negative at creation. A collectible belongs to at most one
// non-cancelled batch at a time.
type RemittanceBatch struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Tier      RemitTier `json:"tier"`

	CollectibleIDs []string `json:"collectibleIds"`

	Gross      int64      `json:"gross"`
	Deductions Deductions `json:"deductions"`
	NetPayable int64      `json:"netPayable"`

	Status BatchStatus `json:"status"`

	ProviderRef     string `json:"providerRef,omitempty"`
	SettlementToken string `json:"settlementToken,omitempty"`
	FailureReason   string `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Account is the minimal payer-account registry entry the core needs:
// identity, age and where payouts land. Everything else about companies and
// users lives outside this system.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PayoutTarget string    `json:"payoutTarget"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AccountMetrics are the rolling inputs to eligibility evaluation, derived
// from the underlying records on every evaluation. The tier itself is never
// persisted as authoritative.
type AccountMetrics struct {
	AccountID string `json:"accountId"`

	AgeDays int `json:"ageDays"`

	// Trailing-90-day figures.
	MonthlyCashOrders  float64 `json:"monthlyCashOrders"`
	MonthlyCashValue   int64   `json:"monthlyCashValue"`
	RTOPct             float64 `json:"rtoPct"`
	DisputePct         float64 `json:"disputePct"`
	HasCashHistory     bool    `json:"hasCashHistory"`
	OutstandingCredit  int64   `json:"outstandingCredit"`
}

// Ineligibility reason codes returned by eligibility evaluation.
const (
	ReasonAccountTooNew      = "account_too_new"
	ReasonVolumeTooLow       = "volume_too_low"
	ReasonRTORateTooHigh     = "rto_rate_too_high"
	ReasonDisputeRateTooHigh = "dispute_rate_too_high"
	ReasonNoCashHistory      = "no_cash_history"
)

// EligibilityResult is the outcome of a tier evaluation: a tier with its fee
// and ceiling, or a reason list (never a bare boolean).
type EligibilityResult struct {
	AccountID     string    `json:"accountId"`
	Tier          RemitTier `json:"tier"`
	FeePct        float64   `json:"feePct"`
	CreditCeiling int64     `json:"creditCeiling"`
	Eligible      bool      `json:"eligible"`
	Reasons       []string  `json:"reasons,omitempty"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}
