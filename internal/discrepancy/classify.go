// Package discrepancy owns the lifecycle of unmatched collection reports:
// classification, investigation, resolution and timeout auto-acceptance.
package discrepancy

import (
	"math"

	"github.com/codremit/codremit/internal/domain"
)

// Severity thresholds in paise. Both the absolute and percentage bands are
// evaluated and the looser bucket wins: a small absolute error or a small
// relative error each keep the rating down on their own. A Rs 200 shortfall
// on a Rs 1,300 shipment is medium even though 15.4% alone would rate major.
const (
	minorAbsLimit  = 5000  // Rs 50
	mediumAbsLimit = 20000 // Rs 200
	majorAbsLimit  = 50000 // Rs 500

	minorPctLimit  = 5.0
	mediumPctLimit = 15.0
	majorPctLimit  = 30.0
)

// Classify maps a signed variance against the expected total to a
// discrepancy class. Positive variance is an overpayment; a shortfall of
// more than half the expected amount is a partial collection; anything
// else is a plain amount mismatch.
func Classify(difference, expected int64) domain.DiscrepancyClass {
	if difference > 0 {
		return domain.ClassOverpayment
	}
	if expected > 0 && -difference > expected/2 {
		return domain.ClassPartialCollection
	}
	return domain.ClassAmountMismatch
}

// SeverityFor buckets a variance by absolute amount and percentage jointly.
func SeverityFor(difference, expected int64) domain.DiscrepancySeverity {
	abs := difference
	if abs < 0 {
		abs = -abs
	}

	pct := math.Inf(1)
	if expected > 0 {
		pct = float64(abs) / float64(expected) * 100
	}

	absBucket := bucketByAbs(abs)
	pctBucket := bucketByPct(pct)

	// Looser bucket wins.
	if rank(absBucket) < rank(pctBucket) {
		return absBucket
	}
	return pctBucket
}

func bucketByAbs(abs int64) domain.DiscrepancySeverity {
	switch {
	case abs <= minorAbsLimit:
		return domain.SeverityMinor
	case abs <= mediumAbsLimit:
		return domain.SeverityMedium
	case abs <= majorAbsLimit:
		return domain.SeverityMajor
	default:
		return domain.SeverityCritical
	}
}

func bucketByPct(pct float64) domain.DiscrepancySeverity {
	switch {
	case pct <= minorPctLimit:
		return domain.SeverityMinor
	case pct <= mediumPctLimit:
		return domain.SeverityMedium
	case pct <= majorPctLimit:
		return domain.SeverityMajor
	default:
		return domain.SeverityCritical
	}
}

func rank(s domain.DiscrepancySeverity) int {
	switch s {
	case domain.SeverityMinor:
		return 0
	case domain.SeverityMedium:
		return 1
	case domain.SeverityMajor:
		return 2
	default:
		return 3
	}
}
