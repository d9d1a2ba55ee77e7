// Package remit implements early-payout tier eligibility and remittance
// batch construction.
package remit

import (
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// tierSpec is one accelerated tier's thresholds, fee and credit terms.
type tierSpec struct {
	tier             domain.RemitTier
	minAgeDays       int
	minMonthlyOrders float64
	maxRTOPct        float64
	maxDisputePct    float64
	feePct           float64
	ceilingMultiple  float64
	lookbackDays     int
}

// Accelerated tiers, strictest first: an account is assigned the highest
// tier whose thresholds all hold.
var tierSpecs = []tierSpec{
	{
		tier:             domain.TierNextDay,
		minAgeDays:       180,
		minMonthlyOrders: 200,
		maxRTOPct:        10,
		maxDisputePct:    1,
		feePct:           0.01,
		ceilingMultiple:  2.0,
		lookbackDays:     1,
	},
	{
		tier:             domain.TierTwoDay,
		minAgeDays:       90,
		minMonthlyOrders: 50,
		maxRTOPct:        15,
		maxDisputePct:    2,
		feePct:           0.005,
		ceilingMultiple:  1.5,
		lookbackDays:     2,
	},
}

// Evaluate derives the eligibility tier from rolling account metrics. Pure:
// always recomputed from the underlying figures, never read back from a
// stored tier. A failing account gets the standard cycle plus the reasons
// it missed acceleration, never a bare boolean.
func Evaluate(m *domain.AccountMetrics, now time.Time) *domain.EligibilityResult {
	result := &domain.EligibilityResult{
		AccountID:   m.AccountID,
		Tier:        domain.TierStandard,
		Eligible:    false,
		EvaluatedAt: now,
	}

	// With zero cash orders the RTO rate is undefined, not zero. Such an
	// account must not pass accelerated thresholds on a phantom 0% rate.
	if !m.HasCashHistory {
		result.Reasons = []string{domain.ReasonNoCashHistory}
		return result
	}

	var firstFailure []string
	for _, spec := range tierSpecs {
		reasons := spec.check(m)
		if len(reasons) == 0 {
			result.Tier = spec.tier
			result.FeePct = spec.feePct
			result.CreditCeiling = int64(spec.ceilingMultiple * float64(m.MonthlyCashValue))
			result.Eligible = true
			return result
		}
		firstFailure = reasons
	}

	// Reasons from the loosest accelerated tier: that is the one the
	// account was closest to.
	result.Reasons = firstFailure
	return result
}

func (s tierSpec) check(m *domain.AccountMetrics) []string {
	var reasons []string
	if m.AgeDays < s.minAgeDays {
		reasons = append(reasons, domain.ReasonAccountTooNew)
	}
	if m.MonthlyCashOrders < s.minMonthlyOrders {
		reasons = append(reasons, domain.ReasonVolumeTooLow)
	}
	if m.RTOPct > s.maxRTOPct {
		reasons = append(reasons, domain.ReasonRTORateTooHigh)
	}
	if m.DisputePct > s.maxDisputePct {
		reasons = append(reasons, domain.ReasonDisputeRateTooHigh)
	}
	return reasons
}

// specFor returns the accelerated spec for a tier, or nil for standard.
func specFor(tier domain.RemitTier) *tierSpec {
	for i := range tierSpecs {
		if tierSpecs[i].tier == tier {
			return &tierSpecs[i]
		}
	}
	return nil
}
