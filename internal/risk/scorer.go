// Package risk implements the order risk scorer for cash collection gating.
package risk

import (
	"regexp"
	"strings"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// Factor weights. Each factor contributes weight * badness where
// badness is normalized to [0, 1].
const (
	weightHistory    = 30.0
	weightPhone      = 15.0
	weightAddress    = 15.0
	weightOrderValue = 10.0
	weightVelocity   = 15.0
	weightTimeOfDay  = 5.0
	weightPincode    = 10.0
)

// Score thresholds mapping the 0-100 total to a level and recommendation.
const (
	thresholdLow    = 30.0
	thresholdMedium = 50.0
	thresholdHigh   = 70.0
)

// Order value bands in paise. Below the floor the factor is silent;
// above the ceiling it saturates.
const (
	orderValueFloor   = 200000  // Rs 2,000
	orderValueCeiling = 1000000 // Rs 10,000
)

// Velocity thresholds per trailing window.
const (
	velocityMax1h  = 2  // more than this in 1h saturates the factor
	velocityMax24h = 5
	velocityMax7d  = 15
)

// indianMobile matches a 10-digit mobile number starting 6-9, after
// normalization strips separators and the country code.
var indianMobile = regexp.MustCompile(`^[6-9][0-9]{9}$`)

// vagueMarkers are relative location words that, without any structured
// sub-field, make an address undeliverable in practice.
var vagueMarkers = []string{"near", "opposite", "behind", "beside", "in front of"}

// ScoreInput is everything the pure scoring function consumes. The caller
// assembles it from the profile store, the velocity counters and the
// pincode aggregate; Score itself touches no external state.
type ScoreInput struct {
	Order   *domain.OrderContext
	Profile *domain.CustomerRiskProfile // nil for a never-seen identity

	// Velocity counts for the identity in trailing windows.
	Orders1h  int64
	Orders24h int64
	Orders7d  int64

	// PincodeRTORate is the rolling RTO percentage (0-100) for the
	// destination pincode; neutral 50 when no history exists.
	PincodeRTORate float64
}

// Score computes the weighted risk score for one order. Deterministic and
// side-effect free.
func Score(in ScoreInput) *domain.RiskAssessment {
	var total float64
	var flags []string

	// An active blacklist overrides everything.
	if in.Profile != nil && in.Profile.BlacklistActive(in.Order.PlacedAt) {
		return &domain.RiskAssessment{
			OrderID:        in.Order.OrderID,
			Score:          100,
			Level:          domain.RiskCritical,
			Flags:          []string{"blacklisted"},
			Recommendation: domain.RecommendBlock,
			AssessedAt:     time.Now(),
		}
	}

	// History factor.
	historyBadness, historyFlags := historyFactor(in.Profile)
	total += weightHistory * historyBadness
	flags = append(flags, historyFlags...)

	// Phone format factor.
	phoneBadness, phoneFlags := phoneFactor(in.Order.Phone)
	total += weightPhone * phoneBadness
	flags = append(flags, phoneFlags...)

	// Address completeness factor.
	addrBadness, addrFlags := addressFactor(in.Order.Address)
	total += weightAddress * addrBadness
	flags = append(flags, addrFlags...)

	// Order value factor.
	valueBadness := orderValueFactor(in.Order.OrderValue)
	total += weightOrderValue * valueBadness
	if valueBadness >= 0.5 {
		flags = append(flags, "high_order_value")
	}

	// Velocity factor.
	velBadness := velocityFactor(in.Orders1h, in.Orders24h, in.Orders7d)
	total += weightVelocity * velBadness
	if velBadness >= 1.0 {
		flags = append(flags, "velocity_exceeded")
	} else if velBadness > 0.5 {
		flags = append(flags, "elevated_velocity")
	}

	// Time-of-day factor.
	todBadness := timeOfDayFactor(in.Order.PlacedAt)
	total += weightTimeOfDay * todBadness
	if todBadness > 0 {
		flags = append(flags, "odd_hour_order")
	}

	// Pincode RTO factor.
	pinBadness := in.PincodeRTORate / 100
	if pinBadness < 0 {
		pinBadness = 0
	}
	if pinBadness > 1 {
		pinBadness = 1
	}
	total += weightPincode * pinBadness
	if pinBadness > 0.6 {
		flags = append(flags, "high_risk_pincode")
	}

	if total > 100 {
		total = 100
	}

	level, rec := classify(total)

	return &domain.RiskAssessment{
		OrderID:        in.Order.OrderID,
		Score:          total,
		Level:          level,
		Flags:          flags,
		Recommendation: rec,
		AssessedAt:     time.Now(),
	}
}

func classify(score float64) (domain.RiskLevel, domain.Recommendation) {
	switch {
	case score <= thresholdLow:
		return domain.RiskLow, domain.RecommendAllow
	case score <= thresholdMedium:
		return domain.RiskMedium, domain.RecommendVerify
	case score <= thresholdHigh:
		return domain.RiskHigh, domain.RecommendDisableCash
	default:
		return domain.RiskCritical, domain.RecommendBlock
	}
}

// historyFactor scores the identity's track record. A never-seen identity
// is maximally uncertain; an identity with orders but no completed cash
// collections has no RTO rate to lean on, which is riskier than a clean
// history but safer than a stranger.
func historyFactor(p *domain.CustomerRiskProfile) (float64, []string) {
	if p == nil || p.TotalOrders == 0 {
		return 1.0, []string{"new_customer"}
	}

	rate, ok := p.RTORate()
	if !ok {
		return 0.6, []string{"no_cash_history"}
	}

	// RTO rate of 50%+ saturates the factor.
	badness := rate / 0.5
	if badness > 1 {
		badness = 1
	}

	var flags []string
	if rate > 0.3 {
		flags = append(flags, "high_rto_rate")
	}
	return badness, flags
}

// phoneFactor validates the destination phone. A format failure is fully
// invalid; 8+ repeated consecutive digits is suspicious but only a
// partial penalty.
func phoneFactor(phone string) (float64, []string) {
	normalized := normalizeDigits(phone)

	if !indianMobile.MatchString(normalized) {
		return 1.0, []string{"invalid_phone"}
	}

	if hasRepeatedDigits(normalized, 8) {
		return 0.5, []string{"suspicious_phone_pattern"}
	}

	return 0, nil
}

func normalizeDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) == 12 && strings.HasPrefix(s, "91") {
		s = s[2:]
	}
	if len(s) == 11 && strings.HasPrefix(s, "0") {
		s = s[1:]
	}
	return s
}

func hasRepeatedDigits(s string, n int) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// addressFactor awards points for structured sub-fields and penalizes
// free text that only locates the destination relative to a landmark.
func addressFactor(a domain.Address) (float64, []string) {
	fields := 0
	present := 0

	check := func(v string) {
		fields++
		if strings.TrimSpace(v) != "" {
			present++
		}
	}
	check(a.House)
	check(a.Street)
	check(a.Locality)
	check(a.City)
	check(a.State)

	fields++
	if validPincode(a.Pincode) {
		present++
	}

	badness := 1.0 - float64(present)/float64(fields)

	var flags []string
	if present == 0 && containsVagueMarker(a.FreeText) {
		badness += 0.3
		if badness > 1 {
			badness = 1
		}
		flags = append(flags, "vague_address")
	}
	if badness > 0.5 {
		flags = append(flags, "incomplete_address")
	}

	return badness, flags
}

func validPincode(p string) bool {
	if len(p) != 6 {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	// Indian pincodes never start with 0.
	return p[0] != '0'
}

func containsVagueMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range vagueMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// orderValueFactor scales linearly between the floor and ceiling bands.
func orderValueFactor(value int64) float64 {
	if value <= orderValueFloor {
		return 0
	}
	if value >= orderValueCeiling {
		return 1
	}
	return float64(value-orderValueFloor) / float64(orderValueCeiling-orderValueFloor)
}

// velocityFactor takes the worst of the three window ratios. More than
// velocityMax1h orders in the trailing hour saturates immediately.
func velocityFactor(c1h, c24h, c7d int64) float64 {
	if c1h > velocityMax1h {
		return 1
	}

	worst := float64(c1h) / float64(velocityMax1h+1)
	if r := float64(c24h) / float64(velocityMax24h+1); r > worst {
		worst = r
	}
	if r := float64(c7d) / float64(velocityMax7d+1); r > worst {
		worst = r
	}
	if worst > 1 {
		worst = 1
	}
	return worst
}

// timeOfDayFactor flags orders placed between midnight and 6am.
func timeOfDayFactor(placedAt time.Time) float64 {
	h := placedAt.Hour()
	if h >= 0 && h < 6 {
		return 1
	}
	return 0
}
