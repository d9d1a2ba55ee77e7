package risk

import (
	"testing"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

func cleanOrder() *domain.OrderContext {
	return &domain.OrderContext{
		OrderID:   "ord-001",
		AccountID: "acc-001",
		Phone:     "+91 98765 43210",
		Address: domain.Address{
			FreeText: "12 MG Road, Indiranagar, Bengaluru",
			House:    "12",
			Street:   "MG Road",
			Locality: "Indiranagar",
			City:     "Bengaluru",
			State:    "Karnataka",
			Pincode:  "560038",
		},
		OrderValue: 100000, // Rs 1,000
		PlacedAt:   time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

func goodProfile() *domain.CustomerRiskProfile {
	return &domain.CustomerRiskProfile{
		IdentityKey: "id-001",
		TotalOrders: 20,
		CashOrders:  15,
		RTOCount:    0,
	}
}

func TestScoreCleanRepeatCustomer(t *testing.T) {
	a := Score(ScoreInput{
		Order:          cleanOrder(),
		Profile:        goodProfile(),
		PincodeRTORate: 5,
	})

	if a.Recommendation != domain.RecommendAllow {
		t.Errorf("expected allow, got %s (score %.1f, flags %v)", a.Recommendation, a.Score, a.Flags)
	}
	if a.Level != domain.RiskLow {
		t.Errorf("expected low, got %s", a.Level)
	}
}

func TestScoreNewCustomer(t *testing.T) {
	// No profile: the history factor contributes its full 30 points.
	a := Score(ScoreInput{
		Order:          cleanOrder(),
		PincodeRTORate: 50,
	})

	// 30 history + 5 neutral pincode.
	if a.Score != 35 {
		t.Errorf("expected score 35, got %.1f", a.Score)
	}
	if a.Recommendation != domain.RecommendVerify {
		t.Errorf("expected require_verification, got %s", a.Recommendation)
	}
	if !hasFlag(a.Flags, "new_customer") {
		t.Errorf("expected new_customer flag, got %v", a.Flags)
	}
}

func TestScoreBlacklistOverridesEverything(t *testing.T) {
	p := goodProfile()
	p.Blacklisted = true

	a := Score(ScoreInput{Order: cleanOrder(), Profile: p})

	if a.Score != 100 {
		t.Errorf("expected score 100, got %.1f", a.Score)
	}
	if a.Recommendation != domain.RecommendBlock {
		t.Errorf("expected block, got %s", a.Recommendation)
	}
	if !hasFlag(a.Flags, "blacklisted") {
		t.Errorf("expected blacklisted flag, got %v", a.Flags)
	}
}

func TestScoreExpiredBlacklist(t *testing.T) {
	p := goodProfile()
	p.Blacklisted = true
	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.BlacklistExpiry = &expiry

	a := Score(ScoreInput{Order: cleanOrder(), Profile: p, PincodeRTORate: 5})

	if a.Recommendation == domain.RecommendBlock {
		t.Error("expired blacklist must not block")
	}
}

func TestScoreInvalidPhone(t *testing.T) {
	order := cleanOrder()
	order.Phone = "12345"

	a := Score(ScoreInput{Order: order, Profile: goodProfile(), PincodeRTORate: 5})

	if !hasFlag(a.Flags, "invalid_phone") {
		t.Errorf("expected invalid_phone flag, got %v", a.Flags)
	}
}

func TestScoreSuspiciousPhonePattern(t *testing.T) {
	order := cleanOrder()
	order.Phone = "9999999912"

	a := Score(ScoreInput{Order: order, Profile: goodProfile(), PincodeRTORate: 5})

	if !hasFlag(a.Flags, "suspicious_phone_pattern") {
		t.Errorf("expected suspicious_phone_pattern flag, got %v", a.Flags)
	}
	if hasFlag(a.Flags, "invalid_phone") {
		t.Errorf("a repeated but well-formed number is not invalid, got %v", a.Flags)
	}
}

func TestScoreVagueAddress(t *testing.T) {
	order := cleanOrder()
	order.Address = domain.Address{FreeText: "near the big temple, ask anyone"}

	a := Score(ScoreInput{Order: order, Profile: goodProfile(), PincodeRTORate: 5})

	if !hasFlag(a.Flags, "vague_address") {
		t.Errorf("expected vague_address flag, got %v", a.Flags)
	}
	if !hasFlag(a.Flags, "incomplete_address") {
		t.Errorf("expected incomplete_address flag, got %v", a.Flags)
	}
}

func TestScoreVelocitySaturation(t *testing.T) {
	a := Score(ScoreInput{
		Order:          cleanOrder(),
		Profile:        goodProfile(),
		Orders1h:       3,
		PincodeRTORate: 5,
	})

	if !hasFlag(a.Flags, "velocity_exceeded") {
		t.Errorf("expected velocity_exceeded flag, got %v", a.Flags)
	}
}

func TestScoreOddHour(t *testing.T) {
	order := cleanOrder()
	order.PlacedAt = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

	a := Score(ScoreInput{Order: order, Profile: goodProfile(), PincodeRTORate: 5})

	if !hasFlag(a.Flags, "odd_hour_order") {
		t.Errorf("expected odd_hour_order flag, got %v", a.Flags)
	}
}

func TestOrderValueFactorBands(t *testing.T) {
	if got := orderValueFactor(100000); got != 0 {
		t.Errorf("below floor should be 0, got %v", got)
	}
	if got := orderValueFactor(2000000); got != 1 {
		t.Errorf("above ceiling should be 1, got %v", got)
	}
	if got := orderValueFactor(600000); got != 0.5 {
		t.Errorf("midpoint should be 0.5, got %v", got)
	}
}

func TestNormalizeDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+91 98765 43210", "9876543210"},
		{"09876543210", "9876543210"},
		{"98765-43210", "9876543210"},
	}
	for _, tt := range tests {
		if got := normalizeDigits(tt.in); got != tt.want {
			t.Errorf("normalizeDigits(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFlagEngineBoost(t *testing.T) {
	engine, err := NewFlagEngine()
	if err != nil {
		t.Fatalf("failed to create flag engine: %v", err)
	}

	err = engine.LoadRules([]*domain.FlagRule{
		{
			ID:         "big-order",
			Name:       "Big order",
			Expression: "order_value > 500000",
			Flag:       "big_order",
			Boost:      10,
			Enabled:    true,
		},
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	order := cleanOrder()
	order.OrderValue = 600000
	flags, boost := engine.Evaluate(ScoreInput{Order: order})

	if len(flags) != 1 || flags[0] != "big_order" {
		t.Errorf("expected [big_order], got %v", flags)
	}
	if boost != 10 {
		t.Errorf("expected boost 10, got %v", boost)
	}

	order.OrderValue = 100000
	flags, boost = engine.Evaluate(ScoreInput{Order: order})
	if len(flags) != 0 || boost != 0 {
		t.Errorf("expected no match, got %v boost %v", flags, boost)
	}
}

func TestFlagEngineRejectsNonBoolRule(t *testing.T) {
	engine, _ := NewFlagEngine()

	err := engine.ValidateRule(&domain.FlagRule{
		ID:         "bad",
		Name:       "Bad",
		Expression: "order_value + 1",
		Flag:       "bad",
		Enabled:    true,
	})
	if err == nil {
		t.Error("expected error for non-boolean expression")
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
