package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RiskLevel buckets a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// CustomerRiskProfile is the per-identity risk aggregate. Keyed by a stable
// hash over phone, email and device fingerprint so unrelated customers are
// never serialized behind one another. Updated with compare-and-set; never
// hard-deleted (retained for audit).
type CustomerRiskProfile struct {
	IdentityKey string `json:"identityKey"`

	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`

	DeviceFingerprints []string `json:"deviceFingerprints,omitempty"`

	TotalOrders  int64 `json:"totalOrders"`
	CashOrders   int64 `json:"cashOrders"`
	RTOCount     int64 `json:"rtoCount"`
	Delivered    int64 `json:"delivered"`
	DisputeCount int64 `json:"disputeCount"`

	Score float64   `json:"score"`
	Level RiskLevel `json:"level"`

	Blacklisted     bool       `json:"blacklisted"`
	BlacklistExpiry *time.Time `json:"blacklistExpiry,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version is the optimistic concurrency token for CAS updates.
	Version int64 `json:"version"`
}

// RTORate returns the return-to-origin rate and whether it is defined.
// With zero cash orders the rate is undefined ("insufficient history"),
// never zero: a fresh identity must not score as perfectly safe.
func (p *CustomerRiskProfile) RTORate() (float64, bool) {
	if p.CashOrders == 0 {
		return 0, false
	}
	return float64(p.RTOCount) / float64(p.CashOrders), true
}

// BlacklistActive reports whether the blacklist flag is in force at t.
func (p *CustomerRiskProfile) BlacklistActive(t time.Time) bool {
	if !p.Blacklisted {
		return false
	}
	if p.BlacklistExpiry == nil {
		return true
	}
	return t.Before(*p.BlacklistExpiry)
}

// HasDevice reports whether fp was previously observed for this identity.
func (p *CustomerRiskProfile) HasDevice(fp string) bool {
	for _, d := range p.DeviceFingerprints {
		if d == fp {
			return true
		}
	}
	return false
}

// IdentityKey derives the stable profile key from customer identifiers.
// Normalization keeps the key stable across formatting variants.
func IdentityKey(phone, email, device string) string {
	h := sha256.New()
	h.Write([]byte(normalizePhone(phone)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(device)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	// Strip country code and trunk prefix so +91-98... and 098... collide.
	if len(s) == 12 && strings.HasPrefix(s, "91") {
		s = s[2:]
	}
	if len(s) == 11 && strings.HasPrefix(s, "0") {
		s = s[1:]
	}
	return s
}
