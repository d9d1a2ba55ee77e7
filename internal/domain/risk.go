package domain

import "time"

// Recommendation is the gating decision for a cash-collectible order.
type Recommendation string

const (
	RecommendAllow       Recommendation = "allow"
	RecommendVerify      Recommendation = "require_verification"
	RecommendDisableCash Recommendation = "disable_cash_collection"
	RecommendBlock       Recommendation = "block"
)

// Address is the structured destination address. Free-form text plus
// whatever structured sub-fields the order form captured.
type Address struct {
	FreeText string `json:"freeText"`
	House    string `json:"house,omitempty"`
	Street   string `json:"street,omitempty"`
	Locality string `json:"locality,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Pincode  string `json:"pincode,omitempty"`
}

// OrderContext is everything the risk scorer sees about one incoming order.
type OrderContext struct {
	OrderID   string `json:"orderId"`
	AccountID string `json:"accountId"`

	Phone             string `json:"phone"`
	Email             string `json:"email,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	Address Address `json:"address"`

	// OrderValue in integer paise.
	OrderValue int64 `json:"orderValue"`

	PlacedAt time.Time `json:"placedAt"`
}

// RiskAssessment is the scorer output: a 0-100 score, its level bucket, the
// factor flags that contributed, and the gating recommendation. The score
// and flags stay internal; blocked customers only ever see a generic
// "payment method unavailable".
type RiskAssessment struct {
	OrderID        string         `json:"orderId"`
	Score          float64        `json:"score"`
	Level          RiskLevel      `json:"level"`
	Flags          []string       `json:"flags,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	AssessedAt     time.Time      `json:"assessedAt"`
}

// FlagRule is an operator-defined CEL expression evaluated against the order
// context. A matched rule appends its flag and adds Boost to the score.
type FlagRule struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Flag       string  `json:"flag"`
	Boost      float64 `json:"boost"`
	Enabled    bool    `json:"enabled"`
}
