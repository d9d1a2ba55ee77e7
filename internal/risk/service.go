package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// Service assembles scoring inputs from the profile store, the velocity
// counters and the pincode aggregates, runs the pure scorer, then layers
// operator flag rules on top.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	flags  *FlagEngine
	config domain.RiskConfig
}

// NewService creates a new risk scoring service.
func NewService(repo domain.Repository, cache domain.Cache, flags *FlagEngine, cfg domain.RiskConfig) *Service {
	if cfg.PincodeCacheTTL == 0 {
		cfg.PincodeCacheTTL = 6 * time.Hour
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		flags:  flags,
		config: cfg,
	}
}

// Assess scores one incoming order. The order itself is not persisted
// here; the ledger records the observation after gating.
func (s *Service) Assess(ctx context.Context, order *domain.OrderContext) (*domain.RiskAssessment, error) {
	if order == nil {
		return nil, fmt.Errorf("%w: order context is required", domain.ErrValidation)
	}
	if order.OrderID == "" || order.Phone == "" {
		return nil, fmt.Errorf("%w: order id and phone are required", domain.ErrValidation)
	}
	if order.PlacedAt.IsZero() {
		order.PlacedAt = time.Now()
	}

	identity := domain.IdentityKey(order.Phone, order.Email, order.DeviceFingerprint)

	profile, err := s.repo.GetProfile(ctx, identity)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}

	now := order.PlacedAt
	c1h, err := s.repo.CountOrderEvents(ctx, identity, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count 1h orders: %w", err)
	}
	c24h, err := s.repo.CountOrderEvents(ctx, identity, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count 24h orders: %w", err)
	}
	c7d, err := s.repo.CountOrderEvents(ctx, identity, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count 7d orders: %w", err)
	}

	pincodeRate := s.pincodeRTORate(ctx, order.Address.Pincode)

	input := ScoreInput{
		Order:          order,
		Profile:        profile,
		Orders1h:       c1h,
		Orders24h:      c24h,
		Orders7d:       c7d,
		PincodeRTORate: pincodeRate,
	}

	assessment := Score(input)

	// Operator flag rules boost on top of the factor score.
	if s.flags != nil {
		extraFlags, boost := s.flags.Evaluate(input)
		if boost > 0 || len(extraFlags) > 0 {
			assessment.Flags = append(assessment.Flags, extraFlags...)
			assessment.Score += boost
			if assessment.Score > 100 {
				assessment.Score = 100
			}
			assessment.Level, assessment.Recommendation = classify(assessment.Score)
		}
	}

	slog.Debug("order assessed",
		"order_id", order.OrderID,
		"score", assessment.Score,
		"level", assessment.Level,
		"recommendation", assessment.Recommendation,
	)

	return assessment, nil
}

// ReloadFlagRules pulls enabled flag rules from the store and hot-reloads
// the engine.
func (s *Service) ReloadFlagRules(ctx context.Context) error {
	if s.flags == nil {
		return nil
	}
	rules, err := s.repo.ListFlagRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list flag rules: %w", err)
	}
	if err := s.flags.LoadRules(rules); err != nil {
		return err
	}
	slog.Info("flag rules loaded", "count", s.flags.RulesCount())
	return nil
}

// pincodeRTORate returns the cached rolling RTO percentage for a pincode.
// Falls back to a neutral 50 when the pincode has no history or the
// lookup fails; scoring must not depend on the aggregate being available.
func (s *Service) pincodeRTORate(ctx context.Context, pincode string) float64 {
	if pincode == "" {
		return 50
	}

	cacheKey := "pincode:" + pincode

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey); err == nil && raw != nil {
			var stats domain.PincodeStats
			if err := json.Unmarshal(raw, &stats); err == nil {
				return rateFromStats(&stats)
			}
		}
	}

	stats, err := s.repo.GetPincodeStats(ctx, pincode)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("pincode stats lookup failed", "pincode", pincode, "error", err)
		}
		return 50
	}

	if s.cache != nil && stats != nil {
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.cache.Set(ctx, cacheKey, raw, s.config.PincodeCacheTTL)
		}
	}

	return rateFromStats(stats)
}

func rateFromStats(stats *domain.PincodeStats) float64 {
	if stats == nil || stats.Orders == 0 {
		return 50
	}
	return float64(stats.RTO) / float64(stats.Orders) * 100
}
