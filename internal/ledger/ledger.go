// Package ledger maintains the per-customer risk aggregates that feed the
// risk scorer: order observations, delivery outcomes and blacklisting.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codremit/codremit/internal/domain"
)

// maxCASRetries bounds optimistic-concurrency retries on a profile.
// Contention on one identity is rare; three attempts is plenty.
const maxCASRetries = 3

// Outcome is a terminal delivery result for one cash order.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRTO       Outcome = "rto"
	OutcomeDisputed  Outcome = "disputed"
)

// Service is the customer risk ledger.
type Service struct {
	repo     domain.Repository
	notifier domain.Notifier
}

// NewService creates a new ledger service. The notifier may be nil; order
// recording then skips verification requests.
func NewService(repo domain.Repository, notifier domain.Notifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

// RecordOrder registers one accepted cash order against the customer's
// profile and the velocity event log. Creates the profile on first sight.
// Unrelated identities never contend: updates are compare-and-set on the
// profile's version, retried with fresh state on conflict.
func (s *Service) RecordOrder(ctx context.Context, order *domain.OrderContext, assessment *domain.RiskAssessment) error {
	if order == nil {
		return fmt.Errorf("%w: order context is required", domain.ErrValidation)
	}

	identity := domain.IdentityKey(order.Phone, order.Email, order.DeviceFingerprint)

	event := &domain.OrderEvent{
		ID:          uuid.New().String(),
		IdentityKey: identity,
		AccountID:   order.AccountID,
		Pincode:     order.Address.Pincode,
		Amount:      order.OrderValue,
		CreatedAt:   order.PlacedAt,
	}
	if err := s.repo.AppendOrderEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append order event: %w", err)
	}

	// The hold-and-confirm loop is the storefront's; this side only asks.
	if s.notifier != nil && assessment != nil && assessment.Recommendation == domain.RecommendVerify {
		if err := s.notifier.VerificationRequest(ctx, order.Phone, order.OrderID); err != nil {
			slog.Warn("failed to request verification", "order_id", order.OrderID, "error", err)
		}
	}

	return s.mutateProfile(ctx, identity, func(p *domain.CustomerRiskProfile) {
		if p.Phone == "" {
			p.Phone = order.Phone
		}
		if p.Email == "" {
			p.Email = order.Email
		}
		if order.DeviceFingerprint != "" && !p.HasDevice(order.DeviceFingerprint) {
			p.DeviceFingerprints = append(p.DeviceFingerprints, order.DeviceFingerprint)
		}

		p.TotalOrders++
		p.CashOrders++

		if assessment != nil {
			p.Score = assessment.Score
			p.Level = assessment.Level
		}
	})
}

// RecordOutcome applies a terminal delivery result to the profile and the
// destination pincode's rolling aggregate.
func (s *Service) RecordOutcome(ctx context.Context, identityKey, pincode string, outcome Outcome) error {
	if identityKey == "" {
		return fmt.Errorf("%w: identity key is required", domain.ErrValidation)
	}

	err := s.mutateProfile(ctx, identityKey, func(p *domain.CustomerRiskProfile) {
		switch outcome {
		case OutcomeDelivered:
			p.Delivered++
		case OutcomeRTO:
			p.RTOCount++
		case OutcomeDisputed:
			p.DisputeCount++
		}
	})
	if err != nil {
		return err
	}

	if pincode != "" && (outcome == OutcomeDelivered || outcome == OutcomeRTO) {
		if err := s.repo.RecordPincodeOutcome(ctx, pincode, outcome == OutcomeRTO); err != nil {
			slog.Warn("failed to record pincode outcome", "pincode", pincode, "error", err)
		}
	}

	return nil
}

// Blacklist flags an identity, optionally until expiry. A nil expiry is
// permanent. Profiles are never hard-deleted; expiry is the only way off
// the list besides Unblacklist.
func (s *Service) Blacklist(ctx context.Context, identityKey string, expiry *time.Time) error {
	return s.mutateProfile(ctx, identityKey, func(p *domain.CustomerRiskProfile) {
		p.Blacklisted = true
		p.BlacklistExpiry = expiry
	})
}

// Unblacklist clears the blacklist flag.
func (s *Service) Unblacklist(ctx context.Context, identityKey string) error {
	return s.mutateProfile(ctx, identityKey, func(p *domain.CustomerRiskProfile) {
		p.Blacklisted = false
		p.BlacklistExpiry = nil
	})
}

// GetProfile returns the profile for an identity, or ErrNotFound.
func (s *Service) GetProfile(ctx context.Context, identityKey string) (*domain.CustomerRiskProfile, error) {
	return s.repo.GetProfile(ctx, identityKey)
}

// mutateProfile runs a read-mutate-CAS loop against one profile, creating
// it when absent.
func (s *Service) mutateProfile(ctx context.Context, identityKey string, mutate func(*domain.CustomerRiskProfile)) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		p, err := s.repo.GetProfile(ctx, identityKey)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to load profile: %w", err)
		}

		if p == nil {
			now := time.Now()
			p = &domain.CustomerRiskProfile{
				IdentityKey: identityKey,
				Level:       domain.RiskLow,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			mutate(p)
			err = s.repo.SaveProfile(ctx, p)
			if err == nil {
				return nil
			}
			// Insert lost to a concurrent first-sight writer; the next
			// attempt finds the row and retries as an update.
			slog.Debug("profile insert raced", "identity", identityKey, "error", err)
			continue
		}

		mutate(p)
		p.UpdatedAt = time.Now()

		err = s.repo.UpdateProfile(ctx, p)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}

	return fmt.Errorf("%w: profile %s update contended %d times", domain.ErrConflict, identityKey, maxCASRetries)
}
