package model

import (
	"time"

	"github.com/google/uuid"

	"marketplace-billing/internal/domain"
)

// PlanMapping links an external (product, offer) pair to an internal plan.
// OfferID "" means the mapping covers every offer of the product; resolution
// prefers the offer-specific row when both exist.
type PlanMapping struct {
	ID           string
	ProductID    string
	OfferID      string
	PlanCode     string
	Tier         AccessTier
	DurationDays *int // nil means lifetime access
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewPlanMapping validates and constructs a mapping.
func NewPlanMapping(productID, offerID, planCode string, tier AccessTier, durationDays *int) (*PlanMapping, error) {
	if productID == "" || planCode == "" {
		return nil, domain.ErrInvalidArgument
	}
	if durationDays != nil && *durationDays <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	if tier == "" {
		tier = TierPremium
	}
	now := time.Now()
	return &PlanMapping{
		ID:           uuid.NewString(),
		ProductID:    productID,
		OfferID:      offerID,
		PlanCode:     planCode,
		Tier:         tier,
		DurationDays: durationDays,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (m *PlanMapping) Lifetime() bool { return m.DurationDays == nil }

// Duration returns the entitlement length; zero for lifetime mappings.
func (m *PlanMapping) Duration() time.Duration {
	if m.DurationDays == nil {
		return 0
	}
	return time.Duration(*m.DurationDays) * 24 * time.Hour
}
