package model

import (
	"time"

	"github.com/google/uuid"

	"marketplace-billing/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Subscription tracks the provider relationship per (account, origin).
// At most one row per pair is current; later events update it in place,
// status transitions stand in for deletion.
type Subscription struct {
	ID           string
	AccountID    string
	PlanCode     string
	Status       SubscriptionStatus
	StartAt      time.Time
	EndAt        *time.Time // nil for lifetime
	Origin       SubscriptionOrigin
	ProviderTxID string // last transaction applied to this row
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSubscription creates the first subscription for an account+origin.
func NewSubscription(accountID, planCode string, origin SubscriptionOrigin, txID string, start time.Time, end *time.Time) (*Subscription, error) {
	if accountID == "" || planCode == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Subscription{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		PlanCode:     planCode,
		Status:       SubscriptionStatusActive,
		StartAt:      start,
		EndAt:        end,
		Origin:       origin,
		ProviderTxID: txID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Subscription) Lifetime() bool { return s.EndAt == nil }

// CurrentAt reports whether the subscription still grants access at t.
func (s *Subscription) CurrentAt(t time.Time) bool {
	if s.Status == SubscriptionStatusExpired {
		return false
	}
	if s.EndAt == nil {
		return true
	}
	return s.EndAt.After(t)
}
