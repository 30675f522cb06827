package repository

import (
	"context"
	"time"

	"marketplace-billing/internal/domain/model"
)

// -----------------------------
// Subscriptions
// -----------------------------

type SubscriptionRepository interface {
	// Upsert keys on (account_id, origin): a later event for the same pair
	// updates the current row instead of inserting a duplicate.
	Upsert(ctx context.Context, tx Tx, s *model.Subscription) error
	FindByAccountAndOrigin(ctx context.Context, tx Tx, accountID string, origin model.SubscriptionOrigin) (*model.Subscription, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	// MarkExpired transitions active, past-end-date rows to expired.
	MarkExpired(ctx context.Context, tx Tx, now time.Time) (int, error)
	CountActiveByPlan(ctx context.Context, tx Tx) (map[string]int, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.SubscriptionStatus]int, error)
}
