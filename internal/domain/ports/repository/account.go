package repository

import (
	"context"
	"time"

	"marketplace-billing/internal/domain/model"
)

// -----------------------------
// Accounts
// -----------------------------

type AccountRepository interface {
	// Create inserts a new account. The unique email constraint is the
	// arbiter for concurrent creation: a duplicate insert returns
	// domain.ErrAlreadyExists and the caller re-reads.
	Create(ctx context.Context, tx Tx, a *model.Account) error
	Save(ctx context.Context, tx Tx, a *model.Account) error
	FindByEmail(ctx context.Context, tx Tx, email string) (*model.Account, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Account, error)
	// UpdateAccess writes the three access fields the rest of the application
	// reads. Values are absolute, never deltas.
	UpdateAccess(ctx context.Context, tx Tx, id string, tier model.AccessTier, startAt, expiresAt *time.Time, lifetime bool) error
	// AdvisoryLock serializes reconciliation per account key for the duration
	// of the surrounding transaction. No-op outside a transaction.
	AdvisoryLock(ctx context.Context, tx Tx, key string) error
	// DemoteExpired drops non-lifetime accounts whose expiration passed back
	// to the free tier, returning how many rows changed.
	DemoteExpired(ctx context.Context, tx Tx, now time.Time) (int, error)
	Count(ctx context.Context, tx Tx) (int, error)
}
