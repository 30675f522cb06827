package repository

import (
	"context"
	"time"

	"marketplace-billing/internal/domain/model"
)

// -----------------------------
// Inbound events
// -----------------------------

type EventRepository interface {
	// Insert persists a new event. When e.ProviderTxID is non-empty and a row
	// with the same transaction id already exists, the insert is a no-op and
	// Insert returns (false, nil): re-delivery must never create a duplicate.
	Insert(ctx context.Context, tx Tx, e *model.InboundEvent) (created bool, err error)

	FindByID(ctx context.Context, tx Tx, id string) (*model.InboundEvent, error)
	FindByProviderTxID(ctx context.Context, tx Tx, txID string) (*model.InboundEvent, error)

	// MarkProcessing flips received/error -> processing. A processing row is
	// re-claimable once its last update is at or before staleBefore: the
	// worker that held it crashed or lost its storage connection mid-attempt.
	// Returns false when the event was not in a re-drivable state.
	MarkProcessing(ctx context.Context, tx Tx, id string, staleBefore time.Time) (bool, error)
	MarkProcessed(ctx context.Context, tx Tx, id string) error
	// MarkError records a failure. countAttempt controls whether the attempt
	// counter advances (infrastructure-level failures are not charged).
	MarkError(ctx context.Context, tx Tx, id string, detail string, countAttempt bool, nextAttemptAt *time.Time) error
	// MarkPermanentError parks the event so the sweep never retries it.
	MarkPermanentError(ctx context.Context, tx Tx, id string, detail string) error
	// Requeue resets an errored event for another pass (operator action):
	// status back to received, attempt counter, backoff and permanent flag
	// cleared.
	Requeue(ctx context.Context, tx Tx, id string) error

	// ListDue returns retryable events: received/error rows whose attempt
	// count is below maxAttempts and whose next attempt time has passed, plus
	// processing rows not updated since staleBefore (orphaned by a dead
	// worker). Permanent rows are never returned.
	ListDue(ctx context.Context, tx Tx, now, staleBefore time.Time, maxAttempts, limit int) ([]*model.InboundEvent, error)
	ListByStatus(ctx context.Context, tx Tx, status model.EventStatus, offset, limit int) ([]*model.InboundEvent, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.EventStatus]int, error)
}
