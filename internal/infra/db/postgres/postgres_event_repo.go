package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

// Ensure eventRepo implements repository.EventRepository
var _ repository.EventRepository = (*eventRepo)(nil)

type eventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *eventRepo {
	return &eventRepo{pool: pool}
}

const eventColumns = `id, provider_tx_id, email, payload, status, error_detail, attempts, permanent, next_attempt_at, created_at, updated_at`

func (r *eventRepo) Insert(ctx context.Context, tx repository.Tx, e *model.InboundEvent) (bool, error) {
	// ON CONFLICT DO NOTHING on the natural key makes provider re-delivery a
	// no-op; RowsAffected tells us which case we hit.
	const q = `
INSERT INTO inbound_events (
  id, provider_tx_id, email, payload, status, error_detail, attempts, permanent, next_attempt_at, created_at, updated_at
) VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (provider_tx_id) DO NOTHING;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		e.ID, e.ProviderTxID, e.Email, e.Payload, e.Status, e.ErrorDetail, e.Attempts, e.Permanent, e.NextAttemptAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *eventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.InboundEvent, error) {
	const q = `SELECT ` + eventColumns + ` FROM inbound_events WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *eventRepo) FindByProviderTxID(ctx context.Context, tx repository.Tx, txID string) (*model.InboundEvent, error) {
	const q = `SELECT ` + eventColumns + ` FROM inbound_events WHERE provider_tx_id=$1 LIMIT 1;`
	return r.queryOne(ctx, tx, q, txID)
}

func (r *eventRepo) MarkProcessing(ctx context.Context, tx repository.Tx, id string, staleBefore time.Time) (bool, error) {
	// A processing row whose last update predates staleBefore was orphaned by
	// a dead worker and may be claimed again.
	const q = `
UPDATE inbound_events
   SET status='processing', updated_at=NOW()
 WHERE id=$1
   AND (status IN ('received','error')
        OR (status='processing' AND updated_at <= $2));`
	tag, err := execSQL(ctx, r.pool, tx, q, id, staleBefore)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *eventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, id string) error {
	const q = `
UPDATE inbound_events
   SET status='processed', error_detail=NULL, next_attempt_at=NULL, updated_at=NOW()
 WHERE id=$1;`
	if _, err := execSQL(ctx, r.pool, tx, q, id); err != nil {
		return mapError(err)
	}
	return nil
}

func (r *eventRepo) MarkError(ctx context.Context, tx repository.Tx, id string, detail string, countAttempt bool, nextAttemptAt *time.Time) error {
	const q = `
UPDATE inbound_events
   SET status='error',
       error_detail=$2,
       attempts=attempts + CASE WHEN $3 THEN 1 ELSE 0 END,
       next_attempt_at=$4,
       updated_at=NOW()
 WHERE id=$1;`
	if _, err := execSQL(ctx, r.pool, tx, q, id, detail, countAttempt, nextAttemptAt); err != nil {
		return mapError(err)
	}
	return nil
}

func (r *eventRepo) MarkPermanentError(ctx context.Context, tx repository.Tx, id string, detail string) error {
	const q = `
UPDATE inbound_events
   SET status='error', error_detail=$2, permanent=TRUE, next_attempt_at=NULL, updated_at=NOW()
 WHERE id=$1;`
	if _, err := execSQL(ctx, r.pool, tx, q, id, detail); err != nil {
		return mapError(err)
	}
	return nil
}

func (r *eventRepo) Requeue(ctx context.Context, tx repository.Tx, id string) error {
	const q = `
UPDATE inbound_events
   SET status='received', attempts=0, permanent=FALSE, next_attempt_at=NULL, updated_at=NOW()
 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *eventRepo) ListDue(ctx context.Context, tx repository.Tx, now, staleBefore time.Time, maxAttempts, limit int) ([]*model.InboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	// Processing rows not updated since staleBefore were orphaned mid-attempt
	// (worker crash, storage outage before the error bookkeeping) and go back
	// into the sweep; without this clause they would be stranded forever.
	const q = `
SELECT ` + eventColumns + `
  FROM inbound_events
 WHERE NOT permanent
   AND attempts < $3
   AND ((status IN ('received','error') AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
        OR (status='processing' AND updated_at <= $2))
 ORDER BY created_at ASC
 LIMIT $4;`
	return r.queryMany(ctx, tx, q, now, staleBefore, maxAttempts, limit)
}

func (r *eventRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.EventStatus, offset, limit int) ([]*model.InboundEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const q = `
SELECT ` + eventColumns + `
  FROM inbound_events
 WHERE ($1 = '' OR status = $1)
 ORDER BY created_at DESC
 OFFSET $2 LIMIT $3;`
	return r.queryMany(ctx, tx, q, string(status), offset, limit)
}

func (r *eventRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.EventStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM inbound_events GROUP BY status;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counts := make(map[model.EventStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		counts[model.EventStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return counts, nil
}

func (r *eventRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.InboundEvent, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	return scanEvent(row)
}

func (r *eventRepo) queryMany(ctx context.Context, tx repository.Tx, sql string, args ...any) ([]*model.InboundEvent, error) {
	rows, err := queryRows(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.InboundEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*model.InboundEvent, error) {
	e := &model.InboundEvent{}
	var status string
	var txID *string
	if err := row.Scan(&e.ID, &txID, &e.Email, &e.Payload, &status, &e.ErrorDetail, &e.Attempts, &e.Permanent, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if txID != nil {
		e.ProviderTxID = *txID
	}
	e.Status = model.EventStatus(status)
	return e, nil
}
