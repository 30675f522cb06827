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

// Ensure subscriptionRepo implements repository.SubscriptionRepository
var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subColumns = `id, account_id, plan_code, status, start_at, end_at, origin, provider_tx_id, created_at, updated_at`

func (r *subscriptionRepo) Upsert(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	// (account_id, origin) is the natural key: a later event for the same
	// pair overwrites the current row rather than inserting a sibling.
	const q = `
INSERT INTO subscriptions (
  id, account_id, plan_code, status, start_at, end_at, origin, provider_tx_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (account_id, origin) DO UPDATE SET
  plan_code=$3, status=$4, start_at=$5, end_at=$6, provider_tx_id=$8, updated_at=$10;`

	_, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.AccountID, s.PlanCode, s.Status, s.StartAt, s.EndAt, s.Origin, s.ProviderTxID, s.CreatedAt, s.UpdatedAt)
	return mapError(err)
}

func (r *subscriptionRepo) FindByAccountAndOrigin(ctx context.Context, tx repository.Tx, accountID string, origin model.SubscriptionOrigin) (*model.Subscription, error) {
	q := `SELECT ` + subColumns + ` FROM subscriptions WHERE account_id=$1 AND origin=$2`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	return r.queryOne(ctx, tx, q, accountID, origin)
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	const q = `SELECT ` + subColumns + ` FROM subscriptions WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *subscriptionRepo) MarkExpired(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	const q = `
UPDATE subscriptions
   SET status='expired', updated_at=NOW()
 WHERE status IN ('active','cancelled')
   AND end_at IS NOT NULL
   AND end_at <= $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, now)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *subscriptionRepo) CountActiveByPlan(ctx context.Context, tx repository.Tx) (map[string]int, error) {
	const q = `
SELECT plan_code, COUNT(*)
  FROM subscriptions
 WHERE status='active'
 GROUP BY plan_code;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	m := make(map[string]int)
	for rows.Next() {
		var plan string
		var c int
		if err := rows.Scan(&plan, &c); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		m[plan] = c
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return m, nil
}

func (r *subscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM subscriptions GROUP BY status;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counts := make(map[model.SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		counts[model.SubscriptionStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return counts, nil
}

func (r *subscriptionRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.Subscription, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	s := &model.Subscription{}
	var status, origin string
	if err := row.Scan(&s.ID, &s.AccountID, &s.PlanCode, &status, &s.StartAt, &s.EndAt, &origin, &s.ProviderTxID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Status = model.SubscriptionStatus(status)
	s.Origin = model.SubscriptionOrigin(origin)
	return s, nil
}
