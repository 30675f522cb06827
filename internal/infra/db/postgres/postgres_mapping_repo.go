package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

// Ensure mappingRepo implements repository.PlanMappingRepository
var _ repository.PlanMappingRepository = (*mappingRepo)(nil)

type mappingRepo struct {
	pool *pgxpool.Pool
}

func NewPlanMappingRepo(pool *pgxpool.Pool) *mappingRepo {
	return &mappingRepo{pool: pool}
}

const mappingColumns = `id, product_id, offer_id, plan_code, tier, duration_days, active, created_at, updated_at`

func (r *mappingRepo) Save(ctx context.Context, tx repository.Tx, m *model.PlanMapping) error {
	const q = `
INSERT INTO plan_mappings (
  id, product_id, offer_id, plan_code, tier, duration_days, active, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  product_id=$2, offer_id=$3, plan_code=$4, tier=$5, duration_days=$6, active=$7, updated_at=$9;`

	_, err := execSQL(ctx, r.pool, tx, q,
		m.ID, m.ProductID, m.OfferID, m.PlanCode, m.Tier, m.DurationDays, m.Active, m.CreatedAt, m.UpdatedAt)
	return mapError(err)
}

func (r *mappingRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PlanMapping, error) {
	const q = `SELECT ` + mappingColumns + ` FROM plan_mappings WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

// FindActive looks up the mapping for an exact (product, offer) pair. The
// offer-fallback policy lives in the use case; an empty offer_id here means
// the product-wide row.
func (r *mappingRepo) FindActive(ctx context.Context, tx repository.Tx, productID, offerID string) (*model.PlanMapping, error) {
	const q = `
SELECT ` + mappingColumns + `
  FROM plan_mappings
 WHERE product_id=$1 AND offer_id=$2 AND active
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, productID, offerID)
}

func (r *mappingRepo) List(ctx context.Context, tx repository.Tx) ([]*model.PlanMapping, error) {
	const q = `SELECT ` + mappingColumns + ` FROM plan_mappings ORDER BY product_id, offer_id;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.PlanMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *mappingRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	tag, err := execSQL(ctx, r.pool, tx, `DELETE FROM plan_mappings WHERE id=$1;`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *mappingRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.PlanMapping, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	return scanMapping(row)
}

func scanMapping(row pgx.Row) (*model.PlanMapping, error) {
	m := &model.PlanMapping{}
	var tier string
	if err := row.Scan(&m.ID, &m.ProductID, &m.OfferID, &m.PlanCode, &tier, &m.DurationDays, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	m.Tier = model.AccessTier(tier)
	return m, nil
}
