package postgres

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

// Ensure accountRepo implements repository.AccountRepository
var _ repository.AccountRepository = (*accountRepo)(nil)

type accountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *accountRepo {
	return &accountRepo{pool: pool}
}

const accountColumns = `id, email, username, display_name, credential_hash, tier, origin, sub_start_at, expires_at, lifetime, active, created_at, updated_at`

func (r *accountRepo) Create(ctx context.Context, tx repository.Tx, a *model.Account) error {
	const q = `
INSERT INTO accounts (
  id, email, username, display_name, credential_hash, tier, origin, sub_start_at, expires_at, lifetime, active, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`

	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.Email, a.Username, a.DisplayName, a.CredentialHash, a.Tier, a.Origin,
		a.SubStartAt, a.ExpiresAt, a.Lifetime, a.Active, a.CreatedAt, a.UpdatedAt)
	return mapError(err)
}

func (r *accountRepo) Save(ctx context.Context, tx repository.Tx, a *model.Account) error {
	const q = `
UPDATE accounts SET
  username=$2, display_name=$3, credential_hash=$4, tier=$5, origin=$6,
  sub_start_at=$7, expires_at=$8, lifetime=$9, active=$10, updated_at=NOW()
 WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.Username, a.DisplayName, a.CredentialHash, a.Tier, a.Origin,
		a.SubStartAt, a.ExpiresAt, a.Lifetime, a.Active)
	return mapError(err)
}

func (r *accountRepo) FindByEmail(ctx context.Context, tx repository.Tx, email string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE email=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	return r.queryOne(ctx, tx, q, email)
}

func (r *accountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *accountRepo) UpdateAccess(ctx context.Context, tx repository.Tx, id string, tier model.AccessTier, startAt, expiresAt *time.Time, lifetime bool) error {
	// Absolute values only: retrying the same transition writes the same row.
	const q = `
UPDATE accounts
   SET tier=$2, origin='provider', sub_start_at=$3, expires_at=$4, lifetime=$5, updated_at=NOW()
 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, tier, startAt, expiresAt, lifetime)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *accountRepo) AdvisoryLock(ctx context.Context, tx repository.Tx, key string) error {
	if _, ok := tx.(pgx.Tx); !ok {
		return nil
	}
	_, err := execSQL(ctx, r.pool, tx, `SELECT pg_advisory_xact_lock($1);`, hashToInt64(key))
	return mapError(err)
}

func (r *accountRepo) DemoteExpired(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	const q = `
UPDATE accounts
   SET tier='free', updated_at=NOW()
 WHERE lifetime=FALSE
   AND tier <> 'free'
   AND expires_at IS NOT NULL
   AND expires_at <= $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, now)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *accountRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM accounts;`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *accountRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.Account, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	a := &model.Account{}
	var tier, origin string
	if err := row.Scan(&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.CredentialHash, &tier, &origin,
		&a.SubStartAt, &a.ExpiresAt, &a.Lifetime, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	a.Tier = model.AccessTier(tier)
	a.Origin = model.SubscriptionOrigin(origin)
	return a, nil
}

func hashToInt64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() & ((1 << 63) - 1))
}
