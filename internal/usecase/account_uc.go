// File: internal/usecase/account_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/logging"
)

// Compile-time check
var _ AccountUseCase = (*accountUC)(nil)

// CredentialSource mints a random initial credential and its one-way hash.
// The plaintext is returned once and never persisted or logged.
type CredentialSource interface {
	Generate() (plain string, hash string, err error)
}

// AccountUseCase resolves the internal account referenced by a provider event,
// creating it on first sight.
type AccountUseCase interface {
	// ResolveOrCreate returns the account for email, creating it if absent.
	// Safe under concurrent calls for the same email: creation relies on the
	// unique email constraint and recovers from a lost race by re-reading.
	ResolveOrCreate(ctx context.Context, tx repository.Tx, email string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	Count(ctx context.Context) (int, error)
}

type accountUC struct {
	accounts repository.AccountRepository
	creds    CredentialSource
	log      *zerolog.Logger
}

func NewAccountUseCase(accounts repository.AccountRepository, creds CredentialSource, logger *zerolog.Logger) *accountUC {
	return &accountUC{accounts: accounts, creds: creds, log: logger}
}

func (u *accountUC) ResolveOrCreate(ctx context.Context, tx repository.Tx, email string) (*model.Account, error) {
	defer logging.TraceDuration(u.log, "AccountUC.ResolveOrCreate")()

	email = strings.ToLower(strings.TrimSpace(email))
	a, err := u.accounts.FindByEmail(ctx, tx, email)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	_, hash, err := u.creds.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}
	na, err := model.NewAccount(email, deriveUsername(email), hash)
	if err != nil {
		return nil, err
	}

	if err := u.accounts.Create(ctx, tx, na); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost the creation race; the existing row wins.
			u.log.Debug().Err(domain.ErrAccountConflict).Str("account_id", na.ID).Msg("account creation race recovered")
			return u.accounts.FindByEmail(ctx, tx, email)
		}
		return nil, err
	}
	u.log.Info().Str("account_id", na.ID).Str("username", na.Username).Msg("account created from provider event")
	return na, nil
}

func (u *accountUC) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return u.accounts.FindByEmail(ctx, repository.NoTX, strings.ToLower(strings.TrimSpace(email)))
}

func (u *accountUC) Count(ctx context.Context) (int, error) {
	return u.accounts.Count(ctx, repository.NoTX)
}

// deriveUsername builds a unique username from the email's local part plus a
// short random suffix, e.g. "jane.doe" -> "jane-doe-3f9a2c".
func deriveUsername(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		local = email[:i]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '+':
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = "member"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return base + "-" + suffix
}
