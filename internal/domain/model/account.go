package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-billing/internal/domain"
)

type AccessTier string

const (
	TierFree    AccessTier = "free"
	TierPremium AccessTier = "premium"
)

type SubscriptionOrigin string

const (
	OriginManual   SubscriptionOrigin = "manual"
	OriginProvider SubscriptionOrigin = "provider"
)

// Account is the internal user record this subsystem writes access fields on.
// The broader application reads Tier/ExpiresAt/Lifetime to gate features.
type Account struct {
	ID             string
	Email          string // unique
	Username       string
	DisplayName    string
	CredentialHash string // salted one-way hash; plaintext is never stored
	Tier           AccessTier
	Origin         SubscriptionOrigin
	SubStartAt     *time.Time
	ExpiresAt      *time.Time // ignored when Lifetime is true
	Lifetime       bool
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewAccount(email, username, credentialHash string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.ErrInvalidArgument
	}
	if username == "" || credentialHash == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Account{
		ID:             uuid.NewString(),
		Email:          email,
		Username:       username,
		DisplayName:    localPart(email),
		CredentialHash: credentialHash,
		Tier:           TierFree,
		Origin:         OriginProvider,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// HasAccess reports whether the account currently holds its tier.
// Lifetime overrides any expiration date.
func (a *Account) HasAccess(now time.Time) bool {
	if !a.Active || a.Tier == TierFree {
		return false
	}
	if a.Lifetime {
		return true
	}
	return a.ExpiresAt != nil && a.ExpiresAt.After(now)
}

func (a *Account) IsZero() bool { return a == nil || a.ID == "" }

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
