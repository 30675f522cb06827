package security

import (
	"crypto/rand"
	"encoding/base32"

	"golang.org/x/crypto/bcrypt"
)

// CredentialHasher generates and hashes initial account credentials for
// accounts created from provider events. Plaintext leaves this package only
// once, as the return value of Generate, and is never persisted.
type CredentialHasher struct {
	cost int
}

func NewCredentialHasher(cost int) *CredentialHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &CredentialHasher{cost: cost}
}

// Generate returns a random credential and its bcrypt hash.
func (h *CredentialHasher) Generate() (plain string, hash string, err error) {
	buf := make([]byte, 20)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)

	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", "", err
	}
	return plain, string(b), nil
}

// Hash hashes a caller-supplied credential.
func (h *CredentialHasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare reports whether plain matches the stored hash.
func (h *CredentialHasher) Compare(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
