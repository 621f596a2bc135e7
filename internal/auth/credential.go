package auth

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"billingengine/internal/types"
)

// DefaultBcryptCost is used when no cost is configured.
const DefaultBcryptCost = 12

// credentialEncoding renders credentials without padding or ambiguous case.
var credentialEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CredentialHasher generates and verifies one-time credentials. Only the
// bcrypt hash is stored.
type CredentialHasher struct {
	cost int
}

// NewCredentialHasher creates a hasher. A cost outside bcrypt's range falls
// back to DefaultBcryptCost.
func NewCredentialHasher(cost int) *CredentialHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &CredentialHasher{cost: cost}
}

// Generate returns a fresh plaintext credential and its hash. The
// credential is 20 random bytes rendered as 32 base32 characters in groups
// of eight.
func (h *CredentialHasher) Generate() (plain, hash string, err error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate credential: %w", err)
	}
	raw := credentialEncoding.EncodeToString(b)
	groups := make([]string, 0, len(raw)/8)
	for i := 0; i < len(raw); i += 8 {
		groups = append(groups, raw[i:min(i+8, len(raw))])
	}
	plain = strings.Join(groups, "-")

	hash, err = h.Hash(plain)
	if err != nil {
		return "", "", err
	}
	return plain, hash, nil
}

// Hash bcrypts a normalized credential.
func (h *CredentialHasher) Hash(plain string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(normalizeCredential(plain)), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(out), nil
}

// Verify compares a submitted credential with the stored hash. Case and
// surrounding whitespace are ignored.
func (h *CredentialHasher) Verify(hash, plain string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalizeCredential(plain)))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid credential", nil)
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "credential verification failed", err)
}

func normalizeCredential(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// CanonicalizeEmail normalizes email addresses for consistent lookups.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
