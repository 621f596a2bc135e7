// Package auth verifies the bearer tokens issued by the external identity
// provider and handles the one-time credentials given to auto-provisioned
// identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"billingengine/internal/types"
)

// Claims are the token claims the engine relies on. The subject is the
// identity id; the email is needed to initialize billing rows on first use.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTConfig configures token verification.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Clock    types.Clock
}

// JWTAuthenticator resolves HS256 bearer tokens into actors.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
	issuer string
	aud    string
	clock  types.Clock
}

// NewJWTAuthenticator creates an authenticator. Issuer and audience are only
// enforced when configured.
func NewJWTAuthenticator(cfg JWTConfig) *JWTAuthenticator {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock.Now),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTAuthenticator{
		secret: cfg.Secret,
		parser: jwt.NewParser(opts...),
		issuer: cfg.Issuer,
		aud:    cfg.Audience,
		clock:  clock,
	}
}

// ResolveToken verifies the token and returns the actor it names.
func (a *JWTAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token verification failed", err)
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}
	email := CanonicalizeEmail(claims.Email)
	if email == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no email claim", nil)
	}
	return &types.Actor{ID: sub, Email: email, Source: "jwt"}, nil
}

// IssueToken signs a token for subject and email. Used by the operator CLI
// and by tests; production tokens come from the identity provider.
func (a *JWTAuthenticator) IssueToken(subject, email string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.aud != "" {
		claims.Audience = jwt.ClaimStrings{a.aud}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
