package identity

import (
	"context"
	"log/slog"

	"billingengine/internal/auth"
	"billingengine/internal/types"
)

// CredentialVerifier checks a submitted credential against its hash.
// Implemented by auth.CredentialHasher.
type CredentialVerifier interface {
	Verify(hash, plain string) error
}

// Invalidator drops cached state for an identity.
type Invalidator interface {
	Invalidate(identityID string)
}

// ClaimService lets an authenticated subject take over an identity that was
// provisioned from a payment.
type ClaimService struct {
	identities Store
	verifier   CredentialVerifier
	cache      Invalidator
	clock      types.Clock
	logger     *slog.Logger
}

// NewClaimService creates a ClaimService.
func NewClaimService(identities Store, verifier CredentialVerifier, cache Invalidator, clock types.Clock, logger *slog.Logger) *ClaimService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ClaimService{
		identities: identities,
		verifier:   verifier,
		cache:      cache,
		clock:      clock,
		logger:     logger,
	}
}

// Claim verifies the emailed credential and re-keys the provisioned identity
// to the actor's id. The credential works once. Unknown emails and
// identities without a pending credential are reported exactly like a wrong
// credential.
func (s *ClaimService) Claim(ctx context.Context, actor types.Actor, email, credential string) (*types.Identity, error) {
	invalid := types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or credential", nil)

	ident, err := s.identities.GetByEmail(ctx, auth.CanonicalizeEmail(email))
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
			return nil, invalid
		}
		return nil, err
	}
	if ident.CredentialHash == nil || *ident.CredentialHash == "" {
		return nil, invalid
	}
	if ident.CredentialExpiresAt != nil && !s.clock.Now().Before(*ident.CredentialExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthCredentialExpired, "credential has expired", nil)
	}
	if err := s.verifier.Verify(*ident.CredentialHash, credential); err != nil {
		if types.HasCode(err, types.ErrCodeAuthInvalidCreds) {
			s.logger.WarnContext(ctx, "credential claim rejected", "identity_id", ident.ID, "actor_id", actor.ID)
			return nil, invalid
		}
		return nil, err
	}

	if err := s.identities.ClaimCredential(ctx, ident.ID, actor.ID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ident.ID)
		s.cache.Invalidate(actor.ID)
	}
	s.logger.InfoContext(ctx, "identity claimed", "provisioned_id", ident.ID, "actor_id", actor.ID)

	return s.identities.GetByID(ctx, actor.ID)
}
