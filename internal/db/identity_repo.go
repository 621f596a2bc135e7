package db

import (
	"context"
	"time"

	"billingengine/internal/types"
)

// IdentityRepository provides data access for the identities table and the
// multi-table provisioning of a new identity.
type IdentityRepository struct {
	db DBTX
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db DBTX) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `id, email, plan_type, processor_customer_id,
	credential_hash, credential_expires_at, created_at, updated_at`

func scanIdentity(row interface{ Scan(dest ...any) error }) (*types.Identity, error) {
	var (
		ident    types.Identity
		planType string
	)
	if err := row.Scan(
		&ident.ID,
		&ident.Email,
		&planType,
		&ident.ProcessorCustomerID,
		&ident.CredentialHash,
		&ident.CredentialExpiresAt,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ident.PlanType = types.PlanType(planType)
	return &ident, nil
}

func (r *IdentityRepository) getOne(ctx context.Context, where string, arg any) (*types.Identity, error) {
	ident, err := scanIdentity(r.db.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE `+where,
		arg,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load identity", err)
	}
	return ident, nil
}

// GetByID returns the identity or a not_found_identity error.
func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*types.Identity, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByProcessorCustomerID looks up the identity that stores the given
// processor customer id.
func (r *IdentityRepository) GetByProcessorCustomerID(ctx context.Context, customerID string) (*types.Identity, error) {
	return r.getOne(ctx, `processor_customer_id = $1`, customerID)
}

// GetByEmail matches case-insensitively.
func (r *IdentityRepository) GetByEmail(ctx context.Context, email string) (*types.Identity, error) {
	return r.getOne(ctx, `LOWER(email) = LOWER($1)`, email)
}

// SetProcessorCustomerID backfills the customer id on an identity that does
// not have one yet. An identity already linked to a different customer is
// left untouched and reported as a conflict.
func (r *IdentityRepository) SetProcessorCustomerID(ctx context.Context, id, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE identities
		 SET processor_customer_id = $2, updated_at = NOW()
		 WHERE id = $1
		   AND (processor_customer_id IS NULL OR processor_customer_id = $2)`,
		id,
		customerID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "processor customer already linked to another identity", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link processor customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "identity is linked to a different processor customer", nil)
	}
	return nil
}

// Provision creates an identity together with its free-tier subscription
// and credit balance in one statement. It returns false, without error, when
// an identity with the same id, email or customer id already exists.
func (r *IdentityRepository) Provision(ctx context.Context, in types.NewIdentity) (bool, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`WITH new_identity AS (
		     INSERT INTO identities (id, email, plan_type, processor_customer_id,
		                             credential_hash, credential_expires_at)
		     VALUES ($1, $2, 'free', $3, $4, $5)
		     ON CONFLICT DO NOTHING
		     RETURNING id
		 ), new_subscription AS (
		     INSERT INTO subscriptions (identity_id, processor_customer_id, status)
		     SELECT id, $3, 'active' FROM new_identity
		 ), new_balance AS (
		     INSERT INTO credit_balances (identity_id, plan_credits, credits_used,
		                                  credits_available, credits_reset_at, unlimited)
		     SELECT id, $6, 0, $6, $7, FALSE FROM new_identity
		 )
		 SELECT id FROM new_identity`,
		in.ID,
		in.Email,
		in.ProcessorCustomerID,
		in.CredentialHash,
		in.CredentialExpiresAt,
		in.FreeCredits,
		in.CreditsResetAt,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to provision identity", err)
	}
	return true, nil
}

// EnsureBillingRows creates whichever of the identity, subscription and
// credit rows are missing for an authenticated subject. Existing rows are
// never modified. An email already owned by a different identity is a
// conflict: that account was provisioned from a payment and must be claimed.
func (r *IdentityRepository) EnsureBillingRows(ctx context.Context, in types.NewIdentity) error {
	_, err := r.db.Exec(ctx,
		`WITH ensured_identity AS (
		     INSERT INTO identities (id, email, plan_type)
		     VALUES ($1, $2, 'free')
		     ON CONFLICT (id) DO NOTHING
		 ), ensured_subscription AS (
		     INSERT INTO subscriptions (identity_id, status)
		     VALUES ($1, 'active')
		     ON CONFLICT (identity_id) DO NOTHING
		 )
		 INSERT INTO credit_balances (identity_id, plan_credits, credits_used,
		                              credits_available, credits_reset_at, unlimited)
		 VALUES ($1, $3, 0, $3, $4, FALSE)
		 ON CONFLICT (identity_id) DO NOTHING`,
		in.ID,
		in.Email,
		in.FreeCredits,
		in.CreditsResetAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictEmail,
				"an account with this email was created from a payment; claim it with the emailed credential",
				err, map[string]any{"email": in.Email})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to initialize billing rows", err)
	}
	return nil
}

// ClaimCredential re-keys a provisioned identity to the authenticated subject
// and clears its one-time credential. Child rows follow via ON UPDATE CASCADE.
// It fails with a conflict when the credential was already consumed.
func (r *IdentityRepository) ClaimCredential(ctx context.Context, fromID, toID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE identities
		 SET id = $2,
		     credential_hash = NULL,
		     credential_expires_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND credential_hash IS NOT NULL`,
		fromID,
		toID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "the authenticated account already has billing records", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to claim identity", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "credential already claimed", nil)
	}
	return nil
}

// ExpireCredentials clears one-time credentials whose validity has lapsed.
func (r *IdentityRepository) ExpireCredentials(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE identities
		 SET credential_hash = NULL, credential_expires_at = NULL, updated_at = NOW()
		 WHERE credential_expires_at IS NOT NULL AND credential_expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire credentials", err)
	}
	return tag.RowsAffected(), nil
}
