// Package identity maps processor customers to local identities,
// provisioning new identities when a payment arrives before an account
// exists, and lets an authenticated user claim such an identity.
package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billingengine/internal/auth"
	"billingengine/internal/external"
	"billingengine/internal/types"
)

// Store is the identity persistence the resolver needs. Implemented by
// db.IdentityRepository.
type Store interface {
	GetByID(ctx context.Context, id string) (*types.Identity, error)
	GetByProcessorCustomerID(ctx context.Context, customerID string) (*types.Identity, error)
	GetByEmail(ctx context.Context, email string) (*types.Identity, error)
	SetProcessorCustomerID(ctx context.Context, id, customerID string) error
	Provision(ctx context.Context, in types.NewIdentity) (bool, error)
	ClaimCredential(ctx context.Context, fromID, toID string) error
}

// SubscriptionLookup finds the owner of a subscription record by customer id.
// Implemented by db.SubscriptionRepository.
type SubscriptionLookup interface {
	FindIdentityIDByProcessorCustomerID(ctx context.Context, customerID string) (string, error)
}

// CustomerFetcher reads processor customers. Implemented by
// external.StripeClient.
type CustomerFetcher interface {
	GetCustomer(ctx context.Context, customerID string) (*external.Customer, error)
}

// CredentialSender delivers a one-time credential out of band.
// Implemented by queue.CredentialPublisher and queue.DirectSender.
type CredentialSender interface {
	SendCredential(ctx context.Context, msg types.CredentialMessage) error
}

// CredentialGenerator creates one-time credentials. Implemented by
// auth.CredentialHasher.
type CredentialGenerator interface {
	Generate() (plain, hash string, err error)
}

// Metrics receives provisioning and delivery outcomes.
type Metrics interface {
	RecordIdentityResolution(via string)
	RecordCredentialDelivery(ok bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordIdentityResolution(string) {}
func (noopMetrics) RecordCredentialDelivery(bool)   {}

// Resolution paths, in lookup order.
const (
	ViaIdentity     = "identity"
	ViaSubscription = "subscription"
	ViaMetadata     = "metadata"
	ViaEmail        = "email"
	ViaCreated      = "created"
)

// metadataIdentityKey is set on checkout sessions and subscriptions created
// by this service.
const metadataIdentityKey = "identity_id"

// Hint carries event context used when a new identity must be created.
type Hint struct {
	// Email is used when the processor customer has none.
	Email   string
	Plan    types.PlanType
	EventID string
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	IdentityID string
	Via        string
	Created    bool
}

// ResolverConfig holds provisioning values.
type ResolverConfig struct {
	FreeCredits   int
	CredentialTTL time.Duration
}

// Resolver implements the customer to identity lookup chain.
type Resolver struct {
	identities    Store
	subscriptions SubscriptionLookup
	customers     CustomerFetcher
	credentials   CredentialGenerator
	sender        CredentialSender
	metrics       Metrics
	clock         types.Clock
	cfg           ResolverConfig
	logger        *slog.Logger
}

// NewResolver creates a Resolver. sender and metrics may be nil; without a
// sender, provisioned credentials are only logged as undeliverable.
func NewResolver(
	identities Store,
	subscriptions SubscriptionLookup,
	customers CustomerFetcher,
	credentials CredentialGenerator,
	sender CredentialSender,
	metrics Metrics,
	clock types.Clock,
	cfg ResolverConfig,
	logger *slog.Logger,
) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = 7 * 24 * time.Hour
	}
	return &Resolver{
		identities:    identities,
		subscriptions: subscriptions,
		customers:     customers,
		credentials:   credentials,
		sender:        sender,
		metrics:       metrics,
		clock:         clock,
		cfg:           cfg,
		logger:        logger,
	}
}

// Resolve finds the identity for a processor customer without creating one:
//  1. an identity storing the customer id
//  2. a subscription record storing it
//  3. the processor customer, matched by metadata identity id and then by
//     email; the customer id is backfilled on the match
//
// It returns not_found_identity when all steps miss.
func (r *Resolver) Resolve(ctx context.Context, customerID string) (Resolution, error) {
	res, _, err := r.resolve(ctx, customerID)
	return res, err
}

// ResolveOrCreate is Resolve followed by provisioning: a new identity with
// the customer's email, a free-tier subscription and balance, and a one-time
// credential delivered out of band. Delivery failures are logged and do not
// fail the call.
func (r *Resolver) ResolveOrCreate(ctx context.Context, customerID string, hint Hint) (Resolution, error) {
	res, email, err := r.resolve(ctx, customerID)
	if err == nil || !types.HasCode(err, types.ErrCodeNotFoundIdentity) {
		return res, err
	}

	if email == "" {
		email = auth.CanonicalizeEmail(hint.Email)
	}
	if email == "" {
		return Resolution{}, types.NewAppErrorWithDetails(types.ErrCodeNotFoundIdentity,
			"processor customer has no email to provision an identity with", nil,
			map[string]any{"customer_id": customerID})
	}

	plain, hash, err := r.credentials.Generate()
	if err != nil {
		return Resolution{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate credential", err)
	}

	now := r.clock.Now()
	expiresAt := now.Add(r.cfg.CredentialTTL)
	in := types.NewIdentity{
		ID:                  uuid.NewString(),
		Email:               email,
		ProcessorCustomerID: &customerID,
		CredentialHash:      &hash,
		CredentialExpiresAt: &expiresAt,
		FreeCredits:         r.cfg.FreeCredits,
		CreditsResetAt:      now.AddDate(0, 1, 0),
	}
	created, err := r.identities.Provision(ctx, in)
	if err != nil {
		return Resolution{}, err
	}
	if !created {
		// Lost a race with a concurrent delivery or signup; the winner is
		// now visible to the lookup chain.
		r.logger.InfoContext(ctx, "identity provisioned concurrently, resolving again", "customer_id", customerID)
		res, _, err := r.resolve(ctx, customerID)
		return res, err
	}

	r.metrics.RecordIdentityResolution(ViaCreated)
	r.logger.InfoContext(ctx, "provisioned identity for processor customer",
		"identity_id", in.ID,
		"customer_id", customerID,
		"event_id", hint.EventID,
	)

	r.deliver(ctx, types.CredentialMessage{
		IdentityID: in.ID,
		Email:      email,
		Credential: plain,
		ExpiresAt:  expiresAt,
		PlanType:   hint.Plan,
		EventID:    hint.EventID,
	})
	return Resolution{IdentityID: in.ID, Via: ViaCreated, Created: true}, nil
}

// LinkCheckout associates a processor customer with the identity that
// started a checkout, found by client reference and then by email. It
// returns the linked identity id, or "" when nothing matched.
func (r *Resolver) LinkCheckout(ctx context.Context, customerID, clientReferenceID, email string) (string, error) {
	var ident *types.Identity
	if clientReferenceID != "" {
		found, err := r.identities.GetByID(ctx, clientReferenceID)
		switch {
		case err == nil:
			ident = found
		case !types.HasCode(err, types.ErrCodeNotFoundIdentity):
			return "", err
		}
	}
	if ident == nil && email != "" {
		found, err := r.identities.GetByEmail(ctx, auth.CanonicalizeEmail(email))
		switch {
		case err == nil:
			ident = found
		case !types.HasCode(err, types.ErrCodeNotFoundIdentity):
			return "", err
		}
	}
	if ident == nil {
		return "", nil
	}
	if customerID != "" {
		if err := r.identities.SetProcessorCustomerID(ctx, ident.ID, customerID); err != nil {
			return ident.ID, err
		}
	}
	return ident.ID, nil
}

// resolve runs steps 1-3 and also returns the processor customer's email
// when step 3 fetched it.
func (r *Resolver) resolve(ctx context.Context, customerID string) (Resolution, string, error) {
	if customerID == "" {
		return Resolution{}, "", types.NewAppError(types.ErrCodeNotFoundIdentity, "event carries no processor customer", nil)
	}

	ident, err := r.identities.GetByProcessorCustomerID(ctx, customerID)
	if err == nil {
		return r.found(ident.ID, ViaIdentity), "", nil
	}
	if !types.HasCode(err, types.ErrCodeNotFoundIdentity) {
		return Resolution{}, "", err
	}

	id, err := r.subscriptions.FindIdentityIDByProcessorCustomerID(ctx, customerID)
	if err == nil {
		return r.found(id, ViaSubscription), "", nil
	}
	if !types.HasCode(err, types.ErrCodeNotFoundIdentity) {
		return Resolution{}, "", err
	}

	cust, err := r.customers.GetCustomer(ctx, customerID)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundCustomer) {
			return Resolution{}, "", types.NewAppErrorWithDetails(types.ErrCodeNotFoundIdentity,
				"processor customer not found", err, map[string]any{"customer_id": customerID})
		}
		return Resolution{}, "", err
	}
	email := auth.CanonicalizeEmail(cust.Email)

	if metaID := cust.Metadata[metadataIdentityKey]; metaID != "" {
		ident, err := r.identities.GetByID(ctx, metaID)
		switch {
		case err == nil:
			return r.backfill(ctx, ident.ID, customerID, ViaMetadata, email)
		case !types.HasCode(err, types.ErrCodeNotFoundIdentity):
			return Resolution{}, "", err
		}
	}

	if email != "" {
		ident, err := r.identities.GetByEmail(ctx, email)
		switch {
		case err == nil:
			return r.backfill(ctx, ident.ID, customerID, ViaEmail, email)
		case !types.HasCode(err, types.ErrCodeNotFoundIdentity):
			return Resolution{}, "", err
		}
	}

	return Resolution{}, email, types.NewAppErrorWithDetails(types.ErrCodeNotFoundIdentity,
		"no identity matches processor customer", nil, map[string]any{"customer_id": customerID})
}

func (r *Resolver) backfill(ctx context.Context, identityID, customerID, via, email string) (Resolution, string, error) {
	if err := r.identities.SetProcessorCustomerID(ctx, identityID, customerID); err != nil {
		if !types.HasCode(err, types.ErrCodeConflictConcurrent) {
			return Resolution{}, email, err
		}
		// The identity already belongs to another processor customer, e.g.
		// a second checkout. The match stands; the stored link is kept.
		r.logger.WarnContext(ctx, "identity already linked to a different processor customer",
			"identity_id", identityID,
			"customer_id", customerID,
			"via", via,
		)
		return r.found(identityID, via), email, nil
	}
	r.logger.InfoContext(ctx, "linked processor customer to identity",
		"identity_id", identityID,
		"customer_id", customerID,
		"via", via,
	)
	return r.found(identityID, via), email, nil
}

func (r *Resolver) found(identityID, via string) Resolution {
	r.metrics.RecordIdentityResolution(via)
	return Resolution{IdentityID: identityID, Via: via}
}

func (r *Resolver) deliver(ctx context.Context, msg types.CredentialMessage) {
	if r.sender == nil {
		r.metrics.RecordCredentialDelivery(false)
		r.logger.ErrorContext(ctx, "no credential sender configured, credential not delivered",
			"identity_id", msg.IdentityID)
		return
	}
	if err := r.sender.SendCredential(ctx, msg); err != nil {
		r.metrics.RecordCredentialDelivery(false)
		r.logger.ErrorContext(ctx, "credential delivery failed",
			"identity_id", msg.IdentityID,
			"error", err,
		)
		return
	}
	r.metrics.RecordCredentialDelivery(true)
}
