package subscription

import (
	"context"
	"log/slog"
	"time"

	"billingengine/internal/auth"
	"billingengine/internal/types"
)

// StateStore reads the composed state. Implemented by db.StateRepository.
type StateStore interface {
	GetFromView(ctx context.Context, identityID string) (*types.SubscriptionState, error)
	GetFromBaseTables(ctx context.Context, identityID string) (*types.SubscriptionState, error)
}

// RecordStore applies processor-driven changes to the subscription record.
// Implemented by db.SubscriptionRepository.
type RecordStore interface {
	Get(ctx context.Context, identityID string) (*types.SubscriptionRecord, error)
	ApplySync(ctx context.Context, identityID string, sync types.SubscriptionSync, eventAt *time.Time) (bool, error)
}

// IdentityInitializer creates missing billing rows for an authenticated
// subject. Implemented by db.IdentityRepository.
type IdentityInitializer interface {
	EnsureBillingRows(ctx context.Context, in types.NewIdentity) error
}

// Metrics receives cache and reconciliation signals.
type Metrics interface {
	CacheMetrics
	RecordFallback()
}

type noopMetrics struct{ noopCacheMetrics }

func (noopMetrics) RecordFallback() {}

// ServiceConfig holds the free-tier values used when initializing a subject.
type ServiceConfig struct {
	FreeCredits int
}

// Service is the read side of billing state plus the subscription write
// path. Every write invalidates the identity's cache entry before returning,
// whether or not it succeeded.
type Service struct {
	cache      *Cache
	states     StateStore
	records    RecordStore
	identities IdentityInitializer
	metrics    Metrics
	clock      types.Clock
	cfg        ServiceConfig
	logger     *slog.Logger
}

// NewService creates a Service. metrics may be nil.
func NewService(cache *Cache, states StateStore, records RecordStore, identities IdentityInitializer, metrics Metrics, clock types.Clock, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{
		cache:      cache,
		states:     states,
		records:    records,
		identities: identities,
		metrics:    metrics,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// GetState returns the identity's composed state, from cache when fresh.
func (s *Service) GetState(ctx context.Context, identityID string) (*types.SubscriptionState, error) {
	return s.cache.Get(ctx, identityID, s.load)
}

// CanUseFeature reports whether the state's plan grants feature.
func CanUseFeature(st *types.SubscriptionState, feature types.Feature) bool {
	if st == nil {
		return false
	}
	return st.Features.Enabled(feature)
}

// Sync applies a partial subscription update. eventAt orders processor
// events; an older event than the last applied one is skipped and reported
// as false.
func (s *Service) Sync(ctx context.Context, identityID string, sync types.SubscriptionSync, eventAt *time.Time) (bool, error) {
	defer s.cache.Invalidate(identityID)
	return s.records.ApplySync(ctx, identityID, sync, eventAt)
}

// Record returns the stored subscription record, bypassing the cache.
func (s *Service) Record(ctx context.Context, identityID string) (*types.SubscriptionRecord, error) {
	return s.records.Get(ctx, identityID)
}

// Invalidate drops the identity's cached state.
func (s *Service) Invalidate(identityID string) {
	s.cache.Invalidate(identityID)
}

// load reads the view. A missing identity is initialized from the
// authenticated caller and the view read once more; a failing view falls
// back to the base-table join.
func (s *Service) load(ctx context.Context, identityID string) (*types.SubscriptionState, error) {
	st, err := s.states.GetFromView(ctx, identityID)
	if err == nil {
		return st, nil
	}

	if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
		if initErr := s.initialize(ctx, identityID); initErr != nil {
			return nil, initErr
		}
		st, err = s.states.GetFromView(ctx, identityID)
		if err == nil {
			return st, nil
		}
		if types.HasCode(err, types.ErrCodeNotFoundIdentity) {
			return nil, err
		}
	}

	s.logger.WarnContext(ctx, "subscription state view failed, falling back to base tables",
		"identity_id", identityID,
		"error", err,
	)
	s.metrics.RecordFallback()
	return s.states.GetFromBaseTables(ctx, identityID)
}

// initialize creates free-tier rows for the authenticated subject. Only the
// subject itself can be initialized; other ids stay not found.
func (s *Service) initialize(ctx context.Context, identityID string) error {
	actor, ok := types.GetActor(ctx)
	if !ok || actor.ID != identityID || actor.Email == "" {
		return types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
	}

	err := s.identities.EnsureBillingRows(ctx, types.NewIdentity{
		ID:             identityID,
		Email:          auth.CanonicalizeEmail(actor.Email),
		FreeCredits:    s.cfg.FreeCredits,
		CreditsResetAt: s.clock.Now().AddDate(0, 1, 0),
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "initialized billing rows", "identity_id", identityID)
	return nil
}
