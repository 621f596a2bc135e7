package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingengine/internal/external"
	"billingengine/internal/types"
)

// Defaults for the reconciliation sweep.
const (
	DefaultSyncStaleAfter = 24 * time.Hour
	DefaultSyncBatchSize  = 100
)

// ReconciliationStore lists subscriptions due for a processor check.
// Implemented by db.SubscriptionRepository.
type ReconciliationStore interface {
	ListForReconciliation(ctx context.Context, now, staleBefore time.Time, afterID string, limit int) ([]types.SubscriptionRecord, error)
}

// SubscriptionFetcher reads processor subscriptions. Implemented by
// external.StripeClient.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*external.Subscription, error)
}

// SubscriptionSyncer writes subscription records. Implemented by
// subscription.Service.
type SubscriptionSyncer interface {
	Sync(ctx context.Context, identityID string, sync types.SubscriptionSync, eventAt *time.Time) (bool, error)
}

// CreditRenewer resets a balance onto a plan. Implemented by billing.Ledger.
type CreditRenewer interface {
	Renew(ctx context.Context, identityID string, plan types.PlanType) (*types.CreditBalance, error)
}

// DriftMetrics is told about every record that disagreed with the processor.
type DriftMetrics interface {
	RecordBillingDrift(ctx context.Context, identityID string)
}

// SyncConfig tunes the reconciliation sweep.
type SyncConfig struct {
	StaleAfter time.Duration
	BatchSize  int
}

// StripeSyncer is the sync_stripe task. It re-reads subscriptions whose
// period has ended or whose last sync is old, and corrects local drift. It
// never grants credits: only a paid invoice does that.
type StripeSyncer struct {
	store     ReconciliationStore
	processor SubscriptionFetcher
	records   SubscriptionSyncer
	credits   CreditRenewer
	metrics   DriftMetrics
	cfg       SyncConfig
	logger    *slog.Logger
}

// NewStripeSyncer creates a StripeSyncer. metrics may be nil.
func NewStripeSyncer(
	store ReconciliationStore,
	processor SubscriptionFetcher,
	records SubscriptionSyncer,
	credits CreditRenewer,
	metrics DriftMetrics,
	cfg SyncConfig,
	logger *slog.Logger,
) *StripeSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultSyncStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSyncBatchSize
	}
	return &StripeSyncer{
		store:     store,
		processor: processor,
		records:   records,
		credits:   credits,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run walks every candidate page and returns the number of records synced.
// A record that fails is logged and retried by the next run.
func (s *StripeSyncer) Run(ctx context.Context, now time.Time) (int, error) {
	staleBefore := now.Add(-s.cfg.StaleAfter)

	var (
		synced, drifted, failed int
		cursor                  string
	)
	for {
		if err := ctx.Err(); err != nil {
			return synced, err
		}

		page, err := s.store.ListForReconciliation(ctx, now, staleBefore, cursor, s.cfg.BatchSize)
		if err != nil {
			return synced, fmt.Errorf("listing subscriptions for reconciliation: %w", err)
		}

		for _, rec := range page {
			drift, err := s.syncRecord(ctx, rec)
			if err != nil {
				failed++
				s.logger.ErrorContext(ctx, "failed to reconcile subscription",
					"identity_id", rec.IdentityID,
					"error", err,
				)
				continue
			}
			synced++
			if drift {
				drifted++
			}
		}

		if len(page) < s.cfg.BatchSize {
			break
		}
		cursor = page[len(page)-1].IdentityID
	}

	s.logger.InfoContext(ctx, "stripe reconciliation complete",
		"synced", synced,
		"drifted", drifted,
		"failed", failed,
	)
	return synced, nil
}

// syncRecord reports whether the local record disagreed with the processor.
func (s *StripeSyncer) syncRecord(ctx context.Context, rec types.SubscriptionRecord) (bool, error) {
	if rec.ProcessorSubscriptionID == nil || *rec.ProcessorSubscriptionID == "" {
		return false, nil
	}
	subID := *rec.ProcessorSubscriptionID

	var sync types.SubscriptionSync
	remote, err := s.processor.GetSubscription(ctx, subID)
	switch {
	case err == nil:
		sync = remote.Sync()
	case types.HasCode(err, types.ErrCodeNotFoundSubscription):
		// Gone at the processor: treat like a deletion.
		sync = types.SubscriptionSync{Status: types.SubStatusCanceled}
	default:
		return false, fmt.Errorf("fetching subscription %s: %w", subID, err)
	}

	drift := differs(rec, sync)
	if drift {
		s.logger.WarnContext(ctx, "subscription drift detected",
			"identity_id", rec.IdentityID,
			"subscription_id", subID,
			"local_status", rec.Status,
			"remote_status", sync.Status,
		)
		if s.metrics != nil {
			s.metrics.RecordBillingDrift(ctx, rec.IdentityID)
		}
	}

	// Always written so last_synced_at moves even without drift.
	if _, err := s.records.Sync(ctx, rec.IdentityID, sync, nil); err != nil {
		return drift, fmt.Errorf("syncing record: %w", err)
	}

	if sync.Status == types.SubStatusCanceled && rec.Status != types.SubStatusCanceled {
		if _, err := s.credits.Renew(ctx, rec.IdentityID, types.PlanFree); err != nil {
			return drift, fmt.Errorf("downgrading canceled subscription: %w", err)
		}
		s.logger.InfoContext(ctx, "canceled subscription downgraded to free",
			"identity_id", rec.IdentityID,
			"subscription_id", subID,
		)
	}
	return drift, nil
}

func differs(rec types.SubscriptionRecord, sync types.SubscriptionSync) bool {
	if sync.Status != "" && sync.Status != rec.Status {
		return true
	}
	if sync.CancelAtPeriodEnd != nil && *sync.CancelAtPeriodEnd != rec.CancelAtPeriodEnd {
		return true
	}
	if sync.PriceID != nil && (rec.PriceID == nil || *rec.PriceID != *sync.PriceID) {
		return true
	}
	if sync.CurrentPeriodEnd != nil && (rec.CurrentPeriodEnd == nil || !rec.CurrentPeriodEnd.Equal(*sync.CurrentPeriodEnd)) {
		return true
	}
	return false
}
