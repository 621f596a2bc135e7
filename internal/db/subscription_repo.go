package db

import (
	"context"
	"log/slog"
	"time"

	"billingengine/internal/types"
)

// SubscriptionRepository manages the one-per-identity subscription mirror.
//
// Updates carry the processor event timestamp; an update older than the last
// applied event is skipped so out-of-order webhook deliveries cannot regress
// the status.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `identity_id, processor_customer_id, processor_subscription_id, price_id,
	status, current_period_start, current_period_end, cancel_at_period_end, last_synced_at`

func scanSubscription(row interface{ Scan(dest ...any) error }) (*types.SubscriptionRecord, error) {
	var (
		rec    types.SubscriptionRecord
		status string
	)
	if err := row.Scan(
		&rec.IdentityID,
		&rec.ProcessorCustomerID,
		&rec.ProcessorSubscriptionID,
		&rec.PriceID,
		&status,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.LastSyncedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = types.SubscriptionStatus(status)
	return &rec, nil
}

// Get returns the subscription record for an identity.
func (r *SubscriptionRepository) Get(ctx context.Context, identityID string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE identity_id = $1`,
		identityID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return rec, nil
}

// FindIdentityIDByProcessorCustomerID returns the owning identity of a
// subscription record carrying the given processor customer id.
func (r *SubscriptionRepository) FindIdentityIDByProcessorCustomerID(ctx context.Context, customerID string) (string, error) {
	var identityID string
	err := r.db.QueryRow(ctx,
		`SELECT identity_id FROM subscriptions
		 WHERE processor_customer_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		customerID,
	).Scan(&identityID)
	if err != nil {
		if isNoRows(err) {
			return "", types.NewAppError(types.ErrCodeNotFoundIdentity, "no subscription for processor customer", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to look up subscription by customer", err)
	}
	return identityID, nil
}

// ApplySync upserts the subscription record. Nil fields in sync keep their
// stored value. eventAt may be nil for reconciliation fetches, which always
// apply. It reports whether the row was written.
func (r *SubscriptionRepository) ApplySync(ctx context.Context, identityID string, sync types.SubscriptionSync, eventAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions AS s (identity_id, processor_customer_id, processor_subscription_id,
		                                 price_id, status, current_period_start, current_period_end,
		                                 cancel_at_period_end, last_event_at, last_synced_at, updated_at)
		 VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, ''), 'active'), $6, $7,
		         COALESCE($8, FALSE), $9, NOW(), NOW())
		 ON CONFLICT (identity_id) DO UPDATE SET
		     processor_customer_id     = COALESCE($2, s.processor_customer_id),
		     processor_subscription_id = COALESCE($3, s.processor_subscription_id),
		     price_id                  = COALESCE($4, s.price_id),
		     status                    = COALESCE(NULLIF($5, ''), s.status),
		     current_period_start      = COALESCE($6, s.current_period_start),
		     current_period_end        = COALESCE($7, s.current_period_end),
		     cancel_at_period_end      = COALESCE($8, s.cancel_at_period_end),
		     last_event_at             = GREATEST(s.last_event_at, $9),
		     last_synced_at            = NOW(),
		     updated_at                = NOW()
		 WHERE $9::timestamptz IS NULL OR s.last_event_at IS NULL OR s.last_event_at <= $9`,
		identityID,
		sync.ProcessorCustomerID,
		sync.ProcessorSubscriptionID,
		sync.PriceID,
		string(sync.Status),
		sync.CurrentPeriodStart,
		sync.CurrentPeriodEnd,
		sync.CancelAtPeriodEnd,
		eventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to sync subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription event ignored",
			slog.String("identity_id", identityID),
			slog.String("status", string(sync.Status)),
		)
		return false, nil
	}
	return true, nil
}

// ListForReconciliation pages through live subscriptions whose period has
// ended or whose last sync is older than staleBefore, ordered by identity id
// after the given cursor.
func (r *SubscriptionRepository) ListForReconciliation(ctx context.Context, now, staleBefore time.Time, afterID string, limit int) ([]types.SubscriptionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE processor_subscription_id IS NOT NULL
		   AND status <> 'canceled'
		   AND (current_period_end < $1 OR last_synced_at IS NULL OR last_synced_at < $2)
		   AND identity_id > $3
		 ORDER BY identity_id
		 LIMIT $4`,
		now,
		staleBefore,
		afterID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions for reconciliation", err)
	}
	defer rows.Close()

	var out []types.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscriptions", err)
	}
	return out, nil
}
