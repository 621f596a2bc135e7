package db

import (
	"context"
	"time"

	"billingengine/internal/types"
)

// WebhookEventRepository is the processed-event ledger. A delivery claims the
// event id before processing; the claim is a lease so a crashed delivery does
// not block redeliveries forever.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new WebhookEventRepository.
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Claim inserts the event as processing, or takes over a processing row whose
// lease has expired. Completed events report ClaimDuplicate; processing rows
// with a live lease report ClaimInFlight.
func (r *WebhookEventRepository) Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (types.ClaimOutcome, error) {
	var attempts int
	err := r.db.QueryRow(ctx,
		`INSERT INTO webhook_events AS we (event_id, event_type, status, attempts, locked_until, created_at)
		 VALUES ($1, $2, 'processing', 1, $4, $3)
		 ON CONFLICT (event_id) DO UPDATE
		   SET attempts = we.attempts + 1,
		       locked_until = EXCLUDED.locked_until
		   WHERE we.status = 'processing'
		     AND (we.locked_until IS NULL OR we.locked_until < $3)
		 RETURNING attempts`,
		eventID,
		eventType,
		now,
		now.Add(lease),
	).Scan(&attempts)
	if err == nil {
		return types.ClaimAcquired, nil
	}
	if !isNoRows(err) {
		return types.ClaimInFlight, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}

	var status string
	err = r.db.QueryRow(ctx,
		`SELECT status FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&status)
	if err != nil {
		return types.ClaimInFlight, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event status", err)
	}
	if types.WebhookEventStatus(status) == types.WebhookEventCompleted {
		return types.ClaimDuplicate, nil
	}
	return types.ClaimInFlight, nil
}

// Complete marks a claimed event as processed.
func (r *WebhookEventRepository) Complete(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET status = 'completed', processed_at = NOW(), locked_until = NULL
		 WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete webhook event", err)
	}
	return nil
}

// Release drops the lease on a failed event so the next redelivery can
// claim it immediately.
func (r *WebhookEventRepository) Release(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET locked_until = NULL
		 WHERE event_id = $1 AND status = 'processing'`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release webhook event", err)
	}
	return nil
}

// PurgeCompleted deletes completed events processed before cutoff.
func (r *WebhookEventRepository) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events WHERE status = 'completed' AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge webhook events", err)
	}
	return tag.RowsAffected(), nil
}
