package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultEventRetention keeps completed webhook events for 30 days, well past
// the processor's redelivery window.
const DefaultEventRetention = 30 * 24 * time.Hour

// EventPurgeStore deletes old ledger rows. Implemented by
// db.WebhookEventRepository.
type EventPurgeStore interface {
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialExpirer clears lapsed one-time credentials. Implemented by
// db.IdentityRepository.
type CredentialExpirer interface {
	ExpireCredentials(ctx context.Context, now time.Time) (int64, error)
}

// EventPurger is the purge_webhook_events task.
type EventPurger struct {
	events      EventPurgeStore
	credentials CredentialExpirer
	retention   time.Duration
	logger      *slog.Logger
}

// NewEventPurger creates an EventPurger. credentials may be nil.
func NewEventPurger(events EventPurgeStore, credentials CredentialExpirer, retention time.Duration, logger *slog.Logger) *EventPurger {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &EventPurger{
		events:      events,
		credentials: credentials,
		retention:   retention,
		logger:      logger,
	}
}

// Run deletes completed events older than the retention and clears expired
// credentials. Events still processing are never touched. It returns the
// number of rows affected in total.
func (p *EventPurger) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-p.retention)

	purged, err := p.events.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging webhook events: %w", err)
	}
	total := int(purged)

	var expired int64
	if p.credentials != nil {
		expired, err = p.credentials.ExpireCredentials(ctx, now)
		if err != nil {
			return total, fmt.Errorf("expiring credentials: %w", err)
		}
		total += int(expired)
	}

	p.logger.InfoContext(ctx, "webhook event purge complete",
		"cutoff", cutoff.Format(time.RFC3339),
		"events_purged", purged,
		"credentials_expired", expired,
	)
	return total, nil
}
