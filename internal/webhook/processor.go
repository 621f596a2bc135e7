// Package webhook applies verified payment-processor events to local
// billing state.
package webhook

import (
	"context"
	"log/slog"
	"time"

	"billingengine/internal/billing"
	"billingengine/internal/external"
	"billingengine/internal/identity"
	"billingengine/internal/types"
)

// EventLedger records which events were processed. Implemented by
// db.WebhookEventRepository.
type EventLedger interface {
	Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (types.ClaimOutcome, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

// IdentityResolver maps processor customers to identities. Implemented by
// identity.Resolver.
type IdentityResolver interface {
	Resolve(ctx context.Context, customerID string) (identity.Resolution, error)
	ResolveOrCreate(ctx context.Context, customerID string, hint identity.Hint) (identity.Resolution, error)
	LinkCheckout(ctx context.Context, customerID, clientReferenceID, email string) (string, error)
}

// CreditRenewer resets balances. Implemented by billing.Ledger.
type CreditRenewer interface {
	Renew(ctx context.Context, identityID string, plan types.PlanType) (*types.CreditBalance, error)
	RenewWithPeriod(ctx context.Context, identityID string, plan types.PlanType, periodEnd *time.Time) (*types.CreditBalance, error)
}

// SubscriptionSyncer reads and writes subscription records. Implemented by
// subscription.Service.
type SubscriptionSyncer interface {
	Record(ctx context.Context, identityID string) (*types.SubscriptionRecord, error)
	Sync(ctx context.Context, identityID string, sync types.SubscriptionSync, eventAt *time.Time) (bool, error)
}

// SubscriptionFetcher reads processor subscriptions. Implemented by
// external.StripeClient.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*external.Subscription, error)
}

// Metrics receives one outcome per delivered event.
type Metrics interface {
	RecordWebhook(eventType, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordWebhook(string, string) {}

// Outcomes reported to Metrics.
const (
	OutcomeProcessed  = "processed"
	OutcomeIgnored    = "ignored"
	OutcomeDuplicate  = "duplicate"
	OutcomeInFlight   = "in_flight"
	OutcomeUnresolved = "unresolved"
	OutcomeFailed     = "failed"
)

// Acknowledgement messages.
const (
	MessageProcessed   = "processed"
	MessageIgnored     = "event type not handled"
	MessageDuplicate   = "duplicate event"
	MessageUnresolved  = "identity not resolvable"
	MessageStale       = "stale event"
	MessageNoEffect    = "no effect"
	MessageSuperseded  = "subscription superseded"
	MessageOwnerAbsent = "owner not known"
)

const (
	DefaultProcessTimeout = 10 * time.Second
	DefaultLease          = 5 * time.Minute

	releaseTimeout = 5 * time.Second

	completeAttempts = 4
	completeBackoff  = 100 * time.Millisecond
)

// Result is the acknowledgement for a processed event.
type Result struct {
	EventID string         `json:"eventId"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Config tunes the processor.
type Config struct {
	// Timeout bounds the processing of one event. Processing is detached
	// from the caller's cancellation.
	Timeout time.Duration
	// Lease is how long a claimed event stays reserved for one processor.
	Lease time.Duration
}

// Processor dispatches verified events.
type Processor struct {
	ledger        EventLedger
	resolver      IdentityResolver
	credits       CreditRenewer
	subscriptions SubscriptionSyncer
	processor     SubscriptionFetcher
	catalog       *billing.Catalog
	metrics       Metrics
	clock         types.Clock
	cfg           Config
	logger        *slog.Logger
	sleep         func(time.Duration)
}

// NewProcessor creates a Processor. metrics may be nil.
func NewProcessor(
	ledger EventLedger,
	resolver IdentityResolver,
	credits CreditRenewer,
	subscriptions SubscriptionSyncer,
	processor SubscriptionFetcher,
	catalog *billing.Catalog,
	metrics Metrics,
	clock types.Clock,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProcessTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Processor{
		ledger:        ledger,
		resolver:      resolver,
		credits:       credits,
		subscriptions: subscriptions,
		processor:     processor,
		catalog:       catalog,
		metrics:       metrics,
		clock:         clock,
		cfg:           cfg,
		logger:        logger,
		sleep:         time.Sleep,
	}
}

// Process claims the event in the ledger, applies it and marks it complete.
// A completed duplicate is acknowledged without effect. A duplicate still
// being processed elsewhere fails with internal_event_in_flight so the
// processor redelivers it later. On failure the claim is released and the
// error returned; transient codes ask for redelivery.
//
// Marking the event complete is retried with backoff. If every attempt fails
// the event is still acknowledged, but its claim stays in processing until the
// lease expires. A redelivery after that point re-applies the event: subscription
// state converges, while an invoice renewal resets the period allowance and
// re-grants credits consumed in between.
func (p *Processor) Process(ctx context.Context, evt *external.Event) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	logger := p.logger.With("event_id", evt.ID, "event_type", evt.Type)

	claim, err := p.ledger.Claim(ctx, evt.ID, evt.Type, p.clock.Now(), p.cfg.Lease)
	if err != nil {
		p.metrics.RecordWebhook(evt.Type, OutcomeFailed)
		return nil, err
	}
	switch claim {
	case types.ClaimDuplicate:
		p.metrics.RecordWebhook(evt.Type, OutcomeDuplicate)
		logger.InfoContext(ctx, "duplicate webhook event acknowledged")
		return &Result{EventID: evt.ID, Message: MessageDuplicate}, nil
	case types.ClaimInFlight:
		p.metrics.RecordWebhook(evt.Type, OutcomeInFlight)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalEventInFlight,
			"event is being processed by another worker", nil, map[string]any{"event_id": evt.ID})
	}

	res, outcome, err := p.dispatch(ctx, evt)
	if err != nil {
		p.metrics.RecordWebhook(evt.Type, OutcomeFailed)
		logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		p.release(ctx, evt.ID, logger)
		return nil, err
	}

	if err := p.complete(ctx, evt.ID, logger); err != nil {
		logger.ErrorContext(ctx, "failed to mark webhook event complete; a redelivery after the lease re-applies it",
			"error", err, "lease", p.cfg.Lease)
	}
	p.metrics.RecordWebhook(evt.Type, outcome)
	res.EventID = evt.ID
	logger.InfoContext(ctx, "webhook event handled", "outcome", outcome, "message", res.Message)
	return res, nil
}

// complete marks the event done, retrying with doubling backoff. It runs on
// its own deadline so a processing timeout cannot strand applied effects.
func (p *Processor) complete(ctx context.Context, eventID string, logger *slog.Logger) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	delay := completeBackoff
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = p.ledger.Complete(cctx, eventID); err == nil {
			return nil
		}
		if attempt == completeAttempts || cctx.Err() != nil {
			break
		}
		logger.WarnContext(cctx, "retrying webhook event completion", "attempt", attempt, "error", err)
		p.sleep(delay)
		delay *= 2
	}
	return err
}

func (p *Processor) release(ctx context.Context, eventID string, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.ledger.Release(rctx, eventID); err != nil {
		logger.ErrorContext(rctx, "failed to release webhook event claim", "error", err)
	}
}

// dispatch routes the closed set of handled event types; everything else is
// acknowledged without side effects.
func (p *Processor) dispatch(ctx context.Context, evt *external.Event) (*Result, string, error) {
	switch evt.Type {
	case external.EventCheckoutCompleted:
		return p.checkoutCompleted(ctx, evt)
	case external.EventSubscriptionCreated, external.EventSubscriptionUpdated:
		return p.subscriptionChanged(ctx, evt)
	case external.EventSubscriptionDeleted:
		return p.subscriptionDeleted(ctx, evt)
	case external.EventInvoicePaymentSucceeded:
		return p.paymentSucceeded(ctx, evt)
	case external.EventInvoicePaymentFailed:
		return p.paymentFailed(ctx, evt)
	default:
		return &Result{Message: MessageIgnored}, OutcomeIgnored, nil
	}
}
