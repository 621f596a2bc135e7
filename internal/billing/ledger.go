package billing

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"billingengine/internal/types"
)

// CreditStore is the persistence the ledger needs. Implemented by
// db.CreditRepository.
type CreditStore interface {
	GetBalance(ctx context.Context, identityID string) (*types.CreditBalance, error)
	Consume(ctx context.Context, identityID string, amount int, period string) (*types.ConsumeResult, error)
	Renew(ctx context.Context, identityID string, plan types.PlanType, credits int, unlimited bool, resetAt time.Time) (*types.CreditBalance, error)
	ListExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]types.ExpiredBalance, error)
	ListUsage(ctx context.Context, identityID string, limit int) ([]types.UsagePeriod, error)
}

// Invalidator drops cached state for an identity. Implemented by
// subscription.Cache.
type Invalidator interface {
	Invalidate(identityID string)
}

// Metrics receives ledger outcomes.
type Metrics interface {
	RecordConsume(outcome string)
	RecordRenewal(plan types.PlanType)
}

type noopMetrics struct{}

func (noopMetrics) RecordConsume(string)         {}
func (noopMetrics) RecordRenewal(types.PlanType) {}

// Consume outcomes reported to Metrics.
const (
	ConsumeOK           = "ok"
	ConsumeUnlimited    = "unlimited"
	ConsumeInsufficient = "insufficient"
	ConsumeError        = "error"
)

const (
	defaultResetBatchSize   = 500
	defaultResetConcurrency = 8
	defaultUsageHistory     = 12
)

// LedgerConfig tunes the ledger.
type LedgerConfig struct {
	// UpgradeURL is returned with insufficient-credit errors.
	UpgradeURL       string
	ResetBatchSize   int
	ResetConcurrency int
}

// ConsumeOutcome is the result of a successful Consume.
type ConsumeOutcome struct {
	Consumed  int  `json:"consumed"`
	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited"`
}

// ResetSummary reports one ResetExpired sweep.
type ResetSummary struct {
	Scanned int
	Renewed int
	Failed  int
}

// Ledger is the credit ledger service. Availability is always re-checked by
// the store at mutation time; the service holds no locks.
type Ledger struct {
	store   CreditStore
	catalog *Catalog
	cache   Invalidator
	metrics Metrics
	clock   types.Clock
	cfg     LedgerConfig
	logger  *slog.Logger
}

// NewLedger creates a Ledger. cache and metrics may be nil.
func NewLedger(store CreditStore, catalog *Catalog, cache Invalidator, metrics Metrics, clock types.Clock, cfg LedgerConfig, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.ResetBatchSize <= 0 {
		cfg.ResetBatchSize = defaultResetBatchSize
	}
	if cfg.ResetConcurrency <= 0 {
		cfg.ResetConcurrency = defaultResetConcurrency
	}
	return &Ledger{
		store:   store,
		catalog: catalog,
		cache:   cache,
		metrics: metrics,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Balance returns the current balance of an identity.
func (l *Ledger) Balance(ctx context.Context, identityID string) (*types.CreditBalance, error) {
	return l.store.GetBalance(ctx, identityID)
}

// HasCredits reports whether the identity could spend amount right now. The
// answer is advisory; Consume re-checks atomically.
func (l *Ledger) HasCredits(ctx context.Context, identityID string, amount int) (bool, error) {
	if amount <= 0 {
		amount = 1
	}
	b, err := l.store.GetBalance(ctx, identityID)
	if err != nil {
		return false, err
	}
	return b.Unlimited || b.CreditsAvailable >= amount, nil
}

// Consume spends amount credits in a single store call. Insufficient balance
// returns payment_insufficient_credits with the balance figures attached.
func (l *Ledger) Consume(ctx context.Context, identityID string, amount int) (*ConsumeOutcome, error) {
	if amount <= 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"amount must be a positive integer", nil, map[string]any{"amount": amount})
	}
	defer l.invalidate(identityID)

	res, err := l.store.Consume(ctx, identityID, amount, types.UsagePeriodKey(l.clock.Now()))
	if err != nil {
		l.metrics.RecordConsume(ConsumeError)
		return nil, err
	}

	if !res.Success {
		l.metrics.RecordConsume(ConsumeInsufficient)
		l.logger.InfoContext(ctx, "insufficient credits",
			"identity_id", identityID,
			"required", amount,
			"available", res.Remaining,
		)
		return nil, types.NewAppErrorWithDetails(types.ErrCodePaymentInsufficientCredits,
			"not enough credits for this operation", nil,
			map[string]any{
				"available":   res.Remaining,
				"used":        res.Used,
				"total":       res.Total,
				"required":    amount,
				"upgrade_url": l.cfg.UpgradeURL,
			})
	}

	if res.Unlimited {
		l.metrics.RecordConsume(ConsumeUnlimited)
	} else {
		l.metrics.RecordConsume(ConsumeOK)
	}
	return &ConsumeOutcome{Consumed: amount, Remaining: res.Remaining, Unlimited: res.Unlimited}, nil
}

// Renew sets the identity's plan and resets its balance to the full
// allotment with the next reset one month from now. Calling it twice yields
// the same balance.
func (l *Ledger) Renew(ctx context.Context, identityID string, plan types.PlanType) (*types.CreditBalance, error) {
	return l.RenewWithPeriod(ctx, identityID, plan, nil)
}

// RenewWithPeriod is Renew with the reset date taken from the paid period
// end when that lies in the future.
func (l *Ledger) RenewWithPeriod(ctx context.Context, identityID string, plan types.PlanType, periodEnd *time.Time) (*types.CreditBalance, error) {
	return l.renewAt(ctx, identityID, plan, periodEnd, l.clock.Now())
}

// renewAt renews relative to now. Sweeps pass their reference time so every
// row reset in one run gets the same reset date.
func (l *Ledger) renewAt(ctx context.Context, identityID string, plan types.PlanType, periodEnd *time.Time, now time.Time) (*types.CreditBalance, error) {
	defer l.invalidate(identityID)

	resetAt := now.AddDate(0, 1, 0)
	if periodEnd != nil && periodEnd.After(now) {
		resetAt = periodEnd.UTC()
	}

	spec := l.catalog.Spec(plan)
	b, err := l.store.Renew(ctx, identityID, spec.Plan, spec.Credits, spec.Unlimited, resetAt)
	if err != nil {
		return nil, err
	}
	l.metrics.RecordRenewal(spec.Plan)
	l.logger.InfoContext(ctx, "credits renewed",
		"identity_id", identityID,
		"plan", spec.Plan,
		"credits", spec.Credits,
		"reset_at", resetAt,
	)
	return b, nil
}

// ResetExpired renews every balance whose reset date is at or before now,
// each on its current plan. Pages are selected by identity id after the last
// one seen, so a renewed row never comes back in the same sweep and a
// re-run only picks up rows still due. A failing identity is logged and
// counted; the sweep continues.
func (l *Ledger) ResetExpired(ctx context.Context, now time.Time) (ResetSummary, error) {
	var (
		summary ResetSummary
		renewed atomic.Int64
		failed  atomic.Int64
		cursor  string
	)

	for {
		if err := ctx.Err(); err != nil {
			return l.summarize(summary, &renewed, &failed), err
		}

		page, err := l.store.ListExpired(ctx, now, cursor, l.cfg.ResetBatchSize)
		if err != nil {
			return l.summarize(summary, &renewed, &failed), err
		}
		if len(page) == 0 {
			break
		}
		summary.Scanned += len(page)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.ResetConcurrency)
		for _, eb := range page {
			g.Go(func() error {
				if _, err := l.renewAt(gctx, eb.IdentityID, eb.PlanType, nil, now); err != nil {
					failed.Add(1)
					l.logger.ErrorContext(gctx, "credit reset failed",
						"identity_id", eb.IdentityID,
						"plan", eb.PlanType,
						"error", err,
					)
					return nil
				}
				renewed.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		cursor = page[len(page)-1].IdentityID
		if len(page) < l.cfg.ResetBatchSize {
			break
		}
	}

	return l.summarize(summary, &renewed, &failed), nil
}

func (l *Ledger) summarize(s ResetSummary, renewed, failed *atomic.Int64) ResetSummary {
	s.Renewed = int(renewed.Load())
	s.Failed = int(failed.Load())
	return s
}

// Usage returns the identity's recent monthly usage, newest first.
func (l *Ledger) Usage(ctx context.Context, identityID string, months int) ([]types.UsagePeriod, error) {
	if months <= 0 || months > 36 {
		months = defaultUsageHistory
	}
	return l.store.ListUsage(ctx, identityID, months)
}

func (l *Ledger) invalidate(identityID string) {
	if l.cache != nil {
		l.cache.Invalidate(identityID)
	}
}
