package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingengine/internal/billing"
)

// CreditSweeper renews every balance that is due. Implemented by
// billing.Ledger.
type CreditSweeper interface {
	ResetExpired(ctx context.Context, now time.Time) (billing.ResetSummary, error)
}

// ResetMetrics receives the number of balances that could not be renewed.
type ResetMetrics interface {
	RecordResetFailures(ctx context.Context, failed int)
}

// CreditResetter is the reset_credits task.
type CreditResetter struct {
	ledger  CreditSweeper
	metrics ResetMetrics
	logger  *slog.Logger
}

// NewCreditResetter creates a CreditResetter. metrics may be nil.
func NewCreditResetter(ledger CreditSweeper, metrics ResetMetrics, logger *slog.Logger) *CreditResetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditResetter{ledger: ledger, metrics: metrics, logger: logger}
}

// Run renews every balance whose reset date has passed and returns the
// number renewed. Identities that fail are left due and picked up by the
// next run; they do not fail the task.
func (c *CreditResetter) Run(ctx context.Context, now time.Time) (int, error) {
	summary, err := c.ledger.ResetExpired(ctx, now)
	if err != nil {
		return summary.Renewed, fmt.Errorf("resetting expired credits: %w", err)
	}

	if summary.Failed > 0 {
		c.logger.WarnContext(ctx, "some credit balances were not renewed",
			"failed", summary.Failed,
			"renewed", summary.Renewed,
		)
		if c.metrics != nil {
			c.metrics.RecordResetFailures(ctx, summary.Failed)
		}
	}

	c.logger.InfoContext(ctx, "credit reset sweep complete",
		"scanned", summary.Scanned,
		"renewed", summary.Renewed,
		"failed", summary.Failed,
	)
	return summary.Renewed, nil
}
