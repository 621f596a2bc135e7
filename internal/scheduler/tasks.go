package scheduler

import (
	"log/slog"

	"billingengine/internal/config"
)

// Deps are the collaborators of the maintenance tasks. DriftMetrics and
// ResetMetrics may be nil.
type Deps struct {
	Ledger        CreditSweeper
	Credits       CreditRenewer
	Subscriptions ReconciliationStore
	Records       SubscriptionSyncer
	Processor     SubscriptionFetcher
	Events        EventPurgeStore
	Credentials   CredentialExpirer

	DriftMetrics DriftMetrics
	ResetMetrics ResetMetrics
}

// NewTasks builds the task table shared by the maintenance Lambda, the
// in-process cron and billingctl.
func NewTasks(deps Deps, cfg config.SchedulerConfig, logger *slog.Logger) map[TaskType]Task {
	return map[TaskType]Task{
		TaskResetCredits: NewCreditResetter(deps.Ledger, deps.ResetMetrics, logger),
		TaskSyncStripe: NewStripeSyncer(
			deps.Subscriptions,
			deps.Processor,
			deps.Records,
			deps.Credits,
			deps.DriftMetrics,
			SyncConfig{StaleAfter: cfg.SyncStaleAfter, BatchSize: cfg.SyncBatchSize},
			logger,
		),
		TaskPurgeWebhookEvents: NewEventPurger(deps.Events, deps.Credentials, cfg.WebhookEventRetention, logger),
	}
}

// ScheduleAll registers every task on its configured spec.
func ScheduleAll(c *Cron, cfg config.SchedulerConfig) error {
	specs := []struct {
		task TaskType
		spec string
	}{
		{TaskResetCredits, cfg.ResetCreditsSpec},
		{TaskSyncStripe, cfg.SyncStripeSpec},
		{TaskPurgeWebhookEvents, cfg.PurgeEventsSpec},
	}
	for _, s := range specs {
		if err := c.Schedule(s.spec, s.task); err != nil {
			return err
		}
	}
	return nil
}
