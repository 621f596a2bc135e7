package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"billingengine/internal/billing"
	"billingengine/internal/config"
	"billingengine/internal/db"
	"billingengine/internal/external"
	"billingengine/internal/scheduler"
	"billingengine/internal/subscription"
	"billingengine/internal/types"
)

func newRunTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-task",
		Short: "Run one maintenance task now",
		Long: "Runs a maintenance task through the same runner as the maintenance Lambda,\n" +
			"including the job lock and job history. --force skips the lock.",
		Args: cobra.NoArgs,
		RunE: runTask,
	}
	cmd.Flags().String("task", "", "task to run (reset_credits, sync_stripe, purge_webhook_events)")
	cmd.Flags().String("reference-time", "", "RFC3339 time the task treats as now")
	cmd.Flags().Bool("force", false, "run even if another worker holds the job lock")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func runTask(cmd *cobra.Command, _ []string) error {
	taskName, _ := cmd.Flags().GetString("task")
	refTime, _ := cmd.Flags().GetString("reference-time")
	force, _ := cmd.Flags().GetBool("force")

	payload, err := parsePayload(taskName, refTime)
	if err != nil {
		return err
	}

	logger := commandLogger(cmd)
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := openPool(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := newRunner(cfg, pool, !force, logger)
	if err != nil {
		return err
	}
	result, err := runner.Handle(cmd.Context(), payload)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}

// parsePayload validates the flags before anything connects.
func parsePayload(task, referenceTime string) (scheduler.MaintenancePayload, error) {
	payload := scheduler.MaintenancePayload{Task: scheduler.TaskType(task)}
	if !payload.Task.Valid() {
		return payload, fmt.Errorf("%w: %q", scheduler.ErrUnknownTask, task)
	}
	if referenceTime != "" {
		t, err := time.Parse(time.RFC3339, referenceTime)
		if err != nil {
			return payload, fmt.Errorf("invalid --reference-time: %w", err)
		}
		payload.ReferenceTime = &t
	}
	return payload, nil
}

func newRunner(cfg *config.Config, pool *pgxpool.Pool, withLock bool, logger *slog.Logger) (*scheduler.Runner, error) {
	clock := types.RealClock{}
	catalog, err := billing.NewCatalog(cfg.Billing)
	if err != nil {
		return nil, fmt.Errorf("building plan catalog: %w", err)
	}

	identities := db.NewIdentityRepository(pool)
	records := db.NewSubscriptionRepository(pool, logger)
	cache := subscription.NewCache(cfg.Cache.Size, cfg.Cache.TTL, nil)
	subs := subscription.NewService(cache, db.NewStateRepository(pool), records, identities, nil, clock,
		subscription.ServiceConfig{FreeCredits: cfg.Billing.CreditsFree}, logger)
	ledger := billing.NewLedger(db.NewCreditRepository(pool), catalog, cache, nil, clock, billing.LedgerConfig{
		ResetBatchSize:   cfg.Scheduler.ResetBatchSize,
		ResetConcurrency: cfg.Scheduler.ResetConcurrency,
	}, logger)
	stripe := external.NewStripeClient(nil, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger,
	})

	tasks := scheduler.NewTasks(scheduler.Deps{
		Ledger:        ledger,
		Credits:       ledger,
		Subscriptions: records,
		Records:       subs,
		Processor:     stripe,
		Events:        db.NewWebhookEventRepository(pool),
		Credentials:   identities,
	}, cfg.Scheduler, logger)

	var lock scheduler.JobLocker
	if withLock {
		lock = db.NewJobLockRepository(pool)
	}
	host, _ := os.Hostname()
	return scheduler.NewRunner(tasks, lock, db.NewJobHistoryRepository(pool), nil, clock,
		scheduler.RunnerConfig{WorkerID: "billingctl@" + host, LockTTL: cfg.Scheduler.JobLockTTL},
		logger,
	), nil
}
