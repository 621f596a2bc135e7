// Package main is the entrypoint for the maintenance Lambda function.
//
// The Lambda is a maintenance multiplexer: EventBridge rules send a JSON
// MaintenancePayload naming the task and the scheduler.Runner routes it,
// holding a job lock and recording job history around each run. Results are
// published to CloudWatch.
//
// Payload example:
//
//	{"task": "sync_stripe", "reference_time": "2026-03-01T00:00:00Z"}
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"billingengine/internal/billing"
	"billingengine/internal/config"
	"billingengine/internal/db"
	"billingengine/internal/external"
	"billingengine/internal/scheduler"
	"billingengine/internal/subscription"
	"billingengine/internal/types"
)

const coldStartTimeout = 20 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), coldStartTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Unique per Lambda instance; used for job lock ownership.
	workerID := uuid.New().String()

	runner, err := buildRunner(cfg, pool, cw, workerID, logger)
	if err != nil {
		logger.Error("failed to build maintenance runner", "error", err)
		os.Exit(1)
	}

	logger.Info("maintenance Lambda initialized",
		"worker_id", workerID,
		"tasks", runner.Tasks(),
	)

	lambda.Start(runner.Handle)
}

// buildRunner wires the maintenance tasks against the database and Stripe.
// The subscription cache here is private to the Lambda; API instances pick
// up the changes when their own entries expire.
func buildRunner(cfg *config.Config, pool *pgxpool.Pool, cw scheduler.CloudWatchClient, workerID string, logger *slog.Logger) (*scheduler.Runner, error) {
	clock := types.RealClock{}
	metrics := scheduler.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, logger)

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
		DriftMetrics:  metrics,
		ResetMetrics:  metrics,
	}, cfg.Scheduler, logger)

	return scheduler.NewRunner(tasks,
		db.NewJobLockRepository(pool),
		db.NewJobHistoryRepository(pool),
		metrics,
		clock,
		scheduler.RunnerConfig{WorkerID: workerID, LockTTL: cfg.Scheduler.JobLockTTL},
		logger,
	), nil
}
