// Package main is the entry point for the billing engine API server.
//
// It loads configuration (resolving SSM secrets outside local mode), opens the
// database pool, verifies the plan catalog against the database, wires the
// billing services into the core chassis and serves HTTP until SIGINT or
// SIGTERM. With SCHEDULER_ENABLE_CRON the maintenance tasks also run
// in-process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"billingengine/internal/api/handlers"
	"billingengine/internal/auth"
	"billingengine/internal/billing"
	"billingengine/internal/config"
	"billingengine/internal/core"
	"billingengine/internal/db"
	"billingengine/internal/external"
	"billingengine/internal/identity"
	"billingengine/internal/queue"
	"billingengine/internal/scheduler"
	"billingengine/internal/subscription"
	"billingengine/internal/types"
	"billingengine/internal/webhook"
)

const startupTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing engine API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	srv, err := buildServer(ctx, cfg, pool, logger)
	if err != nil {
		pool.Close()
		return err
	}
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires repositories, services and handlers onto a core.Server.
// It fails when the plan catalog disagrees with the plan_features table.
func buildServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*core.Server, error) {
	clock := types.RealClock{}
	metrics := core.NewPrometheusMetrics()

	identities := db.NewIdentityRepository(pool)
	records := db.NewSubscriptionRepository(pool, logger)
	states := db.NewStateRepository(pool)
	credits := db.NewCreditRepository(pool)
	events := db.NewWebhookEventRepository(pool)

	catalog, err := billing.NewCatalog(cfg.Billing)
	if err != nil {
		return nil, fmt.Errorf("building plan catalog: %w", err)
	}
	rows, err := states.ListPlanFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading plan features: %w", err)
	}
	if err := catalog.CheckConsistency(rows); err != nil {
		return nil, fmt.Errorf("plan catalog check: %w", err)
	}

	cache := subscription.NewCache(cfg.Cache.Size, cfg.Cache.TTL, metrics)
	subs := subscription.NewService(cache, states, records, identities, metrics, clock,
		subscription.ServiceConfig{FreeCredits: cfg.Billing.CreditsFree}, logger)
	ledger := billing.NewLedger(credits, catalog, cache, metrics, clock, billing.LedgerConfig{
		UpgradeURL:       upgradeURL(cfg.Server.AppURL),
		ResetBatchSize:   cfg.Scheduler.ResetBatchSize,
		ResetConcurrency: cfg.Scheduler.ResetConcurrency,
	}, logger)

	stripe := external.NewStripeClient(nil, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger,
	})
	hasher := auth.NewCredentialHasher(cfg.Auth.BcryptCost)

	sender, err := newCredentialSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	resolver := identity.NewResolver(identities, records, stripe, hasher, sender, metrics, clock,
		identity.ResolverConfig{FreeCredits: cfg.Billing.CreditsFree, CredentialTTL: cfg.Auth.CredentialTTL}, logger)
	processor := webhook.NewProcessor(events, resolver, ledger, subs, stripe, catalog, metrics, clock,
		webhook.Config{Timeout: cfg.Server.WebhookProcessTimeout, Lease: cfg.Billing.WebhookLease}, logger)
	claims := identity.NewClaimService(identities, hasher, cache, clock, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.Authenticator = auth.NewJWTAuthenticator(auth.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret.Unmask()),
		Issuer:   cfg.Auth.JWTIssuer,
		Audience: cfg.Auth.JWTAudience,
	})
	srv.HealthProbes = append(srv.HealthProbes, db.PoolProbe{Pool: pool})
	if cfg.Observability.MetricsEnabled {
		srv.MetricsHandler = metrics.Handler()
	}
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	billingHandler := handlers.NewBillingHandler(subs, stripe, catalog, cfg, srv.Validator, logger)
	creditsHandler := handlers.NewCreditsHandler(subs, ledger, srv.Validator, logger)
	subscriptionHandler := handlers.NewSubscriptionHandler(subs, logger)
	identityHandler := handlers.NewIdentityHandler(claims, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		creditsHandler.RegisterRoutes,
		subscriptionHandler.RegisterRoutes,
		identityHandler.RegisterRoutes,
	)

	webhookHandler := handlers.NewStripeWebhookHandler(
		external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask()),
		processor,
		cfg.Server.WebhookMaxBodyBytes,
		logger,
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)

	if cfg.Scheduler.EnableCron {
		tasks := scheduler.NewTasks(scheduler.Deps{
			Ledger:        ledger,
			Credits:       ledger,
			Subscriptions: records,
			Records:       subs,
			Processor:     stripe,
			Events:        events,
			Credentials:   identities,
		}, cfg.Scheduler, logger)
		runner := scheduler.NewRunner(tasks,
			db.NewJobLockRepository(pool),
			db.NewJobHistoryRepository(pool),
			scheduler.PrometheusTaskMetrics(metrics),
			clock,
			scheduler.RunnerConfig{WorkerID: workerID(), LockTTL: cfg.Scheduler.JobLockTTL},
			logger,
		)
		if err := startCron(srv, runner, cfg.Scheduler, logger); err != nil {
			return nil, err
		}
	}

	return srv, nil
}

// startCron schedules the maintenance tasks and stops them on shutdown.
func startCron(srv *core.Server, runner scheduler.Handler, cfg config.SchedulerConfig, logger *slog.Logger) error {
	c := scheduler.NewCron(runner, 0, logger)
	if err := scheduler.ScheduleAll(c, cfg); err != nil {
		return err
	}
	c.Start()
	srv.OnShutdown(c.Stop)
	return nil
}

// newCredentialSender selects how one-time credentials leave the API: the
// SQS queue drained by the email worker when one is configured, SendGrid
// directly otherwise.
func newCredentialSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (identity.CredentialSender, error) {
	if cfg.AWS.CredentialQueueURL == "" {
		email := external.NewSendGridClient(nil, external.SendGridClientConfig{
			APIKey:  cfg.Email.SendGridAPIKey.Unmask(),
			BaseURL: cfg.Email.SendGridURL,
			Logger:  logger,
		})
		return queue.NewDirectSender(email, cfg.Email, logger), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return queue.NewCredentialPublisher(client, cfg.AWS, logger), nil
}

// upgradeURL is returned with payment_insufficient_credits errors.
func upgradeURL(appURL string) string {
	return strings.TrimRight(appURL, "/") + "/pricing"
}

// workerID names this process as a job lock owner.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return host + "-" + uuid.NewString()[:8]
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stops the cron, then closes the pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
