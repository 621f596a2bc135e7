// Package config defines the configuration of the billing engine binaries.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"billingengine/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for the redacted secret type.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billing-engine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Auth          AuthConfig
	Cache         CacheConfig
	Email         EmailConfig
	Scheduler     SchedulerConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public app URL used for upgrade hints in payment-required errors.
	AppURL             string        `envconfig:"APP_URL" validate:"required,url"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	// Webhook processing is detached from the client connection but bounded by this.
	WebhookProcessTimeout time.Duration `envconfig:"WEBHOOK_PROCESS_TIMEOUT" default:"10s"`
	WebhookMaxBodyBytes   int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"524288"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	// AutoMigrate runs embedded goose migrations at API startup.
	AutoMigrate bool `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// CredentialQueueURL is the SQS queue consumed by the email worker. When
	// empty, the API delivers one-time credentials directly via SendGrid.
	CredentialQueueURL string `envconfig:"SQS_CREDENTIALS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials, the plan price table and the credit
// allotments that make up the plan catalog.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeBaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`

	PriceStarter    string `envconfig:"STRIPE_PRICE_STARTER" validate:"required"`
	PriceEnterprise string `envconfig:"STRIPE_PRICE_ENTERPRISE" validate:"required"`
	PriceUnlimited  string `envconfig:"STRIPE_PRICE_UNLIMITED" validate:"required"`

	// Price points in the smallest currency unit, used to bucket invoices
	// that carry no recognizable price reference.
	AmountStarter    int64 `envconfig:"PLAN_AMOUNT_STARTER" default:"900" validate:"gt=0"`
	AmountEnterprise int64 `envconfig:"PLAN_AMOUNT_ENTERPRISE" default:"2900" validate:"gtfield=AmountStarter"`
	AmountUnlimited  int64 `envconfig:"PLAN_AMOUNT_UNLIMITED" default:"9900" validate:"gtfield=AmountEnterprise"`

	CreditsFree       int `envconfig:"PLAN_CREDITS_FREE" default:"3" validate:"gte=0"`
	CreditsStarter    int `envconfig:"PLAN_CREDITS_STARTER" default:"20" validate:"gte=0"`
	CreditsEnterprise int `envconfig:"PLAN_CREDITS_ENTERPRISE" default:"50" validate:"gte=0"`
	// Reported as the available balance for unlimited plans.
	UnlimitedDisplayCredits int `envconfig:"PLAN_UNLIMITED_DISPLAY_CREDITS" default:"999999" validate:"gt=0"`

	CheckoutSuccessURL string `envconfig:"CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CheckoutCancelURL  string `envconfig:"CHECKOUT_CANCEL_URL" validate:"required,url"`
	PortalReturnURL    string `envconfig:"PORTAL_RETURN_URL" validate:"required,url"`

	// WebhookLease bounds how long a claimed event blocks redeliveries.
	WebhookLease time.Duration `envconfig:"WEBHOOK_LEASE" default:"2m"`
}

// AuthConfig holds token verification and one-time credential settings.
type AuthConfig struct {
	JWTSecret   SecretString `envconfig:"JWT_SECRET" validate:"required,min=32"`
	JWTIssuer   string       `envconfig:"JWT_ISSUER"`
	JWTAudience string       `envconfig:"JWT_AUDIENCE"`

	CredentialTTL time.Duration `envconfig:"CREDENTIAL_TTL" default:"168h"`
	BcryptCost    int           `envconfig:"BCRYPT_COST" default:"12" validate:"min=4,max=31"`
}

// CacheConfig tunes the process-local subscription state cache.
type CacheConfig struct {
	TTL  time.Duration `envconfig:"STATE_CACHE_TTL" default:"120s" validate:"gt=0"`
	Size int           `envconfig:"STATE_CACHE_SIZE" default:"10000" validate:"gt=0"`
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`
	SendGridURL    string       `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@example.com" validate:"email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Billing"`
	// CredentialTemplateID selects a SendGrid dynamic template. When empty a
	// plain-text body is sent.
	CredentialTemplateID string `envconfig:"EMAIL_CREDENTIAL_TEMPLATE_ID"`
	Enabled              bool   `envconfig:"FEATURE_ENABLE_EMAIL" default:"true"`
}

// SchedulerConfig holds maintenance task schedules and tuning.
type SchedulerConfig struct {
	// EnableCron runs maintenance tasks in-process on the API instead of (or
	// in addition to) the maintenance Lambda.
	EnableCron       bool   `envconfig:"SCHEDULER_ENABLE_CRON" default:"false"`
	ResetCreditsSpec string `envconfig:"SCHEDULER_RESET_CREDITS_SPEC" default:"@every 15m"`
	SyncStripeSpec   string `envconfig:"SCHEDULER_SYNC_STRIPE_SPEC" default:"@hourly"`
	PurgeEventsSpec  string `envconfig:"SCHEDULER_PURGE_EVENTS_SPEC" default:"@daily"`

	ResetBatchSize   int `envconfig:"RESET_BATCH_SIZE" default:"200" validate:"gt=0"`
	ResetConcurrency int `envconfig:"RESET_CONCURRENCY" default:"8" validate:"gt=0"`

	SyncStaleAfter time.Duration `envconfig:"SYNC_STALE_AFTER" default:"24h"`
	SyncBatchSize  int           `envconfig:"SYNC_BATCH_SIZE" default:"100" validate:"gt=0"`

	WebhookEventRetention time.Duration `envconfig:"WEBHOOK_EVENT_RETENTION" default:"720h"`
	JobLockTTL            time.Duration `envconfig:"JOB_LOCK_TTL" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillingEngine"`
	// MetricsEnabled exposes GET /metrics in Prometheus text format.
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string `ignored:"true"`
	Commit    string `ignored:"true"`
	BuildTime string `ignored:"true"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
