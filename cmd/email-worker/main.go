// Package main is the entrypoint for the Email Worker Lambda function.
//
// The worker drains the credential SQS queue filled by the API when a payment
// provisions a new identity. Each message carries a one-time credential that
// is emailed through SendGrid. The handler uses partial batch responses:
// messages that fail with a retryable error are returned in
// batchItemFailures so SQS redelivers only those.
//
// Messages that can never succeed (malformed JSON, missing fields, delivery
// switched off) are acknowledged and logged.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"billingengine/internal/config"
	"billingengine/internal/external"
	"billingengine/internal/queue"
	"billingengine/internal/types"
)

// workerConfig is the subset of configuration the worker reads.
type workerConfig struct {
	Environment string `envconfig:"APP_ENV" default:"prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	AWS           config.AWSConfig
	Email         config.EmailConfig
	Observability config.ObservabilityConfig
}

// CredentialSender delivers one credential email. Implemented by
// queue.DirectSender.
type CredentialSender interface {
	SendCredential(ctx context.Context, msg types.CredentialMessage) error
}

// DeliveryMetrics receives one outcome per message.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, ok bool)
}

// Handler holds the dependencies for the email worker Lambda handler.
type Handler struct {
	sender  CredentialSender
	metrics DeliveryMetrics
	logger  *slog.Logger
}

// Handle processes an SQS event containing one or more credential messages.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to deliver credential",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage returns an error only when a redelivery could succeed.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.CredentialMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal credential message",
			"message_id", record.MessageId,
			"error", err,
		)
		// Permanent parse failure: ACK.
		return nil
	}

	logger := h.logger.With(
		"message_id", record.MessageId,
		"identity_id", msg.IdentityID,
		"event_id", msg.EventID,
	)

	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if at, err := parseMillisTimestamp(sent); err == nil {
			logger.DebugContext(ctx, "credential message received", "queue_lag", time.Since(at))
		}
	}

	err := h.sender.SendCredential(ctx, msg)
	switch {
	case err == nil:
		h.metrics.RecordDelivery(ctx, true)
		return nil
	case errors.Is(err, queue.ErrEmailDisabled):
		logger.WarnContext(ctx, "email delivery disabled, dropping credential message")
		return nil
	case isPermanent(err):
		h.metrics.RecordDelivery(ctx, false)
		logger.ErrorContext(ctx, "credential message cannot be delivered", "error", err)
		return nil
	default:
		h.metrics.RecordDelivery(ctx, false)
		return err
	}
}

// isPermanent reports errors that redelivery cannot fix.
func isPermanent(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return !appErr.Code.IsTransient()
}

// parseMillisTimestamp parses a millisecond-epoch string into a time.Time.
// Used for the SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("email worker Lambda initializing (cold start)")

	var cfg workerConfig
	if err := config.LoadInto(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")), &cfg); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	if !cfg.Email.SendGridAPIKey.IsSet() {
		logger.Warn("SENDGRID_API_KEY not set; sends will fail and be retried")
	}
	provider := external.NewSendGridClient(nil, external.SendGridClientConfig{
		APIKey:  cfg.Email.SendGridAPIKey.Unmask(),
		BaseURL: cfg.Email.SendGridURL,
		Logger:  logger,
	})

	handler := &Handler{
		sender:  queue.NewDirectSender(provider, cfg.Email, logger),
		metrics: newCloudWatchDeliveryMetrics(cwClient, cfg.Observability.MetricNamespace, logger),
		logger:  logger,
	}

	logger.Info("email worker Lambda initialized",
		"credential_queue", cfg.AWS.CredentialQueueURL,
		"metric_namespace", cfg.Observability.MetricNamespace,
		"from_address", cfg.Email.FromAddress,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/email-worker
	if cfg.Environment == "local" {
		if err := runLocal(context.Background(), handler, os.Stdin, logger); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal feeds one SQS event read from r through the handler.
func runLocal(ctx context.Context, handler *Handler, r io.Reader, logger *slog.Logger) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("no input received on stdin")
	}
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	response, err := handler.Handle(ctx, sqsEvent)
	if err != nil {
		return err
	}
	if len(response.BatchItemFailures) > 0 {
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(os.Stderr, string(respJSON))
	}
	logger.Info("handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
	return nil
}
