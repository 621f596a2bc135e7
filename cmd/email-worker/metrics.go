package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"billingengine/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// cloudWatchDeliveryMetrics emits CredentialsDelivered or
// CredentialDeliveryFailed, one count per message.
type cloudWatchDeliveryMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

func newCloudWatchDeliveryMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *cloudWatchDeliveryMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &cloudWatchDeliveryMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *cloudWatchDeliveryMetrics) RecordDelivery(ctx context.Context, ok bool) {
	name := types.MetricCredentialsDelivered
	if !ok {
		name = types.MetricCredentialDeliveryFailed
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
		}},
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric", "metric", name, "error", err)
	}
}
