package scheduler

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

// CloudWatchMetrics publishes maintenance metrics to CloudWatch:
//   - MaintenanceTaskRun: Dims {Task, Result}, one per run
//   - MaintenanceTaskItems: Dims {Task}, items handled by a successful run
//   - ReconciliationDrift: no dims, one per drifted subscription
//   - CreditsResetFailed: no dims, balances left due by a sweep
//
// Publishing failures are logged and dropped.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var (
	_ TaskMetrics  = (*CloudWatchMetrics)(nil)
	_ DriftMetrics = (*CloudWatchMetrics)(nil)
	_ ResetMetrics = (*CloudWatchMetrics)(nil)
)

// NewCloudWatchMetrics creates a publisher. An empty namespace selects
// types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordTask implements TaskMetrics.
func (m *CloudWatchMetrics) RecordTask(ctx context.Context, task TaskType, items int, err error) {
	result := StatusSuccess
	if err != nil {
		result = StatusFailed
	}
	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(types.MetricMaintenanceTaskRun),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimTask), Value: aws.String(string(task))},
			{Name: aws.String(types.DimResult), Value: aws.String(result)},
		},
	}}
	if err == nil {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricMaintenanceTaskItems),
			Value:      aws.Float64(float64(items)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimTask), Value: aws.String(string(task))},
			},
		})
	}
	m.put(ctx, data, "task", string(task))
}

// RecordBillingDrift implements DriftMetrics.
func (m *CloudWatchMetrics) RecordBillingDrift(ctx context.Context, identityID string) {
	m.put(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(types.MetricReconciliationDrift),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	}}, "identity_id", identityID)
}

// RecordResetFailures implements ResetMetrics.
func (m *CloudWatchMetrics) RecordResetFailures(ctx context.Context, failed int) {
	m.put(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(types.MetricCreditsResetFailed),
		Value:      aws.Float64(float64(failed)),
		Unit:       cwtypes.StandardUnitCount,
	}})
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum, logArgs ...any) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			append(logArgs, "metric", aws.ToString(data[0].MetricName), "error", err)...)
	}
}

// TaskRecorder is the Prometheus side of task metrics. Implemented by
// core.PrometheusMetrics.
type TaskRecorder interface {
	RecordTask(task string, ok bool)
}

// PrometheusTaskMetrics adapts a TaskRecorder to TaskMetrics.
func PrometheusTaskMetrics(r TaskRecorder) TaskMetrics {
	return promTasks{r: r}
}

type promTasks struct{ r TaskRecorder }

func (p promTasks) RecordTask(_ context.Context, task TaskType, _ int, err error) {
	p.r.RecordTask(string(task), err == nil)
}
