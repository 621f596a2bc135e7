package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	MetricCreditsResetFailed       = "CreditsResetFailed"
	MetricReconciliationDrift      = "ReconciliationDrift"
	MetricCredentialsDelivered     = "CredentialsDelivered"
	MetricCredentialDeliveryFailed = "CredentialDeliveryFailed"
	MetricMaintenanceTaskRun       = "MaintenanceTaskRun"
	MetricMaintenanceTaskItems     = "MaintenanceTaskItems"

	// Dimension Keys
	DimTask   = "Task"
	DimResult = "Result"

	// Metric Namespace
	MetricNamespace = "BillingEngine"
)
