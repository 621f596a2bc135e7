package core

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billingengine/internal/types"
)

// PrometheusMetrics implements MetricsCollector and the metrics hooks of the
// billing, subscription, identity and webhook packages on one registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	WebhookEventsTotal    *prometheus.CounterVec
	CreditConsumeTotal    *prometheus.CounterVec
	CreditRenewalsTotal   *prometheus.CounterVec
	StateCacheLookups     *prometheus.CounterVec
	StateFallbackTotal    prometheus.Counter
	IdentityResolutions   *prometheus.CounterVec
	CredentialDeliveries  *prometheus.CounterVec
	MaintenanceTasksTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them, together
// with the Go runtime and process collectors, on a private registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Processor webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		CreditConsumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_credit_consume_total",
				Help: "Credit consumption attempts by outcome",
			},
			[]string{"outcome"},
		),
		CreditRenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_credit_renewals_total",
				Help: "Credit balance renewals by plan",
			},
			[]string{"plan"},
		),
		StateCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_state_cache_lookups_total",
				Help: "Subscription state cache lookups",
			},
			[]string{"result"},
		),
		StateFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_state_fallback_total",
				Help: "State reads served by the base-table fallback",
			},
		),
		IdentityResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_identity_resolutions_total",
				Help: "Processor customer to identity resolutions by path",
			},
			[]string{"via"},
		),
		CredentialDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_credential_deliveries_total",
				Help: "One-time credential deliveries by result",
			},
			[]string{"result"},
		),
		MaintenanceTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_maintenance_tasks_total",
				Help: "In-process maintenance task runs by result",
			},
			[]string{"task", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.CreditConsumeTotal,
		m.CreditRenewalsTotal,
		m.StateCacheLookups,
		m.StateFallbackTotal,
		m.IdentityResolutions,
		m.CredentialDeliveries,
		m.MaintenanceTasksTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordWebhook(eventType, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *PrometheusMetrics) RecordConsume(outcome string) {
	m.CreditConsumeTotal.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) RecordRenewal(plan types.PlanType) {
	m.CreditRenewalsTotal.WithLabelValues(string(plan)).Inc()
}

func (m *PrometheusMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.StateCacheLookups.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) RecordFallback() {
	m.StateFallbackTotal.Inc()
}

func (m *PrometheusMetrics) RecordIdentityResolution(via string) {
	m.IdentityResolutions.WithLabelValues(via).Inc()
}

func (m *PrometheusMetrics) RecordCredentialDelivery(ok bool) {
	m.CredentialDeliveries.WithLabelValues(result(ok)).Inc()
}

// RecordTask counts an in-process maintenance run.
func (m *PrometheusMetrics) RecordTask(task string, ok bool) {
	m.MaintenanceTasksTotal.WithLabelValues(task, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)
