package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "actiongate"

// MetricsCollector holds all Prometheus metrics for ActionGate.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	RetriesTotal   *prometheus.CounterVec

	// Tool call metrics. One observation per attempt.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Approval metrics.
	ApprovalsTotal   *prometheus.CounterVec
	PendingApprovals prometheus.Gauge

	// Sensitive data filter metrics.
	FilterDetectionsTotal *prometheus.CounterVec

	// Security metrics.
	PolicyChecksTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
	ActiveRuns     prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "actions_total",
			Help:      "Total actions by handling category and terminal state.",
		}, []string{"category", "state"}),

		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "action_duration_seconds",
			Help:      "End-to-end action duration in seconds, approval wait included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"category"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Total tool call retries.",
		}, []string{"category"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool call attempts.",
		}, []string{"method", "endpoint", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Total approval decisions.",
		}, []string{"decision"}),

		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Number of actions currently awaiting approval.",
		}),

		FilterDetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "detections_total",
			Help:      "Total sensitive values masked, by pattern category.",
		}, []string{"category"}),

		PolicyChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "policy_checks_total",
			Help:      "Total policy checks performed.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of pipeline runs not yet in a terminal state.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ActionsTotal,
		m.ActionDuration,
		m.RetriesTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ApprovalsTotal,
		m.PendingApprovals,
		m.FilterDetectionsTotal,
		m.PolicyChecksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ActiveRuns,
	)

	return m
}
