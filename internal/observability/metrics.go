package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "responseforge"

// Metrics holds Prometheus metrics for the response engine.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// Planner metrics
	PlansCreated *prometheus.CounterVec
	PlanActions  prometheus.Histogram
	PlanCache    *prometheus.CounterVec

	// Policy metrics
	PolicyDecisions  *prometheus.CounterVec
	ApprovalRequests prometheus.Counter

	// Execution metrics
	ActionResults  *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	Rollbacks      *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// NewMetrics registers the engine metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PlansCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_created_total",
				Help:      "Decision plans created by strategy",
			},
			[]string{"strategy"},
		),
		PlanActions: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_actions",
				Help:      "Number of actions per plan",
				Buckets:   prometheus.LinearBuckets(0, 2, 8),
			},
		),
		PlanCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_cache_lookups_total",
				Help:      "Plan cache lookups by result",
			},
			[]string{"result"},
		),
		PolicyDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Per-action policy decisions by status",
			},
			[]string{"status"},
		),
		ApprovalRequests: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_requests_created_total",
				Help:      "Approval requests created",
			},
		),
		ActionResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_results_total",
				Help:      "Executed action results by kind and status",
			},
			[]string{"kind", "status"},
		),
		ActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Action execution duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
		Rollbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_results_total",
				Help:      "Rollback action results by status",
			},
			[]string{"status"},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}
}

// ObservePlan records a created plan
func (m *Metrics) ObservePlan(strategy string, actions int) {
	if m == nil {
		return
	}
	m.PlansCreated.WithLabelValues(strategy).Inc()
	m.PlanActions.Observe(float64(actions))
}

// ObservePlanCache records a plan cache lookup
func (m *Metrics) ObservePlanCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PlanCache.WithLabelValues(result).Inc()
}

// ObserveDecision records one per-action policy decision
func (m *Metrics) ObserveDecision(status string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(status).Inc()
}

// ObserveApprovalRequests records newly created approval requests
func (m *Metrics) ObserveApprovalRequests(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ApprovalRequests.Add(float64(n))
}

// ObserveAction records an action result
func (m *Metrics) ObserveAction(kind, status string, d time.Duration, rollback bool) {
	if m == nil {
		return
	}
	if rollback {
		m.Rollbacks.WithLabelValues(status).Inc()
	}
	m.ActionResults.WithLabelValues(kind, status).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRequest records an HTTP request
func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ObserveRateLimited records a rejected request
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
