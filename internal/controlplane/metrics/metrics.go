// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the control plane emits. It implements
// the adapter registry's Observer so invocations are counted at the
// dispatch point.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	AdapterCalls      *prometheus.CounterVec
	AdapterLatency    *prometheus.HistogramVec
	PolicyBlocks      *prometheus.CounterVec
	RateLimitDropped  prometheus.Counter
	ApprovalDecisions *prometheus.CounterVec
	RunsFinished      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praetor_http_requests_total",
			Help: "API requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		AdapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praetor_adapter_invocations_total",
			Help: "Adapter invocations by tool, mode and outcome.",
		}, []string{"tool", "mode", "outcome"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "praetor_adapter_latency_seconds",
			Help:    "Adapter invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		PolicyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praetor_policy_blocks_total",
			Help: "Steps skipped by policy, keyed by tool.",
		}, []string{"tool"}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "praetor_rate_limit_dropped_total",
			Help: "Requests rejected by the per-tenant rate limiter.",
		}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praetor_approval_decisions_total",
			Help: "Approval gate decisions by outcome.",
		}, []string{"decision"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praetor_runs_finished_total",
			Help: "Finished runs by terminal status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.HTTPRequests, m.AdapterCalls, m.AdapterLatency,
		m.PolicyBlocks, m.RateLimitDropped, m.ApprovalDecisions, m.RunsFinished,
	)
	return m
}

// ObserveInvocation satisfies the adapter registry's Observer.
func (m *Metrics) ObserveInvocation(tool, mode string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AdapterCalls.WithLabelValues(tool, mode, outcome).Inc()
	m.AdapterLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveHTTP counts one served request under its route pattern.
func (m *Metrics) ObserveHTTP(method, route string, status int) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler serves the scrape endpoint for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
