// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Builds by toolchain and outcome (ok, failed, canceled).
	BuildDuration *prometheus.HistogramVec

	// Native calls by skill and outcome.
	ExecTotal    *prometheus.CounterVec
	ExecDuration *prometheus.HistogramVec

	// Hot-swaps and unloads by skill.
	Swaps *prometheus.CounterVec

	// Handles still open after leaving the registry (in-flight calls on old versions).
	RetiredHandles prometheus.Gauge

	// Review latency and non-responses by reviewer.
	ReviewDuration *prometheus.HistogramVec
	ReviewFailures *prometheus.CounterVec

	// Circuit breaker state per reviewer (0=closed, 1=half-open, 2=open).
	BreakerState *prometheus.GaugeVec

	// Approval decisions by status and reason class.
	Decisions *prometheus.CounterVec

	// Pipeline stage reached by outcome.
	PipelineRuns *prometheus.CounterVec

	// Promotions, rollbacks and dead ends by skill.
	Promotions *prometheus.CounterVec
	Rollbacks  *prometheus.CounterVec
	DeadEnds   *prometheus.CounterVec

	// Audit buffer fill and dropped records.
	AuditBufferFill prometheus.Gauge
	AuditDropped    prometheus.Counter
}

// NewMetrics registers every collector with reg. A nil reg gets a private
// registry so callers and tests never need to special-case metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		BuildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helix_build_duration_seconds",
			Help:    "Duration of skill builds.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"toolchain", "outcome"}),

		ExecTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_skill_exec_total",
			Help: "Skill executions across the native boundary.",
		}, []string{"skill", "outcome"}),

		ExecDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helix_skill_exec_duration_seconds",
			Help:    "Latency of skill executions.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"skill"}),

		Swaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_skill_swaps_total",
			Help: "Registry replacements and removals.",
		}, []string{"skill", "kind"}),

		RetiredHandles: f.NewGauge(prometheus.GaugeOpts{
			Name: "helix_retired_handles",
			Help: "Replaced artifacts still pinned by in-flight calls.",
		}),

		ReviewDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helix_review_duration_seconds",
			Help:    "Reviewer response latency.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"reviewer"}),

		ReviewFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_review_failures_total",
			Help: "Reviewer non-responses and unparseable answers.",
		}, []string{"reviewer", "kind"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helix_reviewer_breaker_state",
			Help: "Reviewer circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"reviewer"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_approval_decisions_total",
			Help: "Terminal approval decisions.",
		}, []string{"status", "reason"}),

		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_pipeline_runs_total",
			Help: "Evolution pipeline runs by last stage reached.",
		}, []string{"stage", "outcome"}),

		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_promotions_total",
			Help: "Versions promoted to active.",
		}, []string{"skill"}),

		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_rollbacks_total",
			Help: "Rollbacks by trigger (manual, bake).",
		}, []string{"skill", "trigger"}),

		DeadEnds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_dead_ends_total",
			Help: "Dead end recordings.",
		}, []string{"skill"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "helix_audit_buffer_utilization",
			Help: "Audit records waiting to be written.",
		}),

		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "helix_audit_dropped_total",
			Help: "Audit records dropped because the buffer was full.",
		}),
	}
}

// OrNop returns m, or an unregistered instance when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
