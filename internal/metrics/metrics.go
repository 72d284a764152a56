// Package metrics exposes Prometheus instrumentation for the lookalike pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for scoring and job stages. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Blocks committed by the stream scorer, by outcome
	Blocks *prometheus.CounterVec

	// Profiles scored and newly persisted
	ProfilesScored prometheus.Counter

	// Retries by operation: "fetch", "process"
	Retries *prometheus.CounterVec

	// Wall time of one block from projection to commit
	BlockLatency prometheus.Histogram

	// Stage outcomes by stage and result
	Stages *prometheus.CounterVec

	// Stage duration by stage
	StageLatency *prometheus.HistogramVec

	// Jobs by health state: "in_flight", "stalled"
	Jobs *prometheus.GaugeVec
}

// New registers all pipeline metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lookalike_scoring_blocks_total",
			Help: "Total scoring blocks by outcome",
		}, []string{"outcome"}), // outcome: "committed", "failed"

		ProfilesScored: f.NewCounter(prometheus.CounterOpts{
			Name: "lookalike_scoring_profiles_total",
			Help: "Total profiles scored and persisted",
		}),

		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lookalike_scoring_retries_total",
			Help: "Total retried scoring operations",
		}, []string{"operation"}),

		BlockLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookalike_scoring_block_duration_seconds",
			Help:    "Duration of processing and persisting one block",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		Stages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lookalike_stage_runs_total",
			Help: "Total pipeline stage runs by stage and result",
		}, []string{"stage", "result"}),

		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookalike_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),

		Jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lookalike_jobs",
			Help: "Current lookalike jobs by health state",
		}, []string{"state"}),
	}
}

// BlockCommitted records one persisted block.
func (m *Metrics) BlockCommitted(profiles int64, d time.Duration) {
	if m == nil {
		return
	}
	m.Blocks.WithLabelValues("committed").Inc()
	m.ProfilesScored.Add(float64(profiles))
	m.BlockLatency.Observe(d.Seconds())
}

// BlockFailed records a block whose retries were exhausted.
func (m *Metrics) BlockFailed() {
	if m != nil {
		m.Blocks.WithLabelValues("failed").Inc()
	}
}

// IncrementRetry records one retried operation.
func (m *Metrics) IncrementRetry(operation string) {
	if m != nil {
		m.Retries.WithLabelValues(operation).Inc()
	}
}

// ObserveStage records the result and duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Stages.WithLabelValues(stage, result).Inc()
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveJobs records the latest job health counts.
func (m *Metrics) ObserveJobs(inFlight, stalled int) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues("in_flight").Set(float64(inFlight))
	m.Jobs.WithLabelValues("stalled").Set(float64(stalled))
}
