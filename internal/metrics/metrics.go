// Package metrics defines the Prometheus collectors of the controller. Every
// method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "protein"

// Metrics holds the collectors, registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	jobsDispatched   *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	storeRetries     *prometheus.CounterVec
	runs             *prometheus.GaugeVec
	suggestDuration  prometheus.Histogram
	bestScore        prometheus.Gauge
	loopIterations   prometheus.Counter
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_dispatched_total",
				Help:      "Jobs handed to the dispatcher",
			},
			[]string{"type"},
		),
		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Dispatches that failed after retries",
			},
			[]string{"type"},
		),
		storeRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Retried store and dispatcher calls",
			},
			[]string{"op"},
		),
		runs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs",
				Help:      "Runs of the experiment by status",
			},
			[]string{"status"},
		),
		suggestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "suggest_duration_seconds",
				Help:      "Time spent producing a batch of suggestions",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		bestScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "best_score",
				Help:      "Best score observed so far",
			},
		),
		loopIterations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Controller poll iterations",
			},
		),
	}

	m.registry.MustRegister(
		m.jobsDispatched,
		m.dispatchFailures,
		m.storeRetries,
		m.runs,
		m.suggestDuration,
		m.bestScore,
		m.loopIterations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobDispatched(jobType string) {
	if m == nil {
		return
	}

	m.jobsDispatched.WithLabelValues(jobType).Inc()
}

func (m *Metrics) DispatchFailed(jobType string) {
	if m == nil {
		return
	}

	m.dispatchFailures.WithLabelValues(jobType).Inc()
}

func (m *Metrics) Retried(op string) {
	if m == nil {
		return
	}

	m.storeRetries.WithLabelValues(op).Inc()
}

// SetRuns replaces the per status gauges. Statuses missing from counts are
// reset to zero.
func (m *Metrics) SetRuns(counts map[string]int, statuses []string) {
	if m == nil {
		return
	}

	for _, s := range statuses {
		m.runs.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) ObserveSuggest(d time.Duration) {
	if m == nil {
		return
	}

	m.suggestDuration.Observe(d.Seconds())
}

func (m *Metrics) SetBestScore(v float64) {
	if m == nil {
		return
	}

	m.bestScore.Set(v)
}

func (m *Metrics) LoopIteration() {
	if m == nil {
		return
	}

	m.loopIterations.Inc()
}
