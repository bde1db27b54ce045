// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "notebook_relay"

// Recorder groups the service's collectors on its own registry so tests and
// multiple servers in one process do not collide.
type Recorder struct {
	Registry *prometheus.Registry

	sessionActive      prometheus.Gauge
	setups             *prometheus.CounterVec
	closes             *prometheus.CounterVec
	queries            *prometheus.CounterVec
	responseWait       prometheus.Histogram
	extractionFailures *prometheus.CounterVec
	cleanupFailures    *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a browser session is live.",
		}),
		setups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_setups_total",
			Help:      "Session setup attempts by outcome.",
		}, []string{"outcome"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Close calls by whether a live session was closed.",
		}, []string{"closed"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Query executions by outcome.",
		}, []string{"outcome"}),
		responseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_wait_seconds",
			Help:      "Time from submission until a new response appeared.",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90},
		}),
		extractionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_failures_total",
			Help:      "Non-fatal extraction step failures by step.",
		}, []string{"step"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Failed browser or profile cleanups by resource.",
		}, []string{"resource"}),
	}
	r.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.sessionActive,
		r.setups,
		r.closes,
		r.queries,
		r.responseWait,
		r.extractionFailures,
		r.cleanupFailures,
	)
	return r
}

// The methods below accept a nil receiver so components can run without
// metrics in tests.

func (r *Recorder) SessionActive(live bool) {
	if r == nil {
		return
	}
	if live {
		r.sessionActive.Set(1)
		return
	}
	r.sessionActive.Set(0)
}

func (r *Recorder) Setup(outcome string) {
	if r == nil {
		return
	}
	r.setups.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Close(closed bool) {
	if r == nil {
		return
	}
	label := "false"
	if closed {
		label = "true"
	}
	r.closes.WithLabelValues(label).Inc()
}

func (r *Recorder) Query(outcome string) {
	if r == nil {
		return
	}
	r.queries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ResponseWait(d time.Duration) {
	if r == nil {
		return
	}
	r.responseWait.Observe(d.Seconds())
}

func (r *Recorder) ExtractionFailure(step string) {
	if r == nil {
		return
	}
	r.extractionFailures.WithLabelValues(step).Inc()
}

func (r *Recorder) CleanupFailure(resource string) {
	if r == nil {
		return
	}
	r.cleanupFailures.WithLabelValues(resource).Inc()
}
