// Package metrics holds the Prometheus collectors of the media pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
)

const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

type Metrics struct {
	uploads           *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
	flagged           *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_uploads_total",
				Help: "Media files accepted for processing",
			},
			[]string{"kind"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_processing_outcomes_total",
				Help: "Processing attempts by outcome",
			},
			[]string{"kind", "outcome"},
		),
		flagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_flagged_for_review_total",
				Help: "Completed items flagged for human review",
			},
			[]string{"kind"},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "media_inference_duration_seconds",
				Help:    "Time spent classifying one media file",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"kind"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "media_queue_jobs",
				Help: "Jobs in the processing queue by state",
			},
			[]string{"state"},
		),
	}

	m.registry = registry

	for _, c := range []prometheus.Collector{
		m.uploads, m.outcomes, m.flagged, m.inferenceDuration, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, eris.Wrap(err, "metrics: register")
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// The recorders below are no-ops on a nil *Metrics so components can run
// without a registry in tests.

func (m *Metrics) RecordUpload(kind string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordFlagged(kind string) {
	if m == nil {
		return
	}
	m.flagged.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveInference(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(ready, delayed, inFlight, dead int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("ready").Set(float64(ready))
	m.queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	m.queueDepth.WithLabelValues("dead").Set(float64(dead))
}
