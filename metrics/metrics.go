// Package metrics holds the Prometheus instrumentation for the key-lifecycle core
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

const namespace = "qnsf"

// Outcome labels recorded per absorbed event
const (
	OutcomeStored     = "stored"
	OutcomeInvalid    = "invalid"
	OutcomeStoreError = "store_error"
)

// LabelOther replaces caller-supplied label values outside the known set
const LabelOther = "other"

// Metrics holds all Prometheus metrics for the key-lifecycle core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RotationsTotal   *prometheus.CounterVec
	RotationDuration prometheus.Histogram
	KeyGeneration    prometheus.Gauge
	EventsTotal      *prometheus.CounterVec
}

// New creates the metrics and registers them on reg.
// A nil reg registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RotationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "rotations_total",
			Help:      "Total number of key rotations by status and reason.",
		}, []string{"status", "reason"}),
		RotationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "rotation_duration_seconds",
			Help:      "Time spent generating, sealing and persisting a rotated key.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		KeyGeneration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "generation",
			Help:      "Generation of the currently active key.",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "events_total",
			Help:      "Total number of absorbed events by domain, result and outcome.",
		}, []string{"domain", "result", "outcome"}),
	}
}

// ObserveRotation records a finished rotation attempt
func (m *Metrics) ObserveRotation(status, reason string, seconds float64, generation uint64) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(status, reason).Inc()
	m.RotationDuration.Observe(seconds)
	m.KeyGeneration.Set(float64(generation))
}

// SetGeneration records the generation of the active key
func (m *Metrics) SetGeneration(generation uint64) {
	if m == nil {
		return
	}
	m.KeyGeneration.Set(float64(generation))
}

// ObserveEvent records an intake outcome.
// Domains outside the predefined tags are counted as LabelOther, and invalid
// events carry no domain or result, so the series count stays fixed.
func (m *Metrics) ObserveEvent(domain types.Domain, result types.Result, outcome string) {
	if m == nil {
		return
	}
	domainLabel, resultLabel := LabelOther, LabelOther
	if outcome != OutcomeInvalid {
		if domain.IsKnown() {
			domainLabel = string(domain)
		}
		if result.Valid() {
			resultLabel = string(result)
		}
	}
	switch outcome {
	case OutcomeStored, OutcomeInvalid, OutcomeStoreError:
	default:
		outcome = LabelOther
	}
	m.EventsTotal.WithLabelValues(domainLabel, resultLabel, outcome).Inc()
}
