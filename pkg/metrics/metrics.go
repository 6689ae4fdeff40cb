// Package metrics exposes the runtime's Prometheus instrumentation as
// one struct wired through the components that produce the signals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/visionworks/inferd/pkg/registry"
)

// Metrics bundles every collector the runtime registers.
type Metrics struct {
	InferenceRequests *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	Rejections        *prometheus.CounterVec
	InFlight          prometheus.Gauge
	BackpressureLevel prometheus.Gauge

	ModelsByState      *prometheus.GaugeVec
	HealthTransitions  *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	ModelLoads         *prometheus.CounterVec
	LoadDuration       prometheus.Histogram

	PublishAttempts *prometheus.CounterVec
}

// New registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InferenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "inference_requests_total",
			Help:      "Inference requests by model, version and outcome.",
		}, []string{"model", "version", "outcome"}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferd",
			Name:      "inference_duration_seconds",
			Help:      "End-to-end inference latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"model", "version"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "admission_rejections_total",
			Help:      "Requests rejected before execution, by error kind.",
		}, []string{"kind"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inferd",
			Name:      "inference_in_flight",
			Help:      "Executions currently holding an admission slot.",
		}),
		BackpressureLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inferd",
			Name:      "backpressure_level",
			Help:      "Backpressure band: 0 none, 1 soft, 2 hard.",
		}),
		ModelsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferd",
			Name:      "model_versions",
			Help:      "Model versions per lifecycle state.",
		}, []string{"state"}),
		HealthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "health_transitions_total",
			Help:      "Version health transitions by target status.",
		}, []string{"health"}),
		CircuitTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"state"}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "model_loads_total",
			Help:      "Model load attempts by outcome.",
		}, []string{"outcome"}),
		LoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inferd",
			Name:      "model_load_duration_seconds",
			Help:      "Wall-clock duration of model loads.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		PublishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "capability_publish_total",
			Help:      "Capability push attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveRegistry keeps the per-state version gauge and the health
// transition counter in step with registry events. It runs inside the
// registry's mutators and must never call back into the registry.
func (m *Metrics) ObserveRegistry(ev registry.Event) {
	switch ev.Type {
	case registry.EventRegistered:
		m.ModelsByState.WithLabelValues(string(ev.State)).Inc()
	case registry.EventStateChanged:
		m.ModelsByState.WithLabelValues(string(ev.PrevState)).Dec()
		m.ModelsByState.WithLabelValues(string(ev.State)).Inc()
	case registry.EventHealthChanged:
		m.HealthTransitions.WithLabelValues(string(ev.Health)).Inc()
	case registry.EventRemoved:
		m.ModelsByState.WithLabelValues(string(ev.State)).Dec()
	}
}

// ObserveCircuit counts one breaker transition into the named state.
func (m *Metrics) ObserveCircuit(state string) {
	m.CircuitTransitions.WithLabelValues(state).Inc()
}
