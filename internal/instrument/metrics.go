// Package instrument exports event traces to Prometheus and OpenTelemetry.
//
// Both exporters consume trace batches, so they are attached to a store as
// trace callbacks and only see events while tracing is enabled.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/reframe/internal/trace"
)

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "reframe").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus exporter.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "reframe",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics turns traces into Prometheus metrics:
//   - reframe_events_total{event,status}
//   - reframe_event_duration_seconds{event}
//   - reframe_effects_total{effect,status}
//   - reframe_effect_duration_seconds{effect}
//   - reframe_state_changes_total
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	eventDuration  *prometheus.HistogramVec
	effectsTotal   *prometheus.CounterVec
	effectDuration *prometheus.HistogramVec
	stateChanges   prometheus.Counter
}

// NewMetrics registers the collectors. Registering twice against the same
// registry panics, as promauto does.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of events processed",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "status"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "event_duration_seconds",
			Help:        "Event processing duration in seconds, effects included",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"event"}),

		effectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "effects_total",
			Help:        "Total number of effects executed",
			ConstLabels: config.ConstLabels,
		}, []string{"effect", "status"}),

		effectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "effect_duration_seconds",
			Help:        "Effect handler duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"effect"}),

		stateChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state_changes_total",
			Help:        "Total number of events that replaced the state",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Observe records a batch. It has the trace.Callback signature.
func (m *Metrics) Observe(batch []trace.Trace) {
	for _, tr := range batch {
		m.eventsTotal.WithLabelValues(tr.EventKey, eventStatus(tr)).Inc()
		m.eventDuration.WithLabelValues(tr.EventKey).Observe(tr.Duration.Seconds())
		if tr.StateChanged {
			m.stateChanges.Inc()
		}
		for _, run := range tr.Effects {
			m.effectsTotal.WithLabelValues(run.Type, status(run.Error)).Inc()
			m.effectDuration.WithLabelValues(run.Type).Observe(run.Duration.Seconds())
		}
	}
}

// Callback returns Observe as a trace.Callback.
func (m *Metrics) Callback() trace.Callback {
	return m.Observe
}

func eventStatus(tr trace.Trace) string {
	if tr.Failed() {
		return "error"
	}
	return "success"
}

func status(errMsg string) string {
	if errMsg != "" {
		return "error"
	}
	return "success"
}
