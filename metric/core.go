package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spiced"

// Metrics contains the runtime metrics for datasets, models and component status.
type Metrics struct {
	Datasets           *prometheus.GaugeVec
	DatasetsLoadErrors prometheus.Counter
	Models             *prometheus.GaugeVec
	ModelsLoadErrors   prometheus.Counter
	StatusTransitions  *prometheus.CounterVec
	LoadDuration       *prometheus.HistogramVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance. The collectors are unregistered;
// MetricsRegistry registers them.
func NewMetrics() *Metrics {
	return &Metrics{
		Datasets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "datasets",
				Help:      "Number of datasets loaded, by acceleration engine",
			},
			[]string{"engine"},
		),

		DatasetsLoadErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datasets_load_errors_total",
				Help:      "Failed dataset load attempts",
			},
		),

		Models: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "models",
				Help:      "Number of models loaded, by model and source",
			},
			[]string{"model", "source"},
		),

		ModelsLoadErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "models_load_errors_total",
				Help:      "Failed model loads",
			},
		),

		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "component",
				Name:      "status_transitions_total",
				Help:      "Component status transitions, by component kind and new status",
			},
			[]string{"kind", "status"},
		),

		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Time from load start to a terminal status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "outcome"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Datasets,
		m.DatasetsLoadErrors,
		m.Models,
		m.ModelsLoadErrors,
		m.StatusTransitions,
		m.LoadDuration,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordDatasetLoaded increments the dataset gauge for engine
func (m *Metrics) RecordDatasetLoaded(engine string) {
	m.Datasets.WithLabelValues(engine).Inc()
}

// RecordDatasetRemoved decrements the dataset gauge for engine
func (m *Metrics) RecordDatasetRemoved(engine string) {
	m.Datasets.WithLabelValues(engine).Dec()
}

// RecordDatasetLoadError increments the dataset load error counter
func (m *Metrics) RecordDatasetLoadError() {
	m.DatasetsLoadErrors.Inc()
}

// RecordModelLoaded increments the model gauge
func (m *Metrics) RecordModelLoaded(model, source string) {
	m.Models.WithLabelValues(model, source).Inc()
}

// RecordModelRemoved decrements the model gauge
func (m *Metrics) RecordModelRemoved(model, source string) {
	m.Models.WithLabelValues(model, source).Dec()
}

// RecordModelLoadError increments the model load error counter
func (m *Metrics) RecordModelLoadError() {
	m.ModelsLoadErrors.Inc()
}

// RecordStatusTransition counts a component status write
func (m *Metrics) RecordStatusTransition(kind, status string) {
	m.StatusTransitions.WithLabelValues(kind, status).Inc()
}

// RecordLoadDuration records how long a load took to reach outcome
func (m *Metrics) RecordLoadDuration(kind, outcome string, d time.Duration) {
	m.LoadDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
