// Package metric provides Prometheus-based metrics for the runtime and the HTTP
// server exposing them.
//
// MetricsRegistry owns a private prometheus.Registry with the Go and process
// collectors plus the runtime Metrics:
//
//   - spiced_datasets{engine}: datasets that reached Ready, by acceleration engine
//   - spiced_datasets_load_errors_total: failed dataset load attempts
//   - spiced_models{model,source}: loaded models
//   - spiced_models_load_errors_total: failed model loads
//   - spiced_component_status_transitions_total{kind,status}: status writes
//   - spiced_load_duration_seconds{kind,outcome}: time to a terminal status
//
// Connectors that want their own metrics register them through MetricsRegistrar;
// a second registration under the same owner and name is rejected as invalid.
//
// Basic usage:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer("127.0.0.1:9090", "/metrics", registry)
//	go server.Serve(ctx)
//
//	registry.CoreMetrics().RecordDatasetLoaded("memory")
package metric
