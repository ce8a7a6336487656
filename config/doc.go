// Package config loads the spiced process configuration.
//
// Configuration is layered: Default() values, then each JSON file added with
// Loader.AddLayer (later files override earlier ones, field by field), then
// SPICED_* environment variables. Durations may be written as Go duration
// strings ("250ms", "10s").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/spiced/config.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Environment overrides:
//
//	SPICED_HTTP_ADDR, SPICED_METRICS_ADDR, SPICED_POD_PATH, SPICED_WATCHER,
//	SPICED_POD_KV_KEY, SPICED_MODEL_CACHE_DIR, SPICED_AUTH_FILE,
//	SPICED_NATS_URLS (comma separated), SPICED_NATS_USERNAME,
//	SPICED_NATS_PASSWORD, SPICED_NATS_TOKEN, SPICED_DATASET_RETRY_DELAY,
//	SPICED_SHUTDOWN_TIMEOUT
//
// Config files are read with path traversal, size (10MB) and JSON nesting
// checks. SafeConfig wraps a Config for concurrent readers; Get returns a
// deep copy.
package config
