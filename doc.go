// Package spiceai is the root of the spiced data and model serving runtime.
//
// A spicepod declares datasets, views and models. spiced keeps the running
// state in line with the accepted spicepod:
//
//   - datasets are resolved to a data connector and attached to the query
//     engine live (mesh), materialized into an accelerated backend, or both
//     with writes replicated back to the source;
//   - views are attached once every table their SQL reads is present;
//   - models are fetched into a local cache and registered.
//
// Every dataset and model has a status (initializing, ready, error,
// refreshing, disabled) served over HTTP and streamed over a websocket.
//
// # Packages
//
//	spec          spicepod types, YAML loading and schema validation
//	specwatcher   file (fsnotify) and NATS KV spicepod watchers
//	runtime       load pipelines and reconciliation of spicepod changes
//	queryengine   table catalog: views, mesh tables, accelerated tables
//	dataconnector s3, minio, file, postgres and sqlite connectors
//	databackend   memory and sqlite acceleration backends
//	dataupdate    row batches and write-back publishers
//	model         model artifact loader and registry
//	secrets       env, file, NATS KV secret stores
//	status        component status registry
//	metric        Prometheus registry and /metrics server
//	server        HTTP status API
//	config        process configuration
//	natsclient    NATS connection and KV helpers
//	errors        transient / invalid / fatal error classification
//	pkg/retry     retry loops
//
// The spiced binary lives in cmd/spiced.
package spiceai
