// Package runtime keeps the datasets and models declared in a spicepod live.
//
// A Runtime holds the accepted spicepod snapshot and drives each entity
// through its load pipeline. Dataset pipelines run detached and retry
// transient failures forever at a fixed delay; model pipelines run to
// completion in the caller. Reconcile diffs each new snapshot against the
// accepted one and dispatches the add, update and remove actions.
//
// Shared state and its guards:
//
//   - the snapshot: appMu, exclusive for Reconcile, shared for readers
//   - the query engine: engineMu, shared for view, mesh, backend creation and
//     dependency lookups, exclusive for publisher attach and table removal.
//     Connector wiring runs the first full read, so it takes no engineMu; the
//     attempt's context orders it against removal instead.
//   - the model registry and status registry carry their own locks
//
// Callers set the Initializing or Refreshing status before invoking a load,
// matching what Reconcile and the Load* helpers do.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rthomas/spiceai/databackend"
	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/metric"
	"github.com/rthomas/spiceai/model"
	"github.com/rthomas/spiceai/secrets"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/specwatcher"
	"github.com/rthomas/spiceai/status"
)

// DefaultRetryDelay is the fixed delay between dataset load attempts
const DefaultRetryDelay = time.Second

// QueryEngine is the table catalog datasets are attached to
type QueryEngine interface {
	TableExists(name string) bool
	RemoveTable(name string) error
	AttachView(ds spec.Dataset) error
	AttachMesh(ctx context.Context, ds spec.Dataset, conn dataconnector.Connector) error
	NewAcceleratedBackend(ctx context.Context, ds spec.Dataset, sg secrets.Getter) (databackend.Backend, error)
	AttachPublisher(ctx context.Context, name string, ds spec.Dataset, pub dataupdate.Publisher) error
	AttachConnectorToPublisher(ctx context.Context, ds spec.Dataset, conn dataconnector.Connector, backend databackend.Backend) error
	ViewDependentTables(ds spec.Dataset) ([]string, error)
}

// ConnectorFactory creates connectors by source. Unknown sources fail with
// dataconnector.ErrUnknownConnector.
type ConnectorFactory interface {
	Create(ctx context.Context, source string, secret secrets.Secret, params map[string]string) (dataconnector.Connector, error)
}

// SecretsProvider is the reconfigurable secret store
type SecretsProvider interface {
	secrets.Getter
	Configure(kind string) error
	Load(ctx context.Context) error
}

// ModelLoader materializes model artifacts
type ModelLoader interface {
	Load(ctx context.Context, m spec.Model, secret secrets.Secret) (*model.Model, error)
}

// Server is a protocol server raced by Run. Serve blocks until ctx is done
// or the server fails.
type Server interface {
	Name() string
	Serve(ctx context.Context) error
}

// Options wires a Runtime. Engine, Connectors and Loader are required.
type Options struct {
	App        *spec.App
	Engine     QueryEngine
	Connectors ConnectorFactory
	Secrets    SecretsProvider
	Models     *model.Registry
	Loader     ModelLoader
	Status     *status.Registry
	Metrics    *metric.Metrics
	Watcher    specwatcher.Watcher
	Logger     *slog.Logger

	// RetryDelay between dataset load attempts. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Run waits for servers to stop.
	ShutdownTimeout time.Duration
}

// Runtime is the reconciliation and lifecycle engine
type Runtime struct {
	appMu sync.RWMutex
	app   *spec.App

	engineMu sync.RWMutex
	engine   QueryEngine

	connectors ConnectorFactory
	secrets    SecretsProvider
	models     *model.Registry
	loader     ModelLoader
	status     *status.Registry
	metrics    *metric.Metrics
	watcher    specwatcher.Watcher
	logger     *slog.Logger
	spaced     *spacedLogger

	retryDelay      time.Duration
	shutdownTimeout time.Duration

	// engine label each dataset was counted under in the datasets gauge
	loadedMu sync.Mutex
	loaded   map[string]string

	tasks  *tasks
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Runtime from opts
func New(opts Options) (*Runtime, error) {
	if opts.Engine == nil || opts.Connectors == nil || opts.Loader == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: engine, connectors and loader are required", errors.ErrMissingConfig),
			"Runtime", "New", "validate options")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime")

	r := &Runtime{
		engine:          opts.Engine,
		connectors:      opts.Connectors,
		secrets:         opts.Secrets,
		models:          opts.Models,
		loader:          opts.Loader,
		status:          opts.Status,
		metrics:         opts.Metrics,
		watcher:         opts.Watcher,
		logger:          logger,
		spaced:          newSpacedLogger(logger, DefaultLogWindow),
		retryDelay:      opts.RetryDelay,
		shutdownTimeout: opts.ShutdownTimeout,
		loaded:          make(map[string]string),
		tasks:           newTasks(),
	}
	if opts.App != nil {
		r.app = opts.App.Clone()
	}
	if r.secrets == nil {
		r.secrets = secrets.NewProvider(secrets.WithLogger(logger))
	}
	if r.models == nil {
		r.models = model.NewRegistry()
	}
	if r.metrics == nil {
		r.metrics = metric.NewMetrics()
	}
	if r.status == nil {
		r.status = status.NewRegistry(r.metrics)
	}
	if r.watcher == nil {
		r.watcher = specwatcher.Static{}
	}
	if r.retryDelay <= 0 {
		r.retryDelay = DefaultRetryDelay
	}
	if r.shutdownTimeout <= 0 {
		r.shutdownTimeout = 10 * time.Second
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// App returns a copy of the accepted snapshot, or nil before the first one
func (r *Runtime) App() *spec.App {
	r.appMu.RLock()
	defer r.appMu.RUnlock()
	if r.app == nil {
		return nil
	}
	return r.app.Clone()
}

// Models returns the model registry
func (r *Runtime) Models() *model.Registry {
	return r.models
}

// Engine returns the query engine
func (r *Runtime) Engine() QueryEngine {
	return r.engine
}

// Statuses returns the status registry
func (r *Runtime) Statuses() *status.Registry {
	return r.status
}

// LoadSecrets configures the secret store declared by the accepted snapshot
// and loads it. Failures are logged; datasets fall back to absent secrets.
func (r *Runtime) LoadSecrets(ctx context.Context) {
	r.loadSecrets(ctx, r.App())
}

func (r *Runtime) loadSecrets(ctx context.Context, app *spec.App) {
	start := time.Now()
	if app != nil {
		if err := r.secrets.Configure(app.Secrets.Store); err != nil {
			r.logger.Warn("Unable to configure secret store", "store", app.Secrets.Store, "error", err)
			return
		}
	}
	if err := r.secrets.Load(ctx); err != nil {
		r.logger.Warn("Unable to load secrets", "error", err)
		return
	}
	r.logger.Debug("Secrets loaded", "duration", time.Since(start))
}

// Close cancels every running dataset pipeline and waits for them to exit
func (r *Runtime) Close() {
	r.cancel()
	r.tasks.stopAll()
}
