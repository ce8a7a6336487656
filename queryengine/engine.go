package queryengine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rthomas/spiceai/databackend"
	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
	"github.com/rthomas/spiceai/spec"
)

var (
	// ErrTableNotFound is returned for names with no registered table
	ErrTableNotFound = stderrors.New("table not found")
	// ErrReadOnly is returned when writing to a table without publishers
	ErrReadOnly = stderrors.New("table is read-only")
	// ErrUnsupportedQuery is returned when scanning a view needs query planning
	ErrUnsupportedQuery = stderrors.New("view query not supported without a query planner")
)

var selectStarPattern = regexp.MustCompile(`(?is)^\s*select\s+\*\s+from\s+("?[A-Za-z_][A-Za-z0-9_]*"?(?:\."?[A-Za-z_][A-Za-z0-9_]*"?)?)\s*;?\s*$`)

// TableKind says how a table is served
type TableKind string

const (
	KindView        TableKind = "view"
	KindMesh        TableKind = "mesh"
	KindAccelerated TableKind = "accelerated"
)

// TableInfo describes a registered table
type TableInfo struct {
	Name         string    `json:"name"`
	Kind         TableKind `json:"kind"`
	Engine       string    `json:"engine,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Publishers   []string  `json:"publishers,omitempty"`
	LastRefresh  time.Time `json:"last_refresh,omitempty"`
}

// BackendFactory creates accelerated backends
type BackendFactory func(ctx context.Context, ds spec.Dataset, secret secrets.Secret) (databackend.Backend, error)

type table struct {
	kind       TableKind
	ds         spec.Dataset
	query      string
	deps       []string
	provider   dataconnector.TableProvider
	conn       dataconnector.Connector
	backend    databackend.Backend
	publishers []dataupdate.Publisher

	mu          sync.Mutex
	lastRefresh time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// stop ends the refresher and closes the connector and backend
func (t *table) stop() error {
	t.mu.Lock()
	cancel, done, conn := t.cancel, t.done, t.conn
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if t.backend != nil {
		errs = append(errs, t.backend.Close())
	}
	return stderrors.Join(errs...)
}

// Engine is the table catalog
type Engine struct {
	mu     sync.RWMutex
	tables map[string]*table

	newBackend BackendFactory
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBackendFactory overrides how accelerated backends are created
func WithBackendFactory(f BackendFactory) Option {
	return func(e *Engine) {
		if f != nil {
			e.newBackend = f
		}
	}
}

// New creates an empty engine
func New(opts ...Option) *Engine {
	e := &Engine{
		tables:     make(map[string]*table),
		newBackend: databackend.New,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "queryengine")
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// TableExists reports whether name is registered
func (e *Engine) TableExists(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tables[name]
	return ok
}

// RemoveTable stops and drops the table
func (e *Engine) RemoveTable(name string) error {
	e.mu.Lock()
	t, ok := e.tables[name]
	delete(e.tables, name)
	e.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrTableNotFound, name), "Engine", "RemoveTable", "lookup")
	}
	if err := t.stop(); err != nil {
		return errors.Wrap(err, "Engine", "RemoveTable", "close "+name)
	}
	e.logger.Debug("table removed", "table", name)
	return nil
}

// put registers t under name, stopping whatever it replaces
func (e *Engine) put(name string, t *table) {
	e.mu.Lock()
	prev := e.tables[name]
	e.tables[name] = t
	e.mu.Unlock()

	if prev != nil && prev != t {
		if err := prev.stop(); err != nil {
			e.logger.Warn("failed to close replaced table", "table", name, "error", err)
		}
	}
}

// AttachView registers ds as a view
func (e *Engine) AttachView(ds spec.Dataset) error {
	query, err := ds.ViewSQL()
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "AttachView", "read view query for "+ds.Name)
	}
	deps, err := ViewDependencies(query)
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "AttachView", "parse view query for "+ds.Name)
	}
	e.put(ds.Name, &table{kind: KindView, ds: ds, query: query, deps: deps})
	return nil
}

// ViewDependentTables returns the tables a view reads. Non-views have none.
func (e *Engine) ViewDependentTables(ds spec.Dataset) ([]string, error) {
	if !ds.IsView() {
		return nil, nil
	}
	query, err := ds.ViewSQL()
	if err != nil {
		return nil, errors.WrapInvalid(err, "Engine", "ViewDependentTables", "read view query for "+ds.Name)
	}
	deps, err := ViewDependencies(query)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Engine", "ViewDependentTables", "parse view query for "+ds.Name)
	}
	return deps, nil
}

// AttachMesh registers the connector's live table provider for ds. On
// success the engine owns conn and closes it when the table goes away.
func (e *Engine) AttachMesh(_ context.Context, ds spec.Dataset, conn dataconnector.Connector) error {
	provider := conn.TableProvider(ds)
	if provider == nil {
		return errors.WrapInvalid(fmt.Errorf("connector for %s has no table provider", ds.Name),
			"Engine", "AttachMesh", "get table provider")
	}
	e.put(ds.Name, &table{kind: KindMesh, ds: ds, provider: provider, conn: conn})
	return nil
}

// NewAcceleratedBackend creates, but does not register, the backend for ds
func (e *Engine) NewAcceleratedBackend(ctx context.Context, ds spec.Dataset, sg secrets.Getter) (databackend.Backend, error) {
	var secret secrets.Secret
	if sg != nil {
		secret = sg.GetSecret(ctx, ds.Acceleration.EngineName())
	}
	backend, err := e.newBackend(ctx, ds, secret)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "NewAcceleratedBackend", "create backend for "+ds.Name)
	}
	return backend, nil
}

// accelerated returns the accelerated table for name backed by backend,
// registering a fresh one when name is absent or served by something else
func (e *Engine) accelerated(name string, ds spec.Dataset, backend databackend.Backend) *table {
	e.mu.RLock()
	t, ok := e.tables[name]
	e.mu.RUnlock()
	if ok && t.kind == KindAccelerated && t.backend == backend {
		return t
	}

	t = &table{kind: KindAccelerated, ds: ds, backend: backend}
	e.put(name, t)
	return t
}

// AttachPublisher attaches pub under name. A backend becomes the table's
// primary store; any other publisher is added to an existing accelerated table.
// Attaching the same publisher twice is a no-op.
func (e *Engine) AttachPublisher(_ context.Context, name string, ds spec.Dataset, pub dataupdate.Publisher) error {
	if backend, ok := pub.(databackend.Backend); ok {
		t := e.accelerated(name, ds, backend)
		t.addPublisher(backend)
		return nil
	}

	e.mu.RLock()
	t, ok := e.tables[name]
	e.mu.RUnlock()
	if !ok || t.kind != KindAccelerated {
		return errors.WrapTransient(fmt.Errorf("%w: no accelerated table %s", ErrTableNotFound, name),
			"Engine", "AttachPublisher", "attach "+pub.Name())
	}
	t.addPublisher(pub)
	return nil
}

func (t *table) addPublisher(pub dataupdate.Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.publishers {
		if p == pub {
			return
		}
	}
	t.publishers = append(t.publishers, pub)
}

// AttachConnectorToPublisher loads ds from conn into backend and keeps it
// refreshed every refresh_interval. The initial load runs before returning and
// before the table is registered, so a failed load leaves the catalog as it
// was. Registration is refused once ctx is done. On success the engine owns
// conn.
func (e *Engine) AttachConnectorToPublisher(ctx context.Context, ds spec.Dataset, conn dataconnector.Connector, backend databackend.Backend) error {
	interval, err := ds.Acceleration.Refresh()
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "AttachConnectorToPublisher", "parse refresh interval")
	}

	rows, err := e.load(ctx, ds, conn, backend)
	if err != nil {
		return err
	}

	t, err := e.register(ctx, ds, backend)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.lastRefresh = time.Now()
	if owned := t.conn; owned != nil {
		t.mu.Unlock()
		if owned != conn {
			_ = conn.Close()
		}
		return nil
	}
	t.conn = conn
	if interval <= 0 {
		t.mu.Unlock()
		e.logger.Debug("dataset loaded", "dataset", ds.Name, "rows", rows)
		return nil
	}
	rctx, cancel := context.WithCancel(e.ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	e.logger.Debug("dataset loaded", "dataset", ds.Name, "rows", rows, "refresh_interval", interval)
	go e.refreshLoop(rctx, t, conn, interval)
	return nil
}

// register returns the accelerated table for ds backed by backend, adding it
// to the catalog unless ctx is already done
func (e *Engine) register(ctx context.Context, ds spec.Dataset, backend databackend.Backend) (*table, error) {
	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return nil, errors.WrapTransient(err, "Engine", "AttachConnectorToPublisher", "register "+ds.Name)
	}
	prev := e.tables[ds.Name]
	if prev != nil && prev.kind == KindAccelerated && prev.backend == backend {
		e.mu.Unlock()
		return prev, nil
	}
	t := &table{kind: KindAccelerated, ds: ds, backend: backend}
	e.tables[ds.Name] = t
	e.mu.Unlock()

	if prev != nil {
		if err := prev.stop(); err != nil {
			e.logger.Warn("failed to close replaced table", "table", ds.Name, "error", err)
		}
	}
	return t, nil
}

func (e *Engine) refreshLoop(ctx context.Context, t *table, conn dataconnector.Connector, interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := e.load(ctx, t.ds, conn, t.backend)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("dataset refresh failed", "dataset", t.ds.Name, "error", err)
				}
				continue
			}
			t.mu.Lock()
			t.lastRefresh = time.Now()
			t.mu.Unlock()
			e.logger.Debug("dataset refreshed", "dataset", t.ds.Name, "rows", rows)
		}
	}
}

// load replaces the backend contents with a full read of the connector
func (e *Engine) load(ctx context.Context, ds spec.Dataset, conn dataconnector.Connector, backend databackend.Backend) (int, error) {
	update, err := conn.Read(ctx, ds)
	if err != nil {
		return 0, errors.WrapTransient(err, "Engine", "load", "read "+ds.Name)
	}
	update.Type = dataupdate.Overwrite
	if err := backend.Publish(ctx, ds, update); err != nil {
		return 0, errors.WrapTransient(err, "Engine", "load", "publish "+ds.Name)
	}
	return update.Len(), nil
}

func (e *Engine) lookup(name string) (*table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// Scan returns the rows of a table
func (e *Engine) Scan(ctx context.Context, name string) ([]dataupdate.Row, error) {
	return e.scan(ctx, name, 0)
}

func (e *Engine) scan(ctx context.Context, name string, depth int) ([]dataupdate.Row, error) {
	t, err := e.lookup(name)
	if err != nil {
		return nil, err
	}

	switch t.kind {
	case KindMesh:
		return t.provider.Scan(ctx)
	case KindAccelerated:
		return t.backend.Scan(ctx)
	default:
		m := selectStarPattern.FindStringSubmatch(t.query)
		// views over views are followed a bounded number of times
		if m == nil || depth > 8 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedQuery, name)
		}
		return e.scan(ctx, normalize(m[1]), depth+1)
	}
}

// Write publishes update to every publisher of an accelerated table
func (e *Engine) Write(ctx context.Context, name string, update dataupdate.DataUpdate) error {
	t, err := e.lookup(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	pubs := append([]dataupdate.Publisher(nil), t.publishers...)
	t.mu.Unlock()
	if len(pubs) == 0 {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}

	var errs []error
	for _, p := range pubs {
		if err := p.Publish(ctx, t.ds, update); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return stderrors.Join(errs...)
}

// Tables describes every registered table, sorted by name
func (e *Engine) Tables() []TableInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]TableInfo, 0, len(e.tables))
	for name, t := range e.tables {
		info := TableInfo{Name: name, Kind: t.kind, Dependencies: t.deps}
		if t.backend != nil {
			info.Engine = t.backend.Name()
		}
		t.mu.Lock()
		for _, p := range t.publishers {
			info.Publishers = append(info.Publishers, p.Name())
		}
		info.LastRefresh = t.lastRefresh
		t.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every refresher and closes every backend
func (e *Engine) Close() error {
	e.cancel()

	e.mu.Lock()
	tables := e.tables
	e.tables = make(map[string]*table)
	e.mu.Unlock()

	var errs []error
	for name, t := range tables {
		if err := t.stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return stderrors.Join(errs...)
}
