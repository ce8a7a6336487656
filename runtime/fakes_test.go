package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rthomas/spiceai/databackend"
	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/metric"
	"github.com/rthomas/spiceai/model"
	"github.com/rthomas/spiceai/queryengine"
	"github.com/rthomas/spiceai/secrets"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEngine records every call and counts registrations per table name
type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	tables  map[string]int
	failOn  map[string]error
	gates   map[string]chan struct{}
	backend int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{tables: map[string]int{}, failOn: map[string]error{}, gates: map[string]chan struct{}{}}
}

// hold makes the connector load for name block until the returned channel is
// closed or the attempt is cancelled
func (f *fakeEngine) hold(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[name] = gate
	return gate
}

func (f *fakeEngine) record(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+name)
	return f.failOn[op]
}

func (f *fakeEngine) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failOn, op)
		return
	}
	f.failOn[op] = err
}

func (f *fakeEngine) register(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = 1
}

// Calls returns the recorded calls with the given op
func (f *fakeEngine) Calls(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > len(op) && c[:len(op)+1] == op+":" {
			out = append(out, c[len(op)+1:])
		}
	}
	return out
}

func (f *fakeEngine) Generations(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[name]
}

func (f *fakeEngine) TableExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[name] > 0
}

func (f *fakeEngine) RemoveTable(name string) error {
	if err := f.record("RemoveTable", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, name)
	return nil
}

func (f *fakeEngine) AttachView(ds spec.Dataset) error {
	if err := f.record("AttachView", ds.Name); err != nil {
		return err
	}
	f.register(ds.Name)
	return nil
}

func (f *fakeEngine) AttachMesh(_ context.Context, ds spec.Dataset, _ dataconnector.Connector) error {
	if err := f.record("AttachMesh", ds.Name); err != nil {
		return err
	}
	f.register(ds.Name)
	return nil
}

func (f *fakeEngine) NewAcceleratedBackend(_ context.Context, ds spec.Dataset, _ secrets.Getter) (databackend.Backend, error) {
	if err := f.record("NewAcceleratedBackend", ds.Name); err != nil {
		return nil, err
	}
	return databackend.NewMemory(), nil
}

func (f *fakeEngine) AttachPublisher(_ context.Context, name string, _ spec.Dataset, pub dataupdate.Publisher) error {
	if err := f.record("AttachPublisher", name+"/"+pub.Name()); err != nil {
		return err
	}
	f.register(name)
	return nil
}

func (f *fakeEngine) AttachConnectorToPublisher(ctx context.Context, ds spec.Dataset, _ dataconnector.Connector, _ databackend.Backend) error {
	if err := f.record("AttachConnectorToPublisher", ds.Name); err != nil {
		return err
	}
	f.mu.Lock()
	gate := f.gates[ds.Name]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.register(ds.Name)
	return nil
}

func (f *fakeEngine) ViewDependentTables(ds spec.Dataset) ([]string, error) {
	if err := f.record("ViewDependentTables", ds.Name); err != nil {
		return nil, err
	}
	query, err := ds.ViewSQL()
	if err != nil {
		return nil, err
	}
	return queryengine.ViewDependencies(query)
}

// fakeConnector is a connector with optional table provider and publisher
type fakeConnector struct {
	provider  bool
	publisher dataupdate.Publisher
	closed    atomic.Bool
}

func (c *fakeConnector) Read(context.Context, spec.Dataset) (dataupdate.DataUpdate, error) {
	return dataupdate.DataUpdate{Rows: []dataupdate.Row{{"id": 1}}}, nil
}

func (c *fakeConnector) TableProvider(spec.Dataset) dataconnector.TableProvider {
	if !c.provider {
		return nil
	}
	return scanner{}
}

func (c *fakeConnector) DataPublisher() dataupdate.Publisher { return c.publisher }

func (c *fakeConnector) Close() error {
	c.closed.Store(true)
	return nil
}

type scanner struct{}

func (scanner) Scan(context.Context) ([]dataupdate.Row, error) { return nil, nil }

type namedPublisher string

func (p namedPublisher) Name() string { return string(p) }
func (p namedPublisher) Publish(context.Context, spec.Dataset, dataupdate.DataUpdate) error {
	return nil
}

// fakeConnectors creates connectors by source. failures[source] failing
// creates happen before the first success.
type fakeConnectors struct {
	mu       sync.Mutex
	make     map[string]func() dataconnector.Connector
	failures map[string]int
	creates  map[string]int
}

func newFakeConnectors() *fakeConnectors {
	return &fakeConnectors{
		make: map[string]func() dataconnector.Connector{
			"demo": func() dataconnector.Connector { return &fakeConnector{} },
			"mesh": func() dataconnector.Connector { return &fakeConnector{provider: true} },
			"rw": func() dataconnector.Connector {
				return &fakeConnector{provider: true, publisher: namedPublisher("rw-writer")}
			},
		},
		failures: map[string]int{},
		creates:  map[string]int{},
	}
}

func (f *fakeConnectors) Create(_ context.Context, source string, _ secrets.Secret, _ map[string]string) (dataconnector.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[source]++

	mk, ok := f.make[source]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", dataconnector.ErrUnknownConnector, source), "fake", "Create", "lookup")
	}
	if f.failures[source] != 0 {
		if f.failures[source] > 0 {
			f.failures[source]--
		}
		return nil, errors.WrapTransient(stderrors.New("connection refused"), "fake", "Create", "dial")
	}
	return mk(), nil
}

func (f *fakeConnectors) Creates(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[source]
}

// failAlways makes every create for source fail until cleared
func (f *fakeConnectors) failAlways(source string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.failures[source] = -1
	} else {
		delete(f.failures, source)
	}
}

type fakeLoader struct {
	mu    sync.Mutex
	errs  map[string]error
	loads []string
}

func (l *fakeLoader) Load(_ context.Context, m spec.Model, _ secrets.Secret) (*model.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, m.Name)
	if err := l.errs[m.Name]; err != nil {
		return nil, err
	}
	return &model.Model{Name: m.Name, From: m.From, Source: m.Source(), LoadedAt: time.Now()}, nil
}

type fakeSecrets struct {
	mu         sync.Mutex
	configured []string
	loads      int
	loadErr    error
}

func (s *fakeSecrets) GetSecret(context.Context, string) secrets.Secret { return nil }

func (s *fakeSecrets) Configure(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := secrets.ParseKind(kind); err != nil {
		return err
	}
	s.configured = append(s.configured, kind)
	return nil
}

func (s *fakeSecrets) Load(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.loadErr
}

type harness struct {
	rt         *Runtime
	engine     *fakeEngine
	connectors *fakeConnectors
	loader     *fakeLoader
	secrets    *fakeSecrets
	metrics    *metric.Metrics
	events     <-chan status.Entry
}

func newHarness(t *testing.T, app *spec.App) *harness {
	t.Helper()
	h := &harness{
		engine:     newFakeEngine(),
		connectors: newFakeConnectors(),
		loader:     &fakeLoader{errs: map[string]error{}},
		secrets:    &fakeSecrets{},
		metrics:    metric.NewMetrics(),
	}
	statuses := status.NewRegistry(h.metrics)
	events, unsubscribe := statuses.Subscribe(1024)
	h.events = events

	rt, err := New(Options{
		App:        app,
		Engine:     h.engine,
		Connectors: h.connectors,
		Secrets:    h.secrets,
		Loader:     h.loader,
		Status:     statuses,
		Metrics:    h.metrics,
		Logger:     discard,
		RetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	h.rt = rt
	t.Cleanup(func() {
		rt.Close()
		unsubscribe()
	})
	return h
}

// statuses drains the transitions recorded so far for one component
func (h *harness) statuses(kind status.Kind, name string) []status.ComponentStatus {
	var out []status.ComponentStatus
	for {
		select {
		case e := <-h.events:
			if e.Kind == kind && e.Name == name {
				out = append(out, e.Status)
			}
		default:
			return out
		}
	}
}

func (h *harness) waitStatus(t *testing.T, kind status.Kind, name string, want status.ComponentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := h.rt.Statuses().Get(kind, name)
		return ok && e.Status == want
	}, 2*time.Second, 2*time.Millisecond, "%s %s never reached %s", kind, name, want)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func accelerated(name, from string) spec.Dataset {
	return spec.Dataset{
		Name:         name,
		From:         from,
		Acceleration: &spec.Acceleration{Enabled: true, Engine: "memory"},
	}
}
