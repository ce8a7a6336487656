package dataconnector

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
)

// ErrUnknownConnector means no factory is registered for a source
var ErrUnknownConnector = stderrors.New("unknown data connector")

// Factory builds a connector from the source's secret and the dataset params
type Factory func(ctx context.Context, secret secrets.Secret, params map[string]string) (Connector, error)

// Registry maps source schemes to connector factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for source. Duplicate sources are rejected.
func (r *Registry) Register(source string, factory Factory) error {
	if source == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[source]; exists {
		return errors.WrapInvalid(fmt.Errorf("connector '%s' is already registered", source),
			"Registry", "Register", "duplicate factory check")
	}
	r.factories[source] = factory
	return nil
}

// Sources lists registered source schemes
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Create builds a connector for source. An unregistered source returns an
// invalid error wrapping ErrUnknownConnector; a failing factory returns a
// transient error.
func (r *Registry) Create(ctx context.Context, source string, secret secrets.Secret, params map[string]string) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[source]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", ErrUnknownConnector, source),
			"Registry", "Create", "connector lookup")
	}

	if params == nil {
		params = map[string]string{}
	}
	conn, err := factory(ctx, secret, params)
	if err != nil {
		if errors.IsInvalid(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "Registry", "Create", fmt.Sprintf("initialize %s connector", source))
	}
	return conn, nil
}

// RegisterAll installs the built-in connectors
func RegisterAll(r *Registry) error {
	if r == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"), "dataconnector", "RegisterAll", "registry validation")
	}

	builtins := []struct {
		source  string
		factory Factory
	}{
		{"file", NewFile},
		{"s3", NewS3},
		{"minio", NewMinio},
		{"postgres", NewPostgres},
		{"sqlite", NewSQLite},
	}
	for _, b := range builtins {
		if err := r.Register(b.source, b.factory); err != nil {
			return errors.WrapInvalid(err, "dataconnector", "RegisterAll", b.source+" connector registration")
		}
	}
	return nil
}
