// Package secrets resolves per-source credentials from a configurable store.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rthomas/spiceai/errors"
)

// Kind names a secret store
type Kind string

const (
	KindEnv  Kind = "env"
	KindFile Kind = "file"
	KindKV   Kind = "kv"
	KindNone Kind = "none"
)

// Secret is the set of key/value credentials for one source
type Secret map[string]string

// Get returns the value for key, or "" when absent. Safe on a nil Secret.
func (s Secret) Get(key string) string {
	if s == nil {
		return ""
	}
	return s[key]
}

// Getter resolves the secret registered for a source. Absent secrets are nil.
type Getter interface {
	GetSecret(ctx context.Context, name string) Secret
}

// Store loads and serves secrets
type Store interface {
	Load(ctx context.Context) error
	Get(ctx context.Context, name string) (Secret, bool)
}

// Provider holds the active Store. It starts with the env store and is
// reconfigured from the spicepod's secrets declaration.
type Provider struct {
	mu     sync.RWMutex
	kind   Kind
	store  Store
	logger *slog.Logger

	authFile string
	environ  func() []string
	kv       JSONGetter
}

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAuthFile overrides the TOML credentials file used by the file store
func WithAuthFile(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.authFile = path
		}
	}
}

// WithEnviron overrides the environment source of the env store
func WithEnviron(environ func() []string) Option {
	return func(p *Provider) {
		if environ != nil {
			p.environ = environ
		}
	}
}

// WithKV sets the bucket backing the kv store
func WithKV(kv JSONGetter) Option {
	return func(p *Provider) {
		p.kv = kv
	}
}

// NewProvider returns a Provider using the env store
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		logger:   slog.Default(),
		authFile: DefaultAuthFile(),
		environ:  os.Environ,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "secrets")
	p.kind = KindEnv
	p.store = NewEnvStore(p.environ)
	return p
}

// DefaultAuthFile is ~/.spice/auth, or .spice/auth when no home is known
func DefaultAuthFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".spice", "auth")
	}
	return filepath.Join(home, ".spice", "auth")
}

// ParseKind maps a declared store name to a Kind. Empty means env.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindEnv, nil
	case KindEnv, KindFile, KindKV, KindNone:
		return k, nil
	default:
		return "", errors.WrapInvalid(fmt.Errorf("unknown secret store %q", s), "Provider", "ParseKind", "parse store kind")
	}
}

// Configure swaps the active store. Loading is left to Load.
func (p *Provider) Configure(kind string) error {
	k, err := ParseKind(kind)
	if err != nil {
		return err
	}

	var store Store
	switch k {
	case KindEnv:
		store = NewEnvStore(p.environ)
	case KindFile:
		store = NewFileStore(p.authFile)
	case KindKV:
		if p.kv == nil {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Provider", "Configure", "kv secret store without NATS bucket")
		}
		store = NewKVStore(p.kv)
	case KindNone:
		store = noneStore{}
	}

	p.mu.Lock()
	p.kind = k
	p.store = store
	p.mu.Unlock()

	p.logger.Info("secret store configured", "store", string(k))
	return nil
}

// Kind returns the active store kind
func (p *Provider) Kind() Kind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kind
}

// Load (re)loads the active store
func (p *Provider) Load(ctx context.Context) error {
	p.mu.RLock()
	store, kind := p.store, p.kind
	p.mu.RUnlock()

	if err := store.Load(ctx); err != nil {
		return errors.WrapTransient(err, "Provider", "Load", fmt.Sprintf("load %s secrets", kind))
	}
	return nil
}

// GetSecret returns the secret for name, or nil when the store has none
func (p *Provider) GetSecret(ctx context.Context, name string) Secret {
	p.mu.RLock()
	store := p.store
	p.mu.RUnlock()

	secret, ok := store.Get(ctx, name)
	if !ok {
		return nil
	}
	return secret
}

type noneStore struct{}

func (noneStore) Load(context.Context) error                { return nil }
func (noneStore) Get(context.Context, string) (Secret, bool) { return nil, false }
