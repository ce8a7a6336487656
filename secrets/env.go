package secrets

import (
	"context"
	"strings"
	"sync"
)

// EnvPrefix starts every secret variable: SPICE_SECRET_<SOURCE>_<KEY>=value
const EnvPrefix = "SPICE_SECRET_"

// EnvStore reads secrets from environment variables
type EnvStore struct {
	environ func() []string

	mu      sync.RWMutex
	secrets map[string]Secret
}

// NewEnvStore reads variables from environ
func NewEnvStore(environ func() []string) *EnvStore {
	return &EnvStore{environ: environ, secrets: map[string]Secret{}}
}

// Load snapshots the environment
func (s *EnvStore) Load(context.Context) error {
	loaded := map[string]Secret{}
	for _, kv := range s.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		source, key, ok := strings.Cut(strings.TrimPrefix(name, EnvPrefix), "_")
		if !ok || source == "" || key == "" {
			continue
		}
		source, key = strings.ToLower(source), strings.ToLower(key)
		if loaded[source] == nil {
			loaded[source] = Secret{}
		}
		loaded[source][key] = value
	}

	s.mu.Lock()
	s.secrets = loaded
	s.mu.Unlock()
	return nil
}

// Get implements Store
func (s *EnvStore) Get(_ context.Context, name string) (Secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[strings.ToLower(name)]
	return secret, ok
}
