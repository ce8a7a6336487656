package secrets

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/rthomas/spiceai/natsclient"
)

// JSONGetter is satisfied by *natsclient.KVStore
type JSONGetter interface {
	GetJSON(ctx context.Context, key string, out any) error
}

// KVStore reads one JSON object per source from a NATS KV bucket. Lookups are
// cached until the next Load.
type KVStore struct {
	kv JSONGetter

	mu    sync.Mutex
	cache map[string]Secret
}

// NewKVStore reads secrets from kv
func NewKVStore(kv JSONGetter) *KVStore {
	return &KVStore{kv: kv, cache: map[string]Secret{}}
}

// Load drops cached secrets so the next lookups hit the bucket
func (s *KVStore) Load(context.Context) error {
	s.mu.Lock()
	s.cache = map[string]Secret{}
	s.mu.Unlock()
	return nil
}

// Get implements Store. Missing keys and bucket errors both read as absent.
func (s *KVStore) Get(ctx context.Context, name string) (Secret, bool) {
	s.mu.Lock()
	secret, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return secret, secret != nil
	}

	var loaded Secret
	err := s.kv.GetJSON(ctx, name, &loaded)
	if err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
		// transient, retry on the next lookup
		return nil, false
	}

	s.mu.Lock()
	s.cache[name] = loaded
	s.mu.Unlock()
	return loaded, loaded != nil
}
