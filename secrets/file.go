package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileStore reads a TOML credentials file with one table per source:
//
//	[s3]
//	key = "AKIA..."
//	secret = "..."
type FileStore struct {
	path string

	mu      sync.RWMutex
	secrets map[string]Secret
}

// NewFileStore reads path on Load
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, secrets: map[string]Secret{}}
}

// Load decodes the file. Non-table top-level keys are ignored.
func (s *FileStore) Load(context.Context) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(s.path, &raw); err != nil {
		return fmt.Errorf("decode auth file %s: %w", s.path, err)
	}

	loaded := make(map[string]Secret, len(raw))
	for source, v := range raw {
		table, ok := v.(map[string]any)
		if !ok {
			continue
		}
		secret := make(Secret, len(table))
		for key, value := range table {
			secret[key] = fmt.Sprint(value)
		}
		loaded[source] = secret
	}

	s.mu.Lock()
	s.secrets = loaded
	s.mu.Unlock()
	return nil
}

// Get implements Store
func (s *FileStore) Get(_ context.Context, name string) (Secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[name]
	return secret, ok
}
