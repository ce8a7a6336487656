package dataconnector

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rthomas/spiceai/secrets"
)

// NewFile creates a connector over local files. The dataset path may name a
// single file or a directory, which is walked recursively.
func NewFile(_ context.Context, _ secrets.Secret, params map[string]string) (Connector, error) {
	return newObjectConnector(fileStore{}, params), nil
}

type fileStore struct{}

func (fileStore) List(_ context.Context, location string) ([]string, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{filepath.Base(location)}, nil
	}

	var keys []string
	err = filepath.WalkDir(location, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(location, p)
		if err != nil {
			return err
		}
		keys = append(keys, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (fileStore) Open(_ context.Context, location, key string) (io.ReadCloser, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return os.Open(location)
	}
	return os.Open(filepath.Join(location, key))
}

func (fileStore) Close() error {
	return nil
}
