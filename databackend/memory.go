package databackend

import (
	"context"
	"sync"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/spec"
)

// EngineMemory is the default acceleration engine
const EngineMemory = spec.DefaultEngine

// Memory keeps rows in a slice
type Memory struct {
	mu   sync.RWMutex
	rows []dataupdate.Row
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string {
	return EngineMemory
}

// Publish appends or replaces rows. Rows are copied.
func (m *Memory) Publish(_ context.Context, _ spec.Dataset, update dataupdate.DataUpdate) error {
	rows := make([]dataupdate.Row, len(update.Rows))
	for i, r := range update.Rows {
		rows[i] = r.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if update.Type == dataupdate.Overwrite {
		m.rows = rows
		return nil
	}
	m.rows = append(m.rows, rows...)
	return nil
}

// Scan returns a copy of the current rows
func (m *Memory) Scan(context.Context) ([]dataupdate.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]dataupdate.Row, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.rows = nil
	m.mu.Unlock()
	return nil
}
