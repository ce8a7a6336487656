// Package dataupdate defines the unit of data flowing from connectors into
// accelerated tables and out to write-back publishers.
package dataupdate

import (
	"context"
	"sort"

	"github.com/rthomas/spiceai/spec"
)

// UpdateType says how an update combines with existing rows
type UpdateType int

const (
	// Append adds rows after the existing ones
	Append UpdateType = iota
	// Overwrite replaces all existing rows
	Overwrite
)

// String returns the update type name
func (t UpdateType) String() string {
	switch t {
	case Append:
		return "append"
	case Overwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// Row is one record keyed by column name
type Row map[string]any

// Columns returns the row's column names in sorted order
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DataUpdate is a batch of rows applied to one dataset
type DataUpdate struct {
	Rows []Row
	Type UpdateType
}

// Len returns the number of rows
func (u DataUpdate) Len() int {
	return len(u.Rows)
}

// Columns returns the union of column names across all rows, sorted
func (u DataUpdate) Columns() []string {
	seen := map[string]struct{}{}
	for _, r := range u.Rows {
		for c := range r {
			seen[c] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Publisher accepts updates for a dataset. Accelerated backends and
// write-capable connectors implement it.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ds spec.Dataset, update DataUpdate) error
}
