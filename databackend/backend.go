// Package databackend provides the local stores accelerated datasets are
// materialized into.
package databackend

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
	"github.com/rthomas/spiceai/spec"
)

// ErrUnknownEngine is returned for acceleration engines with no backend
var ErrUnknownEngine = stderrors.New("unknown acceleration engine")

// Backend is an accelerated table. Publishing to it changes what Scan returns.
type Backend interface {
	dataupdate.Publisher
	Scan(ctx context.Context) ([]dataupdate.Row, error)
	Close() error
}

// New creates the backend named by the dataset's acceleration engine
func New(ctx context.Context, ds spec.Dataset, secret secrets.Secret) (Backend, error) {
	var params map[string]string
	if ds.Acceleration != nil {
		params = ds.Acceleration.Params
	}

	switch engine := ds.Acceleration.EngineName(); engine {
	case EngineMemory:
		return NewMemory(), nil
	case EngineSQLite:
		return NewSQLite(ctx, ds.Name, params["sqlite_file"])
	default:
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s", ErrUnknownEngine, engine),
			"databackend", "New", "select engine for "+ds.Name)
	}
}
