package dataconnector

import (
	"context"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/spec"
)

// TableProvider serves a dataset's rows directly from its source
type TableProvider interface {
	Scan(ctx context.Context) ([]dataupdate.Row, error)
}

// Connector is the capability set of a data source
type Connector interface {
	// Read fetches the full current contents of ds
	Read(ctx context.Context, ds spec.Dataset) (dataupdate.DataUpdate, error)
	// TableProvider returns a live source for ds, or nil if unsupported
	TableProvider(ds spec.Dataset) TableProvider
	// DataPublisher returns a write-back publisher, or nil if unsupported
	DataPublisher() dataupdate.Publisher
	Close() error
}

type scanFunc func(ctx context.Context) ([]dataupdate.Row, error)

func (f scanFunc) Scan(ctx context.Context) ([]dataupdate.Row, error) {
	return f(ctx)
}

// readProvider serves a dataset by re-reading it on every scan
func readProvider(c Connector, ds spec.Dataset) TableProvider {
	return scanFunc(func(ctx context.Context) ([]dataupdate.Row, error) {
		update, err := c.Read(ctx, ds)
		if err != nil {
			return nil, err
		}
		return update.Rows, nil
	})
}
