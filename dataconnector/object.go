package dataconnector

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/spec"
)

const defaultFetchConcurrency = 4

// objectStore lists and opens files under a location. For bucket stores the
// location is "bucket/prefix"; for the filesystem it is a path.
type objectStore interface {
	List(ctx context.Context, location string) ([]string, error)
	Open(ctx context.Context, location, key string) (io.ReadCloser, error)
	Close() error
}

// objectConnector reads datasets stored as files in an objectStore
type objectConnector struct {
	store       objectStore
	format      string
	concurrency int
}

func newObjectConnector(store objectStore, params map[string]string) *objectConnector {
	return &objectConnector{
		store:       store,
		format:      params["file_format"],
		concurrency: defaultFetchConcurrency,
	}
}

// Read fetches and decodes every supported file under the dataset path.
// Files are fetched concurrently; rows keep listing order.
func (c *objectConnector) Read(ctx context.Context, ds spec.Dataset) (dataupdate.DataUpdate, error) {
	location := ds.Path()
	keys, err := c.store.List(ctx, location)
	if err != nil {
		return dataupdate.DataUpdate{}, err
	}

	var selected []string
	for _, k := range keys {
		if supported(k, c.format) {
			selected = append(selected, k)
		}
	}

	parts := make([][]dataupdate.Row, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, key := range selected {
		g.Go(func() error {
			rc, err := c.store.Open(gctx, location, key)
			if err != nil {
				return err
			}
			defer rc.Close()

			rows, err := decodeObject(rc, key, c.format)
			if err != nil {
				return err
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dataupdate.DataUpdate{}, fmt.Errorf("read %s: %w", location, err)
	}

	var rows []dataupdate.Row
	for _, p := range parts {
		rows = append(rows, p...)
	}
	return dataupdate.DataUpdate{Rows: rows, Type: dataupdate.Overwrite}, nil
}

func (c *objectConnector) TableProvider(ds spec.Dataset) TableProvider {
	return readProvider(c, ds)
}

func (c *objectConnector) DataPublisher() dataupdate.Publisher {
	return nil
}

func (c *objectConnector) Close() error {
	return c.store.Close()
}

// splitBucket splits "bucket/prefix/..." into bucket and prefix
func splitBucket(location string) (bucket, prefix string, err error) {
	location = strings.TrimPrefix(location, "/")
	bucket, prefix, _ = strings.Cut(location, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", location)
	}
	return bucket, prefix, nil
}
