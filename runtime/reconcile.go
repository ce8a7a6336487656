package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

// Reconcile applies app as the new accepted snapshot. Identical snapshots
// are ignored. Actions are dispatched in order: new and changed datasets,
// new and changed models, removed models, removed datasets. Dataset loads
// run detached; model loads finish before Reconcile returns.
func (r *Runtime) Reconcile(ctx context.Context, app *spec.App) {
	if app == nil {
		return
	}

	r.appMu.Lock()
	defer r.appMu.Unlock()

	current := r.app
	if current != nil && current.Equal(app) {
		return
	}

	first := current == nil
	if first {
		current = &spec.App{}
		// nothing was loaded yet, so datasets resolve against the declared store
		r.loadSecrets(ctx, app)
	}
	r.logger.Debug("Reconciling spicepod", "name", app.Name,
		"datasets", len(app.Datasets), "models", len(app.Models))

	names := app.DatasetNames()

	for _, ds := range app.Datasets {
		prev, ok := current.Dataset(ds.Name)
		switch {
		case !ok:
			r.status.SetDataset(ds.Name, status.Initializing)
			r.LoadDataset(ds, names)
		case !prev.Equal(&ds):
			r.UpdateDataset(ds, names)
		}
	}

	for _, m := range app.Models {
		prev, ok := current.Model(m.Name)
		switch {
		case !ok:
			r.status.SetModel(m.Name, status.Initializing)
			r.LoadModel(ctx, m)
		case !prev.Equal(&m):
			r.UpdateModel(ctx, m)
		}
	}

	for _, m := range current.Models {
		if _, ok := app.Model(m.Name); !ok {
			r.status.SetModel(m.Name, status.Disabled)
			r.RemoveModel(m)
		}
	}

	for _, ds := range current.Datasets {
		if _, ok := names[ds.Name]; !ok {
			r.status.SetDataset(ds.Name, status.Disabled)
			r.RemoveDataset(ds)
		}
	}

	storeChanged := current.Secrets.Store != app.Secrets.Store
	r.app = app.Clone()
	if storeChanged && !first {
		r.loadSecrets(ctx, r.app)
	}
}

// Run watches the spicepod and serves until ctx is done or a server or the
// watcher stops. The first of these to finish decides the result: a server
// error is fatal, ctx being done is a clean shutdown. Remaining servers are
// given ShutdownTimeout to stop, then every dataset pipeline is stopped.
func (r *Runtime) Run(ctx context.Context, servers ...Server) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := r.watcher.Watch(ctx)
	if err != nil {
		r.Close()
		return errors.WrapFatal(err, "Runtime", "Run", "start spicepod watcher")
	}

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(servers)+1)
	var wg sync.WaitGroup

	for _, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.logger.Info("Starting server", "server", s.Name())
			results <- result{name: s.Name(), err: s.Serve(ctx)}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watch(ctx, updates)
		results <- result{name: "spicepod watcher"}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("Goodbye!")
	case res := <-results:
		switch {
		case res.err != nil && ctx.Err() == nil:
			runErr = errors.WrapFatal(res.err, "Runtime", "Run", "serve "+res.name)
			r.logger.Error("Server failed", "server", res.name, "error", res.err)
		case ctx.Err() != nil:
			r.logger.Info("Goodbye!")
		default:
			r.logger.Info("Stopped", "server", res.name)
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.shutdownTimeout):
		r.logger.Warn("Servers did not stop in time", "timeout", r.shutdownTimeout)
	}

	r.Close()
	return runErr
}

// watch reconciles every snapshot until updates closes or ctx is done
func (r *Runtime) watch(ctx context.Context, updates <-chan *spec.App) {
	for {
		select {
		case <-ctx.Done():
			return
		case app, ok := <-updates:
			if !ok {
				return
			}
			r.Reconcile(ctx, app)
		}
	}
}
