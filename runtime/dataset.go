package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rthomas/spiceai/databackend"
	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/pkg/retry"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

// LoadDatasets sets every dataset of the accepted snapshot to Initializing
// and starts its load pipeline
func (r *Runtime) LoadDatasets() {
	app := r.App()
	if app == nil {
		return
	}
	names := app.DatasetNames()
	for _, ds := range app.Datasets {
		r.status.SetDataset(ds.Name, status.Initializing)
		r.LoadDataset(ds, names)
	}
}

// LoadDataset starts the detached load pipeline for ds. existing is the set
// of dataset names declared alongside it, used to verify view dependencies.
// The caller sets the Initializing status first. Any pipeline still running
// for the same name is superseded.
func (r *Runtime) LoadDataset(ds spec.Dataset, existing map[string]struct{}) {
	ds = ds.Clone()
	ctx, gen, ok := r.tasks.start(r.ctx, ds.Name)
	if !ok {
		r.logger.Debug("Runtime closed, dataset not loaded", "dataset", ds.Name)
		return
	}
	live := func() bool { return r.tasks.current(ds.Name, gen) }

	go func() {
		defer r.tasks.finish(ds.Name, gen)
		r.runDatasetPipeline(ctx, ds, existing, live)
	}()
}

func (r *Runtime) runDatasetPipeline(ctx context.Context, ds spec.Dataset, existing map[string]struct{}, live func() bool) {
	start := time.Now()
	log := r.logger.With("dataset", ds.Name, "source", ds.Source())

	cfg := retry.Forever(r.retryDelay)
	cfg.OnRetry = func(attempt int, err error) {
		r.metrics.RecordDatasetLoadError()
		r.spaced.Warn(ds.Name, "Failed to load dataset, retrying",
			"dataset", ds.Name, "source", ds.Source(), "attempt", attempt, "error", err)
	}

	err := retry.Do(ctx, cfg, func() error {
		attemptID := uuid.NewString()
		log.Debug("Dataset load attempt", "attempt_id", attemptID)

		if lerr := r.loadDatasetOnce(ctx, ds, existing, live); lerr != nil {
			log.Debug("Dataset load attempt failed", "attempt_id", attemptID, "permanent", lerr.permanent, "error", lerr)
			if lerr.permanent {
				return retry.NonRetryable(lerr)
			}
			return lerr
		}
		return nil
	})

	switch {
	case err == nil:
		if !live() {
			return
		}
		engine := ds.EngineLabel()
		r.loadedMu.Lock()
		r.loaded[ds.Name] = engine
		r.loadedMu.Unlock()

		r.spaced.forget(ds.Name)
		r.metrics.RecordDatasetLoaded(engine)
		r.metrics.RecordLoadDuration(string(status.KindDataset), "ready", time.Since(start))
		r.status.SetDataset(ds.Name, status.Ready)
		log.Info("Loaded dataset", "engine", engine, "duration", time.Since(start))

	case stderrors.Is(err, errUnserved):
		log.Warn("No acceleration specified for dataset and its source cannot serve it directly")

	case stderrors.Is(err, errSuperseded), ctx.Err() != nil, !live():
		log.Debug("Dataset load superseded", "error", err)

	default:
		r.metrics.RecordDatasetLoadError()
		r.metrics.RecordLoadDuration(string(status.KindDataset), "error", time.Since(start))
		r.status.SetWithMessage(status.KindDataset, ds.Name, status.Error, err.Error())
		log.Error("Failed to load dataset", "error", err)
	}
}

// loadDatasetOnce runs one attempt: resolve the connector, verify view
// dependencies, attach. A view never resolves a connector.
func (r *Runtime) loadDatasetOnce(ctx context.Context, ds spec.Dataset, existing map[string]struct{}, live func() bool) *loadError {
	if ds.IsView() {
		if lerr := r.verifyDependentTables(ds, existing); lerr != nil {
			return lerr
		}
		if err := r.attachDataset(ctx, ds, nil, live); err != nil {
			return classifyAttach(err)
		}
		return nil
	}

	conn, lerr := r.resolveConnector(ctx, ds)
	if lerr != nil {
		return lerr
	}

	if !ds.IsAccelerated() && !hasTableProvider(conn, ds) {
		if conn != nil {
			_ = conn.Close()
		}
		return permanent(errUnserved)
	}

	// the engine owns conn only once an attach succeeds
	if err := r.attachDataset(ctx, ds, conn, live); err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return classifyAttach(err)
	}
	return nil
}

func classifyAttach(err error) *loadError {
	if stderrors.Is(err, errSuperseded) {
		return permanent(err)
	}
	return retryable(err)
}

// resolveConnector returns the connector for the dataset's source, or nil
// for localhost datasets. Unknown sources are permanent failures.
func (r *Runtime) resolveConnector(ctx context.Context, ds spec.Dataset) (dataconnector.Connector, *loadError) {
	source := ds.Source()
	if source == spec.LocalhostSource {
		return nil, nil
	}

	secret := r.secrets.GetSecret(ctx, source)
	conn, err := r.connectors.Create(ctx, source, secret, ds.Params)
	if err != nil {
		wrapped := fmt.Errorf("data connector %s: %w", source, err)
		if stderrors.Is(err, dataconnector.ErrUnknownConnector) {
			return nil, permanent(wrapped)
		}
		return nil, retryable(wrapped)
	}
	return conn, nil
}

// verifyDependentTables checks that every table a view reads is declared. A
// malformed view is permanent; a missing table is retried, checking the
// accepted snapshot as well so views added with their tables settle once
// the snapshot is swapped in.
func (r *Runtime) verifyDependentTables(ds spec.Dataset, existing map[string]struct{}) *loadError {
	if !ds.IsView() {
		return nil
	}

	r.engineMu.RLock()
	deps, err := r.engine.ViewDependentTables(ds)
	r.engineMu.RUnlock()
	if err != nil {
		return permanent(fmt.Errorf("dependent tables for view %s: %w", ds.Name, err))
	}

	var current map[string]struct{}
	for _, dep := range deps {
		if _, ok := existing[dep]; ok {
			continue
		}
		if current == nil {
			current = r.App().DatasetNames()
		}
		if _, ok := current[dep]; !ok {
			return retryable(fmt.Errorf("dependent table %s for view %s not found", dep, ds.Name))
		}
	}
	return nil
}

func hasTableProvider(conn dataconnector.Connector, ds spec.Dataset) bool {
	return conn != nil && conn.TableProvider(ds) != nil
}

// withEngine runs fn under the engine lock unless the attempt was superseded.
// Checking liveness under the lock orders every attach against RemoveDataset.
func (r *Runtime) withEngine(write bool, live func() bool, fn func(QueryEngine) error) error {
	if write {
		r.engineMu.Lock()
		defer r.engineMu.Unlock()
	} else {
		r.engineMu.RLock()
		defer r.engineMu.RUnlock()
	}
	if !live() {
		return errSuperseded
	}
	return fn(r.engine)
}

// attachDataset applies the attachment decision table:
//
//  1. a view is attached as a view and nothing else
//  2. without enabled acceleration, a connector is attached as a mesh table
//  3. otherwise a backend is created; it becomes the publisher when the dataset
//     is read_write or has no connector, the connector's own publisher is added
//     for replication, and the connector is wired to feed the backend
func (r *Runtime) attachDataset(ctx context.Context, ds spec.Dataset, conn dataconnector.Connector, live func() bool) error {
	source := ds.Source()
	wrap := func(err error, action string) error {
		if stderrors.Is(err, errSuperseded) {
			return err
		}
		return errors.WrapTransient(err, "Runtime", "attachDataset",
			fmt.Sprintf("%s for dataset %s (source %s)", action, ds.Name, source))
	}

	if ds.IsView() {
		return wrap(r.withEngine(false, live, func(e QueryEngine) error {
			return e.AttachView(ds)
		}), "attach view")
	}

	if !ds.IsAccelerated() && conn != nil {
		return wrap(r.withEngine(false, live, func(e QueryEngine) error {
			return e.AttachMesh(ctx, ds, conn)
		}), "attach mesh")
	}

	var backend databackend.Backend
	err := r.withEngine(false, live, func(e QueryEngine) error {
		var err error
		backend, err = e.NewAcceleratedBackend(ctx, ds, r.secrets)
		return err
	})
	if err != nil {
		return wrap(err, "create accelerated backend")
	}

	registered := false
	closeBackend := func() {
		if !registered {
			_ = backend.Close()
		}
	}

	readWrite := ds.GetMode() == spec.ModeReadWrite
	if readWrite || conn == nil {
		err := r.withEngine(true, live, func(e QueryEngine) error {
			return e.AttachPublisher(ctx, ds.Name, ds, backend)
		})
		if err != nil {
			closeBackend()
			return wrap(err, "attach publisher")
		}
		registered = true
	}

	if conn == nil {
		return nil
	}

	if ds.ReplicationEnabled() && readWrite {
		if pub := conn.DataPublisher(); pub != nil {
			err := r.withEngine(true, live, func(e QueryEngine) error {
				return e.AttachPublisher(ctx, ds.Name, ds, pub)
			})
			if err != nil {
				closeBackend()
				return wrap(err, "attach replication publisher")
			}
		} else {
			r.logger.Warn("Data connector does not support writes, but dataset is configured to replicate",
				"dataset", ds.Name, "source", source)
		}
	}

	// The first load can take as long as the source does, so it runs without
	// engineMu. RemoveDataset and a superseding start cancel ctx before they
	// take engineMu, and the engine refuses to register once ctx is done.
	if !live() {
		closeBackend()
		return errSuperseded
	}
	if err := r.engine.AttachConnectorToPublisher(ctx, ds, conn, backend); err != nil {
		closeBackend()
		if ctx.Err() != nil || !live() {
			return errSuperseded
		}
		return wrap(err, "attach connector")
	}
	return nil
}

// RemoveDataset supersedes any running pipeline for ds and drops its table.
// Removing an unknown dataset logs a warning.
func (r *Runtime) RemoveDataset(ds spec.Dataset) {
	r.tasks.stop(ds.Name)

	r.engineMu.Lock()
	exists := r.engine.TableExists(ds.Name)
	var err error
	if exists {
		err = r.engine.RemoveTable(ds.Name)
	}
	r.engineMu.Unlock()

	if !exists {
		r.logger.Warn("Unable to unload dataset: not loaded", "dataset", ds.Name)
		return
	}
	if err != nil {
		r.logger.Warn("Unable to unload dataset", "dataset", ds.Name, "error", err)
		return
	}

	r.loadedMu.Lock()
	engine, counted := r.loaded[ds.Name]
	delete(r.loaded, ds.Name)
	r.loadedMu.Unlock()
	if counted {
		r.metrics.RecordDatasetRemoved(engine)
	}
	r.logger.Info("Unloaded dataset", "dataset", ds.Name)
}

// UpdateDataset reloads ds: Refreshing, remove, Initializing, load
func (r *Runtime) UpdateDataset(ds spec.Dataset, existing map[string]struct{}) {
	r.status.SetDataset(ds.Name, status.Refreshing)
	r.RemoveDataset(ds)
	r.status.SetDataset(ds.Name, status.Initializing)
	r.LoadDataset(ds, existing)
}
