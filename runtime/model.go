package runtime

import (
	"context"
	"time"

	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

// LoadModels sets every model of the accepted snapshot to Initializing and
// loads it, one at a time
func (r *Runtime) LoadModels(ctx context.Context) {
	app := r.App()
	if app == nil {
		return
	}
	for _, m := range app.Models {
		r.status.SetModel(m.Name, status.Initializing)
		r.LoadModel(ctx, m)
	}
}

// LoadModel materializes m and inserts it into the model registry. It does
// not retry; a failure leaves any previous entry in place and sets Error.
// The caller sets the Initializing status first.
func (r *Runtime) LoadModel(ctx context.Context, m spec.Model) {
	start := time.Now()
	m = m.Clone()
	source := m.Source()
	r.logger.Info("Loading model", "model", m.Name, "from", m.From)

	secret := r.secrets.GetSecret(ctx, source)
	loaded, err := r.loader.Load(ctx, m, secret)
	if err != nil {
		r.metrics.RecordModelLoadError()
		r.metrics.RecordLoadDuration(string(status.KindModel), "error", time.Since(start))
		r.status.SetWithMessage(status.KindModel, m.Name, status.Error, err.Error())
		r.logger.Warn("Unable to load model", "model", m.Name, "source", source, "error", err)
		return
	}

	r.models.Insert(loaded)
	r.metrics.RecordModelLoaded(m.Name, source)
	r.metrics.RecordLoadDuration(string(status.KindModel), "ready", time.Since(start))
	r.status.SetModel(m.Name, status.Ready)
	r.logger.Info("Model deployed", "model", m.Name, "source", source, "sha256", loaded.SHA256)
}

// RemoveModel drops m from the registry. Removing an unknown model logs a warning.
func (r *Runtime) RemoveModel(m spec.Model) {
	if _, ok := r.models.Remove(m.Name); !ok {
		r.logger.Warn("Unable to unload model: not found", "model", m.Name)
		return
	}
	r.metrics.RecordModelRemoved(m.Name, m.Source())
	r.logger.Info("Model unloaded", "model", m.Name)
}

// UpdateModel reloads m: Refreshing, remove, Initializing, load
func (r *Runtime) UpdateModel(ctx context.Context, m spec.Model) {
	r.status.SetModel(m.Name, status.Refreshing)
	r.RemoveModel(m)
	r.status.SetModel(m.Name, status.Initializing)
	r.LoadModel(ctx, m)
}
