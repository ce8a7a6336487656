package specwatcher

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/spec"
)

// KeyWatcher is the part of a jetstream.KeyValue bucket the watcher needs
type KeyWatcher interface {
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// KVWatcher follows one key of a NATS KV bucket holding spicepod YAML
type KVWatcher struct {
	store   KeyWatcher
	key     string
	baseDir string
	logger  *slog.Logger
}

// NewKVWatcher watches key in store. Relative sql_ref and ref paths in the
// stored pod resolve against baseDir.
func NewKVWatcher(store KeyWatcher, key, baseDir string, logger *slog.Logger) *KVWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVWatcher{
		store:   store,
		key:     key,
		baseDir: baseDir,
		logger:  logger.With("component", "specwatcher", "key", key),
	}
}

// Watch implements Watcher
func (w *KVWatcher) Watch(ctx context.Context) (<-chan *spec.App, error) {
	kw, err := w.store.Watch(ctx, w.key)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVWatcher", "Watch", "watch spicepod key")
	}

	em := newEmitter()
	go w.run(ctx, kw, em)
	return em.out, nil
}

func (w *KVWatcher) run(ctx context.Context, kw jetstream.KeyWatcher, em *emitter) {
	defer close(em.out)
	defer func() { _ = kw.Stop() }()

	updates := kw.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				w.logger.Warn("spicepod key watch closed")
				return
			}
			if entry == nil {
				// end of initial values
				continue
			}
			if entry.Operation() != jetstream.KeyValuePut {
				w.logger.Warn("spicepod key deleted, keeping previous snapshot", "revision", entry.Revision())
				continue
			}
			app, err := spec.Parse(entry.Value(), w.baseDir)
			if err != nil {
				w.logger.Warn("invalid spicepod in KV, keeping previous snapshot",
					"revision", entry.Revision(), "error", err)
				continue
			}
			if !em.send(ctx, app) {
				return
			}
		}
	}
}
