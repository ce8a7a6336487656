package specwatcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/spec"
)

// DefaultDebounce groups editor save bursts into one reload
const DefaultDebounce = 250 * time.Millisecond

// FileWatcher reloads a spicepod directory when its files change
type FileWatcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// NewFileWatcher watches dir. A non-positive debounce uses DefaultDebounce.
func NewFileWatcher(dir string, debounce time.Duration, logger *slog.Logger) *FileWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger.With("component", "specwatcher", "dir", dir),
	}
}

// Watch registers the pod directory and its subdirectories and starts the
// event loop. The initial snapshot is emitted if the pod currently loads.
func (w *FileWatcher) Watch(ctx context.Context) (<-chan *spec.App, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WrapFatal(err, "FileWatcher", "Watch", "create fsnotify watcher")
	}
	if err := w.addTree(fsw); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	em := newEmitter()
	go w.run(ctx, fsw, em)
	return em.out, nil
}

func (w *FileWatcher) addTree(fsw *fsnotify.Watcher) error {
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		return errors.WrapInvalid(err, "FileWatcher", "Watch", "watch pod directory")
	}
	return nil
}

func (w *FileWatcher) run(ctx context.Context, fsw *fsnotify.Watcher, em *emitter) {
	defer close(em.out)
	defer fsw.Close()

	if !w.reload(ctx, em) {
		return
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// new component directories need their own watch
					_ = fsw.Add(event.Name)
				}
			}
			w.logger.Debug("spicepod file changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", "error", err)

		case <-timer.C:
			if !w.reload(ctx, em) {
				return
			}
		}
	}
}

// reload emits the current pod; a pod that fails to load is logged and skipped
func (w *FileWatcher) reload(ctx context.Context, em *emitter) bool {
	app, err := spec.LoadDir(w.dir)
	if err != nil {
		w.logger.Warn("spicepod reload failed, keeping previous snapshot", "error", err)
		return ctx.Err() == nil
	}
	return em.send(ctx, app)
}

func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".sql":
		return true
	case "":
		// directories created or removed under the pod
		return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	default:
		return false
	}
}
