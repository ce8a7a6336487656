package specwatcher

import (
	"context"

	"github.com/rthomas/spiceai/spec"
)

// Watcher streams spicepod snapshots
type Watcher interface {
	Watch(ctx context.Context) (<-chan *spec.App, error)
}

// Static never emits; its channel closes when ctx is done.
type Static struct{}

// Watch implements Watcher
func (Static) Watch(ctx context.Context) (<-chan *spec.App, error) {
	ch := make(chan *spec.App)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// emitter suppresses consecutive equal snapshots
type emitter struct {
	out  chan *spec.App
	last *spec.App
}

func newEmitter() *emitter {
	return &emitter{out: make(chan *spec.App, 1)}
}

// send returns false when ctx ended before the snapshot was delivered
func (e *emitter) send(ctx context.Context, app *spec.App) bool {
	if e.last != nil && e.last.Equal(app) {
		return true
	}
	select {
	case e.out <- app:
		e.last = app.Clone()
		return true
	case <-ctx.Done():
		return false
	}
}
