package runtime

import (
	"context"
	"sync"
)

// tasks supervises the detached dataset pipelines. Each start for a name
// bumps its generation; an attempt whose generation is no longer current has
// been superseded and must not write status or register tables.
type tasks struct {
	mu      sync.Mutex
	gen     map[string]uint64
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func newTasks() *tasks {
	return &tasks{
		gen:     make(map[string]uint64),
		cancels: make(map[string]context.CancelFunc),
	}
}

// start supersedes any running pipeline for name and returns the context and
// generation of the new one. finish must be called when it exits. Once
// stopAll has begun, start refuses and returns false.
func (t *tasks) start(parent context.Context, name string) (context.Context, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, 0, false
	}
	if prev, ok := t.cancels[name]; ok {
		prev()
	}
	ctx, cancel := context.WithCancel(parent)
	t.gen[name]++
	t.cancels[name] = cancel
	t.wg.Add(1)
	return ctx, t.gen[name], true
}

// current reports whether gen is still the live pipeline for name
func (t *tasks) current(name string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen[name] == gen
}

func (t *tasks) finish(name string, gen uint64) {
	t.mu.Lock()
	if t.gen[name] == gen {
		if cancel, ok := t.cancels[name]; ok {
			cancel()
			delete(t.cancels, name)
		}
	}
	t.mu.Unlock()
	t.wg.Done()
}

// stop supersedes the pipeline for name without starting a new one
func (t *tasks) stop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.cancels[name]; ok {
		cancel()
		delete(t.cancels, name)
	}
	t.gen[name]++
}

// stopAll cancels every pipeline and waits for them to exit. No pipeline
// starts afterwards.
func (t *tasks) stopAll() {
	t.mu.Lock()
	t.closed = true
	for name, cancel := range t.cancels {
		cancel()
		delete(t.cancels, name)
		t.gen[name]++
	}
	t.mu.Unlock()
	t.wg.Wait()
}
