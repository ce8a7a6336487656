package status

import (
	"sort"
	"sync"
	"time"
)

// Recorder receives every status write. Implementations must not block.
type Recorder interface {
	RecordStatusTransition(kind, status string)
}

type key struct {
	kind Kind
	name string
}

// Registry holds one status per component. Writes are unconditional
// overwrites and are visible to every later reader.
type Registry struct {
	mu       sync.RWMutex
	entries  map[key]Entry
	subs     map[int]chan Entry
	nextSub  int
	recorder Recorder
	now      func() time.Time
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(recorder Recorder) *Registry {
	return &Registry{
		entries:  make(map[key]Entry),
		subs:     make(map[int]chan Entry),
		recorder: recorder,
		now:      time.Now,
	}
}

// Set records status for the named component.
func (r *Registry) Set(kind Kind, name string, status ComponentStatus) {
	r.SetWithMessage(kind, name, status, "")
}

// SetWithMessage records status with a human readable reason, typically the
// error that caused an Error status.
func (r *Registry) SetWithMessage(kind Kind, name string, status ComponentStatus, message string) {
	entry := Entry{
		Kind:      kind,
		Name:      name,
		Status:    status,
		Message:   sanitizeMessage(message),
		Timestamp: r.now(),
	}

	r.mu.Lock()
	r.entries[key{kind, name}] = entry
	for _, ch := range r.subs {
		select {
		case ch <- entry:
		default:
			// slow subscriber drops the event
		}
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordStatusTransition(string(kind), status.String())
	}
}

// SetDataset records status for a dataset
func (r *Registry) SetDataset(name string, status ComponentStatus) {
	r.Set(KindDataset, name, status)
}

// SetModel records status for a model
func (r *Registry) SetModel(name string, status ComponentStatus) {
	r.Set(KindModel, name, status)
}

// Get returns the last status written for a component
func (r *Registry) Get(kind Kind, name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key{kind, name}]
	return entry, ok
}

// All returns every entry ordered by kind then name
func (r *Registry) All() []Entry {
	r.mu.RLock()
	result := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Counts returns how many components are in each status
func (r *Registry) Counts() map[ComponentStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[ComponentStatus]int)
	for _, entry := range r.entries {
		counts[entry.Status]++
	}
	return counts
}

// Subscribe returns a channel receiving every later status write and a
// function that ends the subscription and closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
