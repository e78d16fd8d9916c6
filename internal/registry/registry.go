package registry

import (
	"sync"

	"github.com/doc-extract/backend/internal/models"
)

// Registry holds the current record collection. Every change goes through
// Apply, which swaps in a new slice; slices handed out are never mutated.
type Registry struct {
	mu      sync.RWMutex
	records []models.FileRecord
	subs    map[int]chan []models.FileRecord
	nextSub int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: []models.FileRecord{},
		subs:    make(map[int]chan []models.FileRecord),
	}
}

// Snapshot returns the current collection. Callers must treat it as read-only.
func (r *Registry) Snapshot() []models.FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records
}

// Get returns a single record by id.
func (r *Registry) Get(id string) (models.FileRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Find(r.records, id)
}

// Apply runs fn against the current collection and publishes the result.
// fn runs under the write lock and must not call back into the registry.
func (r *Registry) Apply(fn func([]models.FileRecord) []models.FileRecord) []models.FileRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := fn(r.records)
	if next == nil {
		next = []models.FileRecord{}
	}
	if sameSlice(next, r.records) {
		return next
	}

	r.records = next
	for _, ch := range r.subs {
		publish(ch, next)
	}
	return next
}

// Update applies a patch to one record.
func (r *Registry) Update(id string, p Patch) []models.FileRecord {
	return r.Apply(func(records []models.FileRecord) []models.FileRecord {
		return UpdateStatus(records, id, p)
	})
}

// Subscribe returns a channel that receives the latest collection after each
// change. Slow readers only see the newest snapshot. Call the returned func
// to unsubscribe.
func (r *Registry) Subscribe() (<-chan []models.FileRecord, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan []models.FileRecord, 1)
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

func publish(ch chan []models.FileRecord, snap []models.FileRecord) {
	select {
	case ch <- snap:
		return
	default:
	}
	// drop the stale snapshot and retry once
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func sameSlice(a, b []models.FileRecord) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}
