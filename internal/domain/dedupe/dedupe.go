// Package dedupe tracks entry IDs that have already been handled once.
//
// The batch queue uses it so an entry that exhausts its upload attempts is
// dead-lettered and reported exactly once, even when the same entry reaches
// the limit from both the queue and the spool in one cycle.
package dedupe

import (
	"context"
	"sync"
)

const defaultMaxSize = 50000

// Deduper records seen IDs.
type Deduper interface {
	// SeenAndRecord reports whether id was already recorded and records it if
	// not. The check and the record are one atomic step.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so it can be recorded again.
	Unrecord(ctx context.Context, id string)

	// Reset forgets every recorded id.
	Reset(ctx context.Context)

	Size() int
}

// inMemoryDeduper keeps IDs in a map with insertion order tracked in a ring.
// When bounded and full, the oldest ID is evicted.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]int // id -> slot in order
	order   []string
	head    int // next slot to overwrite once full
	maxSize int // <= 0 means unbounded
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]int)
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if d.maxSize > 0 && len(d.order) >= d.maxSize {
		d.evictOldest()
		d.order[d.head] = id
		d.seen[id] = d.head
		d.head = (d.head + 1) % d.maxSize
		return false
	}

	d.order = append(d.order, id)
	d.seen[id] = len(d.order) - 1
	return false
}

// evictOldest drops the id in the slot about to be reused. Caller holds mu.
func (d *inMemoryDeduper) evictOldest() {
	old := d.order[d.head]
	if slot, ok := d.seen[old]; ok && slot == d.head {
		delete(d.seen, old)
	}
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.seen[id]
	if !ok {
		return
	}
	delete(d.seen, id)
	// Leave a tombstone so ring positions stay stable.
	d.order[slot] = ""
}

func (d *inMemoryDeduper) Reset(_ context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]int)
	d.order = nil
	d.head = 0
}

func (d *inMemoryDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
