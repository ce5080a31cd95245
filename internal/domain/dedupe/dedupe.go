// Package dedupe tracks gaze batch IDs so a retried upload is applied once.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultMaxSize bounds the number of remembered batch IDs.
const DefaultMaxSize = 100_000

// Deduper records seen batch IDs.
type Deduper interface {
	// SeenAndRecord reports whether id was already recorded and records it
	// if not. The check and the insert are atomic.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so the batch can be retried after it was rejected
	// downstream.
	Unrecord(ctx context.Context, id string)

	// Forget drops every id with the given prefix, used when a session is
	// deleted.
	Forget(ctx context.Context, prefix string) int

	Size() int64
}

// Key scopes a client batch ID to its session.
func Key(sessionID, batchID string) string {
	return sessionID + "/" + batchID
}

// inMemoryDeduper keeps ids in a map and, when bounded, a ring of insertion
// order so the oldest id is evicted first.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]int // id -> ring slot, -1 when unbounded
	ring    []string
	live    []bool
	head    int // next slot to write
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a deduper. A max size of zero or less disables
// eviction.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]int)
	if d.maxSize > 0 {
		d.ring = make([]string, d.maxSize)
		d.live = make([]bool, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if d.maxSize <= 0 {
		d.seen[id] = -1
		d.size.Add(1)
		return false
	}

	slot := d.head
	if d.live[slot] {
		delete(d.seen, d.ring[slot])
		d.size.Add(-1)
	}
	d.ring[slot] = id
	d.live[slot] = true
	d.seen[id] = slot
	d.head = (slot + 1) % d.maxSize
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(id)
}

func (d *inMemoryDeduper) Forget(_ context.Context, prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id := range d.seen {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			d.removeLocked(id)
			n++
		}
	}
	return n
}

// removeLocked frees id's slot; a freed slot is simply skipped on eviction.
func (d *inMemoryDeduper) removeLocked(id string) {
	slot, ok := d.seen[id]
	if !ok {
		return
	}
	delete(d.seen, id)
	if slot >= 0 {
		d.ring[slot] = ""
		d.live[slot] = false
	}
	d.size.Add(-1)
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
