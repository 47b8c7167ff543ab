// Package state holds the caller-visible view of every collection: the
// records the UI layer reads, including optimistic effects not yet
// confirmed by the remote store. Subscribers are notified with a fresh copy
// of the collection after every change.
package state

import (
	"cmp"
	"slices"
	"sync"

	"github.com/tonimelisma/tillsync/internal/record"
)

// Listener receives the full contents of a collection after a change.
type Listener func(collection string, recs []*record.Record)

// Container is a mutex-guarded map of collection -> id -> record.
type Container struct {
	mu   sync.RWMutex
	data map[string]map[string]*record.Record

	subMu  sync.Mutex
	subs   map[string]map[int]Listener
	nextID int
}

// New creates an empty container.
func New() *Container {
	return &Container{
		data: make(map[string]map[string]*record.Record),
		subs: make(map[string]map[int]Listener),
	}
}

// Get returns a copy of the record, or false if it is not visible.
func (c *Container) Get(collection, id string) (*record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.data[collection][id]
	if !ok {
		return nil, false
	}

	return r.Clone(), true
}

// List returns copies of every visible record in collection ordered by
// creation time, then id.
func (c *Container) List(collection string) []*record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.listLocked(collection)
}

func (c *Container) listLocked(collection string) []*record.Record {
	recs := make([]*record.Record, 0, len(c.data[collection]))
	for _, r := range c.data[collection] {
		recs = append(recs, r.Clone())
	}

	slices.SortFunc(recs, func(a, b *record.Record) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return recs
}

// Set makes rec visible, replacing any record with the same id.
func (c *Container) Set(collection string, rec *record.Record) {
	c.mu.Lock()

	m, ok := c.data[collection]
	if !ok {
		m = make(map[string]*record.Record)
		c.data[collection] = m
	}

	m[rec.ID] = rec.Clone()
	snapshot := c.listLocked(collection)
	c.mu.Unlock()

	c.notify(collection, snapshot)
}

// Delete hides the record. Deleting an invisible record is a no-op but
// still notifies subscribers.
func (c *Container) Delete(collection, id string) {
	c.mu.Lock()
	delete(c.data[collection], id)
	snapshot := c.listLocked(collection)
	c.mu.Unlock()

	c.notify(collection, snapshot)
}

// Seed replaces the contents of collection with recs.
func (c *Container) Seed(collection string, recs []*record.Record) {
	m := make(map[string]*record.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r.Clone()
	}

	c.mu.Lock()
	c.data[collection] = m
	snapshot := c.listLocked(collection)
	c.mu.Unlock()

	c.notify(collection, snapshot)
}

// Subscribe registers fn for changes to collection. The returned function
// removes the subscription and is safe to call more than once.
func (c *Container) Subscribe(collection string, fn Listener) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextID
	c.nextID++

	if c.subs[collection] == nil {
		c.subs[collection] = make(map[int]Listener)
	}

	c.subs[collection][id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()

		delete(c.subs[collection], id)
	}
}

func (c *Container) notify(collection string, recs []*record.Record) {
	c.subMu.Lock()
	listeners := make([]Listener, 0, len(c.subs[collection]))
	for _, fn := range c.subs[collection] {
		listeners = append(listeners, fn)
	}
	c.subMu.Unlock()

	for _, fn := range listeners {
		fn(collection, recs)
	}
}
