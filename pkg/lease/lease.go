// ABOUTME: Per-key exclusive leases for single-process serialization
// ABOUTME: Unrelated keys never contend; idle keys are released from the table

package lease

import (
	"context"
	"sync"
)

// Table hands out one exclusive lease per key
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewTable creates an empty lease table
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire blocks until the lease for key is held or ctx is done.
// The returned release func must be called exactly once.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}, nil
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Len returns the number of keys currently held or awaited
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
