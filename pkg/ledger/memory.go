package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is a volatile ledger for tests and single-process demos
type MemoryLedger struct {
	mu       sync.RWMutex
	idx      *index
	position uint64
	now      func() time.Time
}

// NewMemoryLedger creates an empty ledger; authorized limits signers
func NewMemoryLedger(authorized ...string) *MemoryLedger {
	return &MemoryLedger{idx: newIndex(authorized), now: time.Now}
}

// Append validates ev and commits it
func (m *MemoryLedger) Append(ctx context.Context, documentID string, ev Event, idempotencyKey string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, dup, err := m.idx.check(documentID, ev, idempotencyKey)
	if err != nil {
		return Record{}, err
	}
	if dup {
		return existing, nil
	}

	seq := m.idx.nextSequence(documentID)
	data, err := encodeEnvelope(documentID, seq, ev, idempotencyKey)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m.position++
	rec := Record{
		Ref:            txRef(m.position, data),
		DocumentID:     documentID,
		Sequence:       seq,
		Event:          ev,
		IdempotencyKey: idempotencyKey,
		Timestamp:      m.now().UTC(),
	}
	m.idx.apply(rec)
	return rec, nil
}

// Read returns the committed events of documentID in order
func (m *MemoryLedger) Read(ctx context.Context, documentID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx.read(documentID), nil
}
