// ABOUTME: Durable ledger backed by the segmented WAL
// ABOUTME: The index is rebuilt by replaying every segment on open

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/custody/pkg/wal"
)

// Options configures a WAL-backed ledger
type Options struct {
	Path              string
	SegmentSize       int64
	SyncWrites        bool
	AuthorizedSigners []string // empty authorizes every signer
	Logger            zerolog.Logger
}

// WALLedger persists records to a WAL before exposing them
type WALLedger struct {
	mu     sync.RWMutex
	log    *wal.WAL
	idx    *index
	logger zerolog.Logger
	closed bool
}

// Open opens the log at opts.Path and replays it
func Open(opts Options) (*WALLedger, error) {
	log := &wal.WAL{Path: opts.Path, SegmentSize: opts.SegmentSize, SyncWrites: opts.SyncWrites}
	if err := log.Open(); err != nil {
		return nil, fmt.Errorf("open ledger log: %w", err)
	}

	l := &WALLedger{
		log:    log,
		idx:    newIndex(opts.AuthorizedSigners),
		logger: opts.Logger,
	}

	start := time.Now()
	count := 0
	err := log.Replay(func(e *wal.Entry) error {
		env, ev, err := decodeEnvelope(e.Value)
		if err != nil {
			return err
		}
		if env.Document != string(e.Key) {
			return fmt.Errorf("record key %q does not match document %q", e.Key, env.Document)
		}
		if want := l.idx.nextSequence(env.Document); env.Sequence != want {
			return fmt.Errorf("document %s: sequence %d, expected %d", env.Document, env.Sequence, want)
		}
		l.idx.apply(Record{
			Ref:            txRef(e.LSN, e.Value),
			DocumentID:     env.Document,
			Sequence:       env.Sequence,
			Event:          ev,
			IdempotencyKey: env.IdempotencyKey,
			Timestamp:      e.Timestamp,
		})
		count++
		return nil
	})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("replay ledger: %w", err)
	}

	event := l.logger.Info().
		Str("path", opts.Path).
		Int("records", count).
		Int("documents", len(l.idx.streams)).
		Dur("duration", time.Since(start))
	if n := log.Repaired(); n > 0 {
		event = event.Int64("torn_bytes_discarded", n)
	}
	event.Msg("ledger replayed")

	return l, nil
}

// Append validates ev and commits it to the log
func (l *WALLedger) Append(ctx context.Context, documentID string, ev Event, idempotencyKey string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, fmt.Errorf("%w: closed", ErrUnavailable)
	}

	existing, dup, err := l.idx.check(documentID, ev, idempotencyKey)
	if err != nil {
		return Record{}, err
	}
	if dup {
		return existing, nil
	}

	seq := l.idx.nextSequence(documentID)
	data, err := encodeEnvelope(documentID, seq, ev, idempotencyKey)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	entry, err := l.log.Append([]byte(documentID), data)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec := Record{
		Ref:            txRef(entry.LSN, data),
		DocumentID:     documentID,
		Sequence:       seq,
		Event:          ev,
		IdempotencyKey: idempotencyKey,
		Timestamp:      entry.Timestamp,
	}
	l.idx.apply(rec)
	return rec, nil
}

// Read returns the committed events of documentID in order
func (l *WALLedger) Read(ctx context.Context, documentID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("%w: closed", ErrUnavailable)
	}
	return l.idx.read(documentID), nil
}

// Close flushes and closes the log
func (l *WALLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.log.Close()
}
