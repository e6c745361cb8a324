// ABOUTME: Ledger contract and the index shared by ledger implementations
// ABOUTME: Enforces signer authorization, per-document order and idempotency keys

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrUnauthorizedSigner indicates the event signer is not on the allowlist
	ErrUnauthorizedSigner = errors.New("ledger: signer not authorized")

	// ErrMalformed indicates an event that fails validation
	ErrMalformed = errors.New("ledger: malformed event")

	// ErrSequenceConflict indicates a version that is not last+1, or a
	// second upload for an existing document
	ErrSequenceConflict = errors.New("ledger: sequence conflict")

	// ErrUnavailable indicates the ledger cannot accept or serve requests
	ErrUnavailable = errors.New("ledger: unavailable")
)

// IsRejected reports whether err is a permanent rejection of the event
func IsRejected(err error) bool {
	return errors.Is(err, ErrUnauthorizedSigner) || errors.Is(err, ErrMalformed)
}

// Ledger is an append-only, per-document ordered event log
type Ledger interface {
	// Append commits ev to the stream of documentID. A non-empty
	// idempotencyKey that was already committed returns the original
	// record without appending again.
	Append(ctx context.Context, documentID string, ev Event, idempotencyKey string) (Record, error)

	// Read returns the committed events of documentID in order
	Read(ctx context.Context, documentID string) ([]Record, error)
}

// Record is a committed event
type Record struct {
	Ref            string // Transaction reference, 0x-prefixed hex
	DocumentID     string
	Sequence       uint64 // 1-based position within the document stream
	Event          Event
	IdempotencyKey string
	Timestamp      time.Time
}

// txRef derives the transaction reference of a committed record
func txRef(position uint64, payload []byte) string {
	h := blake3.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], position)
	h.Write(buf[:])
	h.Write(payload)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// index is the in-memory view of committed records. It is not safe for
// concurrent use; owners hold their own lock.
type index struct {
	signers  map[string]bool // nil authorizes every signer
	streams  map[string][]Record
	versions map[string]int
	keys     map[string]Record
}

func newIndex(authorized []string) *index {
	idx := &index{
		streams:  make(map[string][]Record),
		versions: make(map[string]int),
		keys:     make(map[string]Record),
	}
	if len(authorized) > 0 {
		idx.signers = map[string]bool{SystemSigner: true}
		for _, s := range authorized {
			idx.signers[canonical(s)] = true
		}
	}
	return idx
}

func canonical(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// check validates an append. It returns the committed record when the
// idempotency key has been seen before.
func (idx *index) check(documentID string, ev Event, key string) (Record, bool, error) {
	if key != "" {
		if rec, ok := idx.keys[key]; ok {
			return rec, true, nil
		}
	}
	if documentID == "" || ev == nil {
		return Record{}, false, fmt.Errorf("%w: document id and event are required", ErrMalformed)
	}
	signer := canonical(ev.SignedBy())
	if signer == "" {
		return Record{}, false, fmt.Errorf("%w: event has no signer", ErrMalformed)
	}
	if idx.signers != nil && !idx.signers[signer] {
		return Record{}, false, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer)
	}
	if err := ev.validate(); err != nil {
		return Record{}, false, err
	}

	last, exists := idx.versions[documentID]
	switch e := ev.(type) {
	case Uploaded:
		if exists {
			return Record{}, false, fmt.Errorf("%w: document %s already uploaded", ErrSequenceConflict, documentID)
		}
	case Updated:
		if !exists {
			return Record{}, false, fmt.Errorf("%w: document %s has no upload", ErrMalformed, documentID)
		}
		if e.Version != last+1 {
			return Record{}, false, fmt.Errorf("%w: version %d after %d", ErrSequenceConflict, e.Version, last)
		}
	default:
		if !exists {
			return Record{}, false, fmt.Errorf("%w: document %s has no upload", ErrMalformed, documentID)
		}
	}
	return Record{}, false, nil
}

// nextSequence returns the sequence the next record of documentID gets
func (idx *index) nextSequence(documentID string) uint64 {
	return uint64(len(idx.streams[documentID])) + 1
}

func (idx *index) apply(rec Record) {
	idx.streams[rec.DocumentID] = append(idx.streams[rec.DocumentID], rec)
	switch e := rec.Event.(type) {
	case Uploaded:
		idx.versions[rec.DocumentID] = 1
	case Updated:
		idx.versions[rec.DocumentID] = e.Version
	}
	if rec.IdempotencyKey != "" {
		idx.keys[rec.IdempotencyKey] = rec
	}
}

func (idx *index) read(documentID string) []Record {
	stream := idx.streams[documentID]
	out := make([]Record, len(stream))
	copy(out, stream)
	return out
}
