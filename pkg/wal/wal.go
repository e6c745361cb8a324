package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSegmentSize is the rotation threshold for a single WAL file (64MB)
	DefaultSegmentSize = 64 << 20
)

// WAL is an append-only log split into numbered segment files.
// Segments are never deleted; the log is the system of record.
type WAL struct {
	// Path is the base path for WAL files (e.g., "/data/ledger.wal")
	Path string

	// SegmentSize is the rotation threshold; zero means DefaultSegmentSize
	SegmentSize int64

	// SyncWrites fsyncs after every append
	SyncWrites bool

	// fd is the current log file descriptor
	fd *os.File

	// mu serializes appends and protects the fields below
	mu sync.Mutex

	// lsn is the last assigned Log Sequence Number
	lsn uint64

	// fileSize is the current log file size
	fileSize int64

	// fileIndex is the current log file index (0, 1, 2, ...)
	fileIndex int

	// repaired is the number of torn tail bytes removed by Open
	repaired int64

	closed bool
}

// Open opens or creates the WAL. Every segment is verified. A torn
// entry at the very end of the newest segment is truncated away; any
// other damage fails the open.
func (w *WAL) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.SegmentSize <= 0 {
		w.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(filepath.Dir(w.Path), 0755); err != nil {
		return err
	}

	files, err := w.findLogFiles()
	if err != nil {
		return err
	}

	w.lsn = 0
	w.repaired = 0
	if len(files) == 0 {
		return w.openSegmentNoLock(0, 0)
	}

	if err := w.verifyNoLock(files); err != nil {
		return err
	}

	latest := files[len(files)-1]
	index, err := w.segmentIndex(filepath.Base(latest))
	if err != nil {
		return err
	}
	stat, err := os.Stat(latest)
	if err != nil {
		return err
	}
	return w.openSegmentNoLock(index, stat.Size())
}

// verifyNoLock scans all segments, checking CRCs and LSN continuity,
// and repairs a torn tail in the last segment
func (w *WAL) verifyNoLock(files []string) error {
	reader := NewReader(files)
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err == ErrTruncated && reader.File() == files[len(files)-1] {
			return w.truncateTailNoLock(reader.File(), reader.Offset())
		}
		if err != nil {
			return fmt.Errorf("%w: %s at offset %d", err, filepath.Base(reader.File()), reader.Offset())
		}
		if entry.LSN != w.lsn+1 {
			return fmt.Errorf("%w: expected %d, found %d in %s", ErrInvalidLSN, w.lsn+1, entry.LSN, filepath.Base(reader.File()))
		}
		w.lsn = entry.LSN
	}
}

func (w *WAL) truncateTailNoLock(path string, offset int64) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	w.repaired = stat.Size() - offset
	return nil
}

func (w *WAL) openSegmentNoLock(index int, size int64) error {
	fd, err := os.OpenFile(w.logFilePath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.fd = fd
	w.fileIndex = index
	w.fileSize = size
	w.closed = false
	return nil
}

// Append writes a record entry and returns it with its assigned LSN and
// timestamp. LSNs are assigned under the lock so file order matches LSN
// order.
func (w *WAL) Append(key, value []byte) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Entry{}, ErrLogClosed
	}
	if len(key)+len(value) > MaxEntrySize {
		return Entry{}, ErrInvalidEntry
	}

	entry := Entry{
		LSN:       w.lsn + 1,
		OpType:    OpRecord,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	if err := w.writeNoLock(&entry); err != nil {
		return Entry{}, err
	}
	if w.SyncWrites {
		if err := w.fd.Sync(); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}

func (w *WAL) writeNoLock(entry *Entry) error {
	data := entry.Encode()

	if entry.OpType == OpRecord && w.fileSize > 0 && w.fileSize+int64(len(data)) > w.SegmentSize {
		if err := w.rotateNoLock(); err != nil {
			return err
		}
		// rotation consumed an LSN for the seal
		entry.LSN = w.lsn + 1
		data = entry.Encode()
	}

	n, err := w.fd.Write(data)
	if err != nil {
		return err
	}
	w.fileSize += int64(n)
	w.lsn = entry.LSN
	return nil
}

// LastLSN returns the last assigned Log Sequence Number
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// Repaired returns the number of torn tail bytes discarded by Open
func (w *WAL) Repaired() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.repaired
}

// Fsync ensures all written data is persisted to disk
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}
	return w.fd.Sync()
}

// Replay calls fn for every record entry in LSN order. Appends wait
// while a replay runs.
func (w *WAL) Replay(fn func(*Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}

	files, err := w.findLogFiles()
	if err != nil {
		return err
	}

	reader := NewReader(files)
	defer reader.Close()
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s at offset %d", err, filepath.Base(reader.File()), reader.Offset())
		}
		if entry.OpType != OpRecord {
			continue
		}
		if err := fn(entry); err != nil {
			return fmt.Errorf("replay failed at LSN %d: %w", entry.LSN, err)
		}
	}
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.fd.Sync(); err != nil {
		w.fd.Close()
		w.closed = true
		return err
	}
	err := w.fd.Close()
	w.closed = true
	return err
}

// rotateNoLock seals the current segment and opens the next one
// (caller must hold mu)
func (w *WAL) rotateNoLock() error {
	seal := Entry{LSN: w.lsn + 1, OpType: OpSeal, Timestamp: time.Now().UTC()}
	if _, err := w.fd.Write(seal.Encode()); err != nil {
		return err
	}
	w.lsn = seal.LSN

	if err := w.fd.Sync(); err != nil {
		return err
	}
	if err := w.fd.Close(); err != nil {
		return err
	}
	return w.openSegmentNoLock(w.fileIndex+1, 0)
}

// baseName returns the base filename for WAL files (e.g., "ledger.wal" from "/data/ledger.wal")
func (w *WAL) baseName() string {
	return filepath.Base(w.Path)
}

// logFilePath returns the path for a log file with the given index
func (w *WAL) logFilePath(index int) string {
	dir := filepath.Dir(w.Path)
	name := fmt.Sprintf("%s.%06d", w.baseName(), index)
	return filepath.Join(dir, name)
}

func (w *WAL) segmentIndex(name string) (int, error) {
	var index int
	_, err := fmt.Sscanf(name, w.baseName()+".%d", &index)
	return index, err
}

// findLogFiles returns all WAL files sorted by index
func (w *WAL) findLogFiles() ([]string, error) {
	dir := filepath.Dir(w.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type segment struct {
		path  string
		index int
	}
	var segments []segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if index, err := w.segmentIndex(entry.Name()); err == nil {
			segments = append(segments, segment{filepath.Join(dir, entry.Name()), index})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })

	files := make([]string, len(segments))
	for i, s := range segments {
		files[i] = s.path
	}
	return files, nil
}
