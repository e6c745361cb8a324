// Package wal implements the append-only segment log behind the custody ledger
package wal

import "errors"

var (
	// ErrCorrupted indicates a CRC mismatch in a sealed part of the log
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrInvalidEntry indicates an entry that cannot be encoded
	ErrInvalidEntry = errors.New("wal: invalid entry")

	// ErrLogClosed indicates an operation on a closed WAL
	ErrLogClosed = errors.New("wal: log closed")

	// ErrInvalidLSN indicates a gap or regression in sequence numbers
	ErrInvalidLSN = errors.New("wal: invalid LSN")

	// ErrTruncated indicates an entry cut short by a crash
	ErrTruncated = errors.New("wal: truncated entry")
)
