package wal

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// Reader reads WAL entries from log files in order
type Reader struct {
	files   []string // Log files to read
	current int      // Current file index
	fd      *os.File
	br      *bufio.Reader
	offset  int64 // Offset of the next unread entry in the current file
}

// NewReader creates a WAL reader for the given log files
func NewReader(files []string) *Reader {
	return &Reader{files: files, current: -1}
}

// Next reads the next entry. It returns io.EOF after the last file,
// ErrTruncated when a file ends mid-entry and ErrCorrupted on a CRC
// mismatch. Reading stops at the first error; nothing is skipped.
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.fd == nil {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
		}

		entry, err := r.readEntry()
		if err == io.EOF {
			r.fd.Close()
			r.fd = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return entry, nil
	}
}

// File returns the path of the file being read
func (r *Reader) File() string {
	if r.current < 0 || r.current >= len(r.files) {
		return ""
	}
	return r.files[r.current]
}

// Offset returns the end offset of the last complete entry in File
func (r *Reader) Offset() int64 {
	return r.offset
}

// readEntry reads one entry from the current file. io.EOF means the
// file ended cleanly on an entry boundary.
func (r *Reader) readEntry() (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.br, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	n, err := payloadLen(header)
	if err != nil {
		return nil, err
	}

	data := make([]byte, EntryHeaderSize+n)
	copy(data, header)
	if _, err := io.ReadFull(r.br, data[EntryHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	r.offset += int64(len(data))
	return entry, nil
}

// nextFile moves to the next log file
func (r *Reader) nextFile() error {
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	r.br = bufio.NewReaderSize(fd, 64<<10)
	r.offset = 0
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		err := r.fd.Close()
		r.fd = nil
		return err
	}
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
