// ABOUTME: Filesystem content-addressed store with fan-out directories
// ABOUTME: Writes are temp-file + rename so readers never see partial blobs

package blobstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// blobHeaderSize is Compression(1) + UncompressedSize(8)
const blobHeaderSize = 9

// FSStore stores blobs under Root/<hash[0:2]>/<hash[2:4]>/<hash>
type FSStore struct {
	Root        string
	Compression Compression
	Sync        bool // fsync blobs before rename
}

// NewFSStore creates the root directory if needed
func NewFSStore(root string, c Compression) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FSStore{Root: root, Compression: c, Sync: true}, nil
}

func (s *FSStore) path(hash string) string {
	return filepath.Join(s.Root, hash[0:2], hash[2:4], hash)
}

// Put stores data; storing existing content is a no-op
func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := Hash(data)
	target := s.path(hash)

	if _, err := os.Stat(target); err == nil {
		return hash, nil
	}

	payload, used, err := compress(data, s.Compression)
	if err != nil {
		return "", fmt.Errorf("blobstore: compress: %w", err)
	}

	buf := make([]byte, blobHeaderSize+len(payload))
	buf[0] = byte(used)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(len(data)))
	copy(buf[blobHeaderSize:], payload)

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	if s.Sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return "", fmt.Errorf("blobstore: sync: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}

	return hash, nil
}

// Get reads, decompresses and verifies a blob
func (s *FSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}

	raw, err := os.ReadFile(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	if len(raw) < blobHeaderSize {
		return nil, ErrCorrupted
	}

	size := binary.LittleEndian.Uint64(raw[1:9])
	data, err := decompress(raw[blobHeaderSize:], Compression(raw[0]), int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if Hash(data) != hash {
		return nil, ErrCorrupted
	}
	return data, nil
}

// Has reports whether hash is stored
func (s *FSStore) Has(ctx context.Context, hash string) (bool, error) {
	if !ValidHash(hash) {
		return false, ErrInvalidHash
	}
	_, err := os.Stat(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore: stat: %w", err)
	}
	return true, nil
}
