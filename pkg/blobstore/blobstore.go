// ABOUTME: Content-addressed blob storage contract and hashing
// ABOUTME: Same bytes always map to the same hash; puts are idempotent

package blobstore

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound indicates no blob is stored under the hash
	ErrNotFound = errors.New("blobstore: not found")

	// ErrInvalidHash indicates a malformed content hash
	ErrInvalidHash = errors.New("blobstore: invalid hash")

	// ErrCorrupted indicates stored bytes no longer match their hash
	ErrCorrupted = errors.New("blobstore: content does not match hash")
)

// HashSize is the length of a hex-encoded content hash
const HashSize = 64

// Store is a content-addressed blob store
type Store interface {
	// Put stores data and returns its content hash
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the bytes stored under hash or ErrNotFound
	Get(ctx context.Context, hash string) ([]byte, error)

	// Has reports whether hash is stored
	Has(ctx context.Context, hash string) (bool, error)
}

// Hash computes the content hash of data (BLAKE3-256, lowercase hex)
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h is a well-formed content hash
func ValidHash(h string) bool {
	if len(h) != HashSize {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
