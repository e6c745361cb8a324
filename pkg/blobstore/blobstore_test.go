package blobstore

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nainya/custody/pkg/retry"
)

func payloads() map[string][]byte {
	random := make([]byte, 3<<20)
	rand.New(rand.NewSource(42)).Read(random)

	return map[string][]byte{
		"empty":      {},
		"small":      []byte("hello custody"),
		"repetitive": bytes.Repeat([]byte("abcdefgh"), 1<<18),
		"random":     random,
	}
}

func TestFSStoreRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			store, err := NewFSStore(t.TempDir(), c)
			if err != nil {
				t.Fatalf("NewFSStore failed: %v", err)
			}
			store.Sync = false
			ctx := context.Background()

			for name, data := range payloads() {
				hash, err := store.Put(ctx, data)
				if err != nil {
					t.Fatalf("%s: Put failed: %v", name, err)
				}
				if hash != Hash(data) {
					t.Errorf("%s: hash = %s, want %s", name, hash, Hash(data))
				}

				got, err := store.Get(ctx, hash)
				if err != nil {
					t.Fatalf("%s: Get failed: %v", name, err)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("%s: content mismatch (len %d vs %d)", name, len(got), len(data))
				}

				ok, err := store.Has(ctx, hash)
				if err != nil || !ok {
					t.Errorf("%s: Has = %v, %v", name, ok, err)
				}
			}
		})
	}
}

func TestFSStoreIdempotentPut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, CompressionZstd)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	ctx := context.Background()
	data := []byte("same bytes")

	h1, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	h2, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %s vs %s", h1, h2)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*", "*", "*"))
	if len(matches) != 1 {
		t.Errorf("expected 1 stored file, found %d: %v", len(matches), matches)
	}
}

func TestFSStoreMissingAndInvalid(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), CompressionNone)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, Hash([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "not-a-hash"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("Get invalid: expected ErrInvalidHash, got %v", err)
	}
	ok, err := store.Has(ctx, Hash([]byte("never stored")))
	if err != nil || ok {
		t.Errorf("Has missing = %v, %v", ok, err)
	}
}

func TestFSStoreDetectsCorruption(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), CompressionNone)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("original content"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	path := store.path(hash)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}

	if _, err := store.Get(ctx, hash); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for name, data := range payloads() {
		hash, err := store.Put(ctx, data)
		if err != nil {
			t.Fatalf("%s: Put failed: %v", name, err)
		}
		got, err := store.Get(ctx, hash)
		if err != nil {
			t.Fatalf("%s: Get failed: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: content mismatch", name)
		}
	}

	if _, err := store.Put(ctx, []byte("hello custody")); err != nil {
		t.Fatalf("repeat Put failed: %v", err)
	}
	if store.Len() != 4 {
		t.Errorf("Len = %d, want 4", store.Len())
	}
	if _, err := store.Get(ctx, Hash([]byte("missing"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		name    string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"lz4", CompressionLZ4, false},
		{"zstd", CompressionZstd, false},
		{"gzip", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompression(%q) error = %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// flakyStore fails the first n calls with a transient error
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

var errTransient = errors.New("transient")

func (f *flakyStore) Put(ctx context.Context, data []byte) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", errTransient
	}
	return f.MemoryStore.Put(ctx, data)
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore()}
	flaky.failures.Store(2)

	store := WithRetry(flaky, retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	hash, err := store.Put(context.Background(), []byte("data"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if hash != Hash([]byte("data")) {
		t.Errorf("unexpected hash %s", hash)
	}
}

func TestRetryingDoesNotRetryNotFound(t *testing.T) {
	store := WithRetry(NewMemoryStore(), retry.Policy{MaxAttempts: 5, InitialBackoff: time.Hour})

	start := time.Now()
	_, err := store.Get(context.Background(), Hash([]byte("missing")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("NotFound should not be retried")
	}
}
