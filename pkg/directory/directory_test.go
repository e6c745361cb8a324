package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nainya/custody/pkg/retry"
)

func TestStaticResolve(t *testing.T) {
	d := NewStatic(Entry{Identity: "0xABC", Institution: "State University", Role: "Registrar"})
	ctx := context.Background()

	e, err := d.Resolve(ctx, "  0xabc ")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if e.Institution != "State University" || e.Role != "Registrar" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Identity != "0xabc" {
		t.Errorf("identity not canonical: %q", e.Identity)
	}

	if _, err := d.Resolve(ctx, "0xdef"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	content := `identities:
  - identity: alice
    institution: Acme College
    role: Dean
  - identity: Bob
    institution: Acme College
    role: Clerk
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
	e, err := d.Resolve(context.Background(), "bob")
	if err != nil || e.Role != "Clerk" {
		t.Errorf("Resolve bob = %+v, %v", e, err)
	}
}

func TestLoadFileRejectsEmptyIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	os.WriteFile(path, []byte("identities:\n  - institution: X\n"), 0o644)

	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for entry without identity")
	}
}

type flakyDirectory struct {
	Directory
	failures atomic.Int32
}

func (f *flakyDirectory) Resolve(ctx context.Context, identity string) (Entry, error) {
	if f.failures.Add(-1) >= 0 {
		return Entry{}, ErrUnavailable
	}
	return f.Directory.Resolve(ctx, identity)
}

func TestRetryingResolve(t *testing.T) {
	flaky := &flakyDirectory{Directory: NewStatic(Entry{Identity: "alice"})}
	flaky.failures.Store(2)
	d := WithRetry(flaky, retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	if _, err := d.Resolve(context.Background(), "alice"); err != nil {
		t.Fatalf("Resolve failed after retries: %v", err)
	}

	// Unknown identities are answered, not retried
	flaky.failures.Store(0)
	if _, err := d.Resolve(context.Background(), "carol"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestOpenResolve(t *testing.T) {
	ctx := context.Background()
	e, err := Open{}.Resolve(ctx, " 0xDEF ")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if e.Identity != "0xdef" || e.Institution != "" {
		t.Errorf("unexpected entry %+v", e)
	}
	if _, err := (Open{}).Resolve(ctx, "  "); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("expected ErrUnknownIdentity for an empty identity, got %v", err)
	}
}
