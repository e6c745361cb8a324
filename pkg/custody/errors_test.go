// ABOUTME: Tests for the custody error taxonomy
// ABOUTME: Verifies code matching, wrapping and kind extraction

package custody

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := Errorf(ErrOutOfOrder, "approver %s must wait", "0xabc")

	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Expected errors.Is to match ErrOutOfOrder, got %v", err)
	}
	if errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("Did not expect match with ErrAlreadyDecided")
	}
	if KindOf(err) != KindConflict {
		t.Errorf("Expected KindConflict, got %s", KindOf(err))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrStorageUnavailable, cause, "put blob")

	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped cause to be reachable")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Expected match with ErrStorageUnavailable")
	}
	if !KindOf(err).Retryable() {
		t.Errorf("Expected unavailable errors to be retryable")
	}

	outer := fmt.Errorf("create document: %w", err)
	if CodeOf(outer) != "StorageUnavailable" {
		t.Errorf("Expected code through fmt wrap, got %s", CodeOf(outer))
	}
}

func TestForeignErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Errorf("Expected KindInternal, got %s", KindOf(err))
	}
	if CodeOf(err) != "Internal" {
		t.Errorf("Expected Internal code, got %s", CodeOf(err))
	}
}

func TestWithRef(t *testing.T) {
	err := Errorf(ErrDuplicateActive, "document has a pending request").WithRef("req-1")
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("Expected *Error")
	}
	if ce.Ref != "req-1" {
		t.Errorf("Expected ref req-1, got %s", ce.Ref)
	}
}

func TestCanonicalIdentity(t *testing.T) {
	if got := CanonicalIdentity("  0xAbC "); got != "0xabc" {
		t.Errorf("Expected 0xabc, got %q", got)
	}
}
