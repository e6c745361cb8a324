package verification

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/store"
)

var issued = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, s store.Store, random []byte) *Service {
	t.Helper()
	opts := Options{
		Store:  s,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return issued },
	}
	if random != nil {
		opts.Random = bytes.NewReader(random)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc
}

// seed stores a document and an approval request with the given status
func seed(t *testing.T, s store.Store, requestID string, status custody.RequestStatus) {
	t.Helper()
	ctx := context.Background()
	docID := "doc-" + requestID

	doc := custody.Document{
		ID: docID, OwnerIdentity: "0xowner", CurrentVersion: 1, FileName: "degree.pdf",
		FileType: "application/pdf", ByteSize: 42, ContentHash: "abc", CreatedAt: issued, UpdatedAt: issued, IsActive: true,
	}
	v := custody.DocumentVersion{
		DocumentID: docID, VersionNumber: 1, ContentHash: "abc", FileName: "degree.pdf",
		ByteSize: 42, UpdatedBy: "0xowner", Timestamp: issued, LedgerRef: "0x01",
	}
	if err := s.CreateDocument(ctx, doc, v); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	decided := issued.Add(-time.Hour)
	req := custody.ApprovalRequest{
		ID: requestID, DocumentID: docID, DocumentVersion: 1, RequesterIdentity: "0xowner",
		RoutingMode: custody.Parallel, Priority: custody.PriorityNormal, Status: custody.StatusPending, CreatedAt: issued.Add(-2 * time.Hour),
	}
	approver := custody.Approver{
		ApprovalRequestID: requestID, Identity: "0xdean", Institution: "North University", Role: "dean",
		Decision: custody.DecisionPending,
	}
	if err := s.CreateApproval(ctx, req, []custody.Approver{approver}); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}
	if status == custody.StatusPending {
		return
	}
	decision := custody.DecisionApproved
	if status == custody.StatusRejected {
		decision = custody.DecisionRejected
	}
	err := s.RecordDecision(ctx, store.DecisionUpdate{
		RequestID: requestID, Identity: "0xdean", Decision: decision, DecidedAt: decided,
		LedgerRef: "0xdecided", Status: status, ClosedAt: &decided,
	})
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
}

func TestCodeFormat(t *testing.T) {
	svc := newService(t, store.NewMemory(), nil)
	for i := 0; i < 200; i++ {
		code, err := svc.generate(issued.Year())
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !ValidCode(code) {
			t.Fatalf("code %q does not match the format", code)
		}
		if !strings.HasPrefix(code, "DCH-2025-") {
			t.Fatalf("code %q has the wrong prefix or year", code)
		}
	}
}

func TestPrefixConfig(t *testing.T) {
	s := store.NewMemory()
	if _, err := New(Options{Store: s, Config: Config{Prefix: "toolong"}}); err == nil {
		t.Error("expected error for a long prefix")
	}
	if _, err := New(Options{Store: s, Config: Config{Prefix: "a1b"}}); err == nil {
		t.Error("expected error for a non-letter prefix")
	}
	svc, err := New(Options{Store: s, Config: Config{Prefix: "uni"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	code, _ := svc.generate(2030)
	if !strings.HasPrefix(code, "UNI-2030-") {
		t.Errorf("code = %q", code)
	}
}

func TestIssueIsIdempotent(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "req-1", custody.StatusApproved)
	svc := newService(t, s, nil)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "req-1", "0xdecided")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	second, err := svc.Issue(ctx, "req-1", "0xother")
	if err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}
	if first != second {
		t.Errorf("repeated issue returned a different record: %+v vs %+v", first, second)
	}
}

func TestIssueRetriesOnCollision(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "req-1", custody.StatusApproved)
	seed(t, s, "req-2", custody.StatusApproved)
	ctx := context.Background()

	// Both services draw the same first code; the second then draws a fresh one
	same := bytes.Repeat([]byte{0}, 16)
	fresh := bytes.Repeat([]byte{1}, 16)

	first, err := newService(t, s, same).Issue(ctx, "req-1", "0x1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if first.Code != "DCH-2025-AAAAAA" {
		t.Fatalf("code = %q", first.Code)
	}

	second, err := newService(t, s, append(append([]byte{}, same...), fresh...)).Issue(ctx, "req-2", "0x2")
	if err != nil {
		t.Fatalf("Issue after collision failed: %v", err)
	}
	if second.Code != "DCH-2025-BBBBBB" {
		t.Errorf("code after collision = %q", second.Code)
	}
}

func TestIssueGivesUpAfterMaxAttempts(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "req-1", custody.StatusApproved)
	seed(t, s, "req-2", custody.StatusApproved)
	ctx := context.Background()

	zeros := bytes.Repeat([]byte{0}, 16*16)
	if _, err := newService(t, s, zeros).Issue(ctx, "req-1", "0x1"); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := newService(t, s, zeros).Issue(ctx, "req-2", "0x2"); !errors.Is(err, custody.ErrInternal) {
		t.Errorf("expected ErrInternal when every code collides, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "req-1", custody.StatusApproved)
	svc := newService(t, s, nil)
	ctx := context.Background()

	rec, err := svc.Issue(ctx, "req-1", "0xdecided")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	view, err := svc.Resolve(ctx, rec.Code)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if view.Document.FileName != "degree.pdf" || view.Document.ContentHash != "abc" || view.Document.ByteSize != 42 {
		t.Errorf("unexpected document view %+v", view.Document)
	}
	if view.Requester != "0xowner" || view.LedgerRef != "0xdecided" || view.Status != "APPROVED" {
		t.Errorf("unexpected view %+v", view)
	}
	if len(view.Approvers) != 1 || view.Approvers[0].Institution != "North University" || view.Approvers[0].DecidedAt == nil {
		t.Errorf("unexpected approvers %+v", view.Approvers)
	}

	again, err := svc.Resolve(ctx, "  "+strings.ToLower(rec.Code)+" ")
	if err != nil {
		t.Fatalf("case-insensitive Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(view, again) {
		t.Error("repeated resolve returned a different view")
	}
}

func TestResolveNotFound(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "req-approved", custody.StatusApproved)
	seed(t, s, "req-pending", custody.StatusPending)
	svc := newService(t, s, nil)
	ctx := context.Background()

	rec, err := svc.Issue(ctx, "req-approved", "0x1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	orphan, err := svc.Issue(ctx, "req-pending", "0x2")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	near := rec.Code[:len(rec.Code)-1] + "0"
	if near == rec.Code {
		near = rec.Code[:len(rec.Code)-1] + "1"
	}
	for _, code := range []string{"", "garbage", "DCH-2025-ZZZZZZ", "DCH-25-AAAAAA", rec.Code + "X", near, orphan.Code} {
		if _, err := svc.Resolve(ctx, code); !errors.Is(err, custody.ErrNotFound) {
			t.Errorf("Resolve(%q): expected ErrNotFound, got %v", code, err)
		}
	}
}

func TestResolveChecksDecisionsAgainstLedger(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	led := ledger.NewMemoryLedger()
	seed(t, s, "req-1", custody.StatusPending)
	for _, doc := range []string{"doc-req-1", "doc-req-2"} {
		upload := ledger.Uploaded{Signer: "0xowner", ContentHash: "abc", FileName: "degree.pdf", ByteSize: 42}
		if _, err := led.Append(ctx, doc, upload, ""); err != nil {
			t.Fatalf("Append upload failed: %v", err)
		}
	}

	rec, err := led.Append(ctx, "doc-req-1", ledger.Decided{
		Signer: "0xdean", RequestID: "req-1", Decision: string(custody.DecisionApproved),
	}, "decide:req-1")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	decided := issued.Add(-time.Hour)
	err = s.RecordDecision(ctx, store.DecisionUpdate{
		RequestID: "req-1", Identity: "0xdean", Decision: custody.DecisionApproved, DecidedAt: decided,
		LedgerRef: rec.Ref, Status: custody.StatusApproved, ClosedAt: &decided,
	})
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	svc, err := New(Options{Store: s, Ledger: led, Logger: zerolog.Nop(), Now: func() time.Time { return issued }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	issuedRec, err := svc.Issue(ctx, "req-1", rec.Ref)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	view, err := svc.Resolve(ctx, issuedRec.Code)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if view.Approvers[0].LedgerRef != rec.Ref {
		t.Errorf("approver ledger ref = %q, want %q", view.Approvers[0].LedgerRef, rec.Ref)
	}

	// A decision the ledger never recorded is not shown
	seed(t, s, "req-2", custody.StatusApproved)
	forged, err := svc.Issue(ctx, "req-2", "0xdecided")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := svc.Resolve(ctx, forged.Code); !errors.Is(err, custody.ErrInternal) {
		t.Errorf("unbacked decision: expected ErrInternal, got %v", err)
	}
}
