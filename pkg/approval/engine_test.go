package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/custody/pkg/blobstore"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/directory"
	"github.com/nainya/custody/pkg/lease"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/registry"
	"github.com/nainya/custody/pkg/store"
	"github.com/nainya/custody/pkg/verification"
)

const owner = "0xowner"

var approvers = []string{"0xdean", "0xregistrar", "0xprovost"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingIssuer counts Issue calls
type countingIssuer struct {
	Issuer
	calls atomic.Int32
}

func (c *countingIssuer) Issue(ctx context.Context, requestID, ref string) (custody.VerificationRecord, error) {
	c.calls.Add(1)
	return c.Issuer.Issue(ctx, requestID, ref)
}

type fixture struct {
	engine *Engine
	reg    *registry.Registry
	verify *verification.Service
	issuer *countingIssuer
	store  *store.Memory
	ledger *ledger.MemoryLedger
	notes  *notify.Recorder
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		ledger: ledger.NewMemoryLedger(),
		notes:  &notify.Recorder{},
		clock:  &clock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)},
	}

	dir := directory.NewStatic(directory.Entry{Identity: owner, Institution: "North University", Role: "student"})
	for i, a := range approvers {
		dir.Put(directory.Entry{Identity: a, Institution: "North University", Role: fmt.Sprintf("officer-%d", i)})
	}
	for i := 0; i < 16; i++ {
		dir.Put(directory.Entry{Identity: fmt.Sprintf("0xpanel%02d", i), Institution: "Panel"})
	}
	dir.Put(directory.Entry{Identity: "0xreader", Institution: "North University"})

	leases := lease.NewTable()
	reg, err := registry.New(registry.Options{
		Store:     f.store,
		Blobs:     blobstore.NewMemoryStore(),
		Ledger:    f.ledger,
		Directory: dir,
		Leases:    leases,
		Notifier:  f.notes,
		Logger:    zerolog.Nop(),
		Now:       f.clock.Now,
	})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	f.reg = reg

	f.verify, err = verification.New(verification.Options{Store: f.store, Ledger: f.ledger, Logger: zerolog.Nop(), Now: f.clock.Now})
	if err != nil {
		t.Fatalf("verification.New failed: %v", err)
	}
	f.issuer = &countingIssuer{Issuer: f.verify}

	f.engine, err = New(Options{
		Store:     f.store,
		Ledger:    f.ledger,
		Documents: reg,
		Directory: dir,
		Issuer:    f.issuer,
		Leases:    leases,
		Notifier:  f.notes,
		Logger:    zerolog.Nop(),
		Now:       f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

func (f *fixture) document(t *testing.T) custody.Document {
	t.Helper()
	doc, err := f.reg.CreateDocument(context.Background(), registry.CreateInput{
		Owner:    owner,
		Content:  []byte("diploma " + t.Name()),
		FileName: "diploma.pdf",
		FileType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return doc
}

func (f *fixture) submit(t *testing.T, docID string, routing custody.RoutingMode, list []string, expires *time.Time) Request {
	t.Helper()
	req, err := f.engine.Submit(context.Background(), SubmitInput{
		DocumentID: docID,
		Requester:  owner,
		Approvers:  list,
		Routing:    routing,
		ExpiresAt:  expires,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return req
}

func (f *fixture) decide(approver, requestID string, d custody.Decision) (Request, error) {
	f.clock.Advance(time.Minute)
	return f.engine.Decide(context.Background(), DecideInput{RequestID: requestID, Approver: approver, Decision: d})
}

func TestSequentialScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Sequential, approvers, nil)

	if req.Status != custody.StatusPending || req.DocumentVersion != 1 {
		t.Fatalf("unexpected request %+v", req.ApprovalRequest)
	}
	if req.RequesterInstitution != "North University" {
		t.Errorf("requester institution = %q", req.RequesterInstitution)
	}

	if _, err := f.decide(approvers[2], req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrOutOfOrder) {
		t.Fatalf("approver[2] first: expected ErrOutOfOrder, got %v", err)
	}
	if _, err := f.decide(approvers[1], req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrOutOfOrder) {
		t.Fatalf("approver[1] first: expected ErrOutOfOrder, got %v", err)
	}

	for _, a := range approvers[:2] {
		got, err := f.decide(a, req.ID, custody.DecisionApproved)
		if err != nil {
			t.Fatalf("%s approve failed: %v", a, err)
		}
		if got.Status != custody.StatusPending || got.Verification != nil {
			t.Errorf("request should still be pending, got %s", got.Status)
		}
	}

	final, err := f.decide(approvers[2], req.ID, custody.DecisionApproved)
	if err != nil {
		t.Fatalf("final approve failed: %v", err)
	}
	if final.Status != custody.StatusApproved {
		t.Fatalf("status = %s, want APPROVED", final.Status)
	}
	if final.Verification == nil || !verification.ValidCode(final.Verification.Code) {
		t.Fatalf("approved request must carry a verification code, got %+v", final.Verification)
	}

	view, err := f.verify.Resolve(ctx, final.Verification.Code)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(view.Approvers) != 3 {
		t.Fatalf("expected 3 approvers in view, got %d", len(view.Approvers))
	}
	var last time.Time
	for i, a := range view.Approvers {
		if a.Identity != approvers[i] || a.Decision != string(custody.DecisionApproved) || a.DecidedAt == nil {
			t.Errorf("approver %d = %+v", i, a)
			continue
		}
		if a.DecidedAt.Before(last) {
			t.Errorf("decision timestamps decrease at approver %d", i)
		}
		last = *a.DecidedAt
	}
	if view.Document.ContentHash != doc.ContentHash || view.LedgerRef == "" {
		t.Errorf("unexpected view document %+v ref %q", view.Document, view.LedgerRef)
	}

	history, err := f.ledger.Read(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ledger Read failed: %v", err)
	}
	var decided int
	for _, rec := range history {
		if rec.Event.Type() == ledger.TypeDecided {
			decided++
		}
	}
	if decided != 3 {
		t.Errorf("expected 3 decision events, got %d", decided)
	}
}

func TestSequentialNeverSkipsPendingPredecessor(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Sequential, approvers, nil)

	if _, err := f.decide(approvers[0], req.ID, custody.DecisionApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := f.decide(approvers[2], req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	got, err := f.engine.Get(context.Background(), req.ID, "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	for i := 1; i < len(got.Approvers); i++ {
		if got.Approvers[i].Decision != custody.DecisionPending && got.Approvers[i-1].Decision == custody.DecisionPending {
			t.Errorf("approver %d decided while %d is pending", i, i-1)
		}
	}
}

func TestParallelAnyOrder(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Parallel, approvers, nil)

	for _, i := range []int{2, 0} {
		got, err := f.decide(approvers[i], req.ID, custody.DecisionApproved)
		if err != nil {
			t.Fatalf("approver %d failed: %v", i, err)
		}
		if got.Status != custody.StatusPending {
			t.Errorf("status = %s after partial approval", got.Status)
		}
	}
	got, err := f.decide(approvers[1], req.ID, custody.DecisionApproved)
	if err != nil {
		t.Fatalf("final approve failed: %v", err)
	}
	if got.Status != custody.StatusApproved || got.Verification == nil {
		t.Fatalf("expected APPROVED with verification, got %s %+v", got.Status, got.Verification)
	}
	if got.ClosedAt == nil {
		t.Error("closed_at should be set")
	}
}

func TestRejectFailsFast(t *testing.T) {
	for _, mode := range []custody.RoutingMode{custody.Sequential, custody.Parallel} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			doc := f.document(t)
			req := f.submit(t, doc.ID, mode, approvers, nil)

			if _, err := f.decide(approvers[0], req.ID, custody.DecisionApproved); err != nil {
				t.Fatalf("approve failed: %v", err)
			}
			got, err := f.decide(approvers[1], req.ID, custody.DecisionRejected)
			if err != nil {
				t.Fatalf("reject failed: %v", err)
			}
			if got.Status != custody.StatusRejected || got.Verification != nil {
				t.Fatalf("expected REJECTED without code, got %s", got.Status)
			}

			if _, err := f.decide(approvers[2], req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrRequestClosed) {
				t.Errorf("decide after reject: expected ErrRequestClosed, got %v", err)
			}
			if f.issuer.calls.Load() != 0 {
				t.Error("no verification may be issued for a rejected request")
			}
		})
	}
}

func TestDecideValidation(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Parallel, approvers, nil)

	if _, err := f.decide("0xreader", req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrNotAnApprover) {
		t.Errorf("expected ErrNotAnApprover, got %v", err)
	}
	if _, err := f.decide(approvers[0], req.ID, "MAYBE"); !errors.Is(err, custody.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := f.decide(approvers[0], "missing", custody.DecisionApproved); !errors.Is(err, custody.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.decide(" 0xDEAN ", req.ID, custody.DecisionApproved); err != nil {
		t.Fatalf("approve with uncanonical identity failed: %v", err)
	}
	_, err := f.decide(approvers[0], req.ID, custody.DecisionRejected)
	if !errors.Is(err, custody.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	var ce *custody.Error
	if !errors.As(err, &ce) || ce.Ref != req.ID || ce.Kind != custody.KindConflict {
		t.Errorf("conflict should reference the request, got %+v", ce)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	past := f.clock.Now().Add(-time.Hour)

	tests := []struct {
		name string
		in   SubmitInput
		want error
	}{
		{"no approvers", SubmitInput{DocumentID: doc.ID, Requester: owner, Routing: custody.Parallel}, custody.ErrValidation},
		{"duplicate approvers", SubmitInput{DocumentID: doc.ID, Requester: owner, Routing: custody.Parallel, Approvers: []string{"0xdean", "0XDEAN"}}, custody.ErrValidation},
		{"unknown approver", SubmitInput{DocumentID: doc.ID, Requester: owner, Routing: custody.Parallel, Approvers: []string{"0xnobody"}}, custody.ErrUnknownIdentity},
		{"bad routing", SubmitInput{DocumentID: doc.ID, Requester: owner, Routing: "RANDOM", Approvers: approvers}, custody.ErrValidation},
		{"bad priority", SubmitInput{DocumentID: doc.ID, Requester: owner, Routing: custody.Parallel, Priority: "NOW", Approvers: approvers}, custody.ErrValidation},
		{"past expiry", SubmitInput{DocumentID: doc.ID, Requester: owner, Routing: custody.Parallel, Approvers: approvers, ExpiresAt: &past}, custody.ErrValidation},
		{"missing document", SubmitInput{DocumentID: "missing", Requester: owner, Routing: custody.Parallel, Approvers: approvers}, custody.ErrNotFound},
		{"reader requester", SubmitInput{DocumentID: doc.ID, Requester: "0xreader", Routing: custody.Parallel, Approvers: approvers}, custody.ErrPermissionDenied},
	}

	if _, err := f.reg.ShareDocument(ctx, doc.ID, owner, "0xreader", custody.AccessRead); err != nil {
		t.Fatalf("ShareDocument failed: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Submit(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDuplicateActiveThenResubmit(t *testing.T) {
	for _, outcome := range []custody.Decision{custody.DecisionApproved, custody.DecisionRejected} {
		t.Run(string(outcome), func(t *testing.T) {
			f := newFixture(t)
			doc := f.document(t)
			first := f.submit(t, doc.ID, custody.Parallel, approvers[:1], nil)

			_, err := f.engine.Submit(context.Background(), SubmitInput{
				DocumentID: doc.ID, Requester: owner, Approvers: approvers, Routing: custody.Parallel,
			})
			if !errors.Is(err, custody.ErrDuplicateActive) {
				t.Fatalf("expected ErrDuplicateActive, got %v", err)
			}
			var ce *custody.Error
			if errors.As(err, &ce) && ce.Ref != first.ID {
				t.Errorf("conflict ref = %q, want %q", ce.Ref, first.ID)
			}

			if _, err := f.decide(approvers[0], first.ID, outcome); err != nil {
				t.Fatalf("decide failed: %v", err)
			}
			f.submit(t, doc.ID, custody.Parallel, approvers, nil)
		})
	}
}

func TestConcurrentSubmissionsOneWins(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)

	const callers = 10
	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Submit(context.Background(), SubmitInput{
				DocumentID: doc.ID, Requester: owner, Approvers: approvers, Routing: custody.Parallel,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, custody.ErrDuplicateActive):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || dup.Load() != callers-1 {
		t.Errorf("ok = %d, duplicate = %d", ok.Load(), dup.Load())
	}
}

func TestConcurrentLastDecisionIssuesOneCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)

	panel := make([]string, 16)
	for i := range panel {
		panel[i] = fmt.Sprintf("0xpanel%02d", i)
	}
	req := f.submit(t, doc.ID, custody.Parallel, panel, nil)

	var wg sync.WaitGroup
	results := make(chan Request, len(panel))
	for _, a := range panel {
		wg.Add(1)
		go func(a string) {
			defer wg.Done()
			got, err := f.engine.Decide(ctx, DecideInput{RequestID: req.ID, Approver: a, Decision: custody.DecisionApproved})
			if err != nil {
				t.Errorf("%s: Decide failed: %v", a, err)
				return
			}
			results <- got
		}(a)
	}
	wg.Wait()
	close(results)

	var approvedTransitions int
	for got := range results {
		if got.Status == custody.StatusApproved {
			approvedTransitions++
		}
	}
	if approvedTransitions != 1 {
		t.Errorf("expected exactly one decide to observe APPROVED, got %d", approvedTransitions)
	}
	if n := f.issuer.calls.Load(); n != 1 {
		t.Errorf("expected exactly one issuance, got %d", n)
	}

	final, err := f.engine.Get(ctx, req.ID, owner)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != custody.StatusApproved || final.Verification == nil {
		t.Fatalf("expected APPROVED with verification, got %s", final.Status)
	}
}

// interleavedStore records a decision by another approver just before
// the next RecordDecision, as a second process sharing the store would
type interleavedStore struct {
	*store.Memory
	other custody.Approver
	once  sync.Once
}

func (s *interleavedStore) RecordDecision(ctx context.Context, u store.DecisionUpdate) error {
	var err error
	s.once.Do(func() {
		err = s.Memory.RecordDecision(ctx, store.DecisionUpdate{
			RequestID: u.RequestID,
			Identity:  s.other.Identity,
			Decision:  custody.DecisionApproved,
			DecidedAt: u.DecidedAt,
			Status:    custody.StatusPending,
		})
	})
	if err != nil {
		return err
	}
	return s.Memory.RecordDecision(ctx, u)
}

func TestDecideRereadsAfterInterleavedDecision(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Parallel, approvers[:2], nil)
	f.engine.store = &interleavedStore{Memory: f.store, other: custody.Approver{Identity: approvers[1]}}

	_, err := f.decide(approvers[0], req.ID, custody.DecisionApproved)
	if !errors.Is(err, custody.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if got, _ := f.engine.Get(context.Background(), req.ID, owner); got.Status != custody.StatusPending {
		t.Fatalf("status after conflict = %s, want PENDING", got.Status)
	}

	got, err := f.decide(approvers[0], req.ID, custody.DecisionApproved)
	if err != nil {
		t.Fatalf("retried Decide failed: %v", err)
	}
	if got.Status != custody.StatusApproved || got.Verification == nil {
		t.Fatalf("expected APPROVED with a verification code, got %s %+v", got.Status, got.Verification)
	}
	if n := f.issuer.calls.Load(); n != 1 {
		t.Errorf("Issue called %d times, want 1", n)
	}
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	deadline := f.clock.Now().Add(time.Hour)
	req := f.submit(t, doc.ID, custody.Parallel, approvers, &deadline)

	if _, err := f.decide(approvers[0], req.ID, custody.DecisionApproved); err != nil {
		t.Fatalf("approve before deadline failed: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.decide(approvers[1], req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}

	got, err := f.engine.Get(ctx, req.ID, "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != custody.StatusExpired || got.ClosedAt == nil {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
	if _, err := f.decide(approvers[2], req.ID, custody.DecisionApproved); !errors.Is(err, custody.ErrRequestExpired) {
		t.Errorf("decide on expired request: expected ErrRequestExpired, got %v", err)
	}

	history, _ := f.ledger.Read(ctx, doc.ID)
	var expired int
	for _, rec := range history {
		if e, ok := rec.Event.(ledger.Expired); ok {
			expired++
			if e.Signer != ledger.SystemSigner {
				t.Errorf("expiry signer = %q", e.Signer)
			}
		}
	}
	if expired != 1 {
		t.Errorf("expected one expiry event, got %d", expired)
	}

	f.submit(t, doc.ID, custody.Parallel, approvers, nil)
}

func TestSubmitExpiresOverdueActiveRequest(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	deadline := f.clock.Now().Add(time.Minute)
	old := f.submit(t, doc.ID, custody.Parallel, approvers, &deadline)

	f.clock.Advance(time.Hour)
	f.submit(t, doc.ID, custody.Parallel, approvers, nil)

	got, err := f.engine.Get(context.Background(), old.ID, "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != custody.StatusExpired {
		t.Errorf("overdue request status = %s, want EXPIRED", got.Status)
	}
}

func TestListPendingFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Sequential, approvers, nil)

	pending := func(who string) int {
		t.Helper()
		reqs, err := f.engine.ListPendingFor(ctx, who)
		if err != nil {
			t.Fatalf("ListPendingFor failed: %v", err)
		}
		return len(reqs)
	}

	if pending(approvers[0]) != 1 || pending(approvers[1]) != 0 {
		t.Fatalf("only the first sequential approver should see the request")
	}
	if _, err := f.decide(approvers[0], req.ID, custody.DecisionApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if pending(approvers[0]) != 0 || pending(approvers[1]) != 1 || pending(approvers[2]) != 0 {
		t.Errorf("turn should pass to the second approver")
	}

	other := f.document(t)
	f.submit(t, other.ID, custody.Parallel, approvers, nil)
	if pending(approvers[2]) != 1 {
		t.Errorf("parallel request should be visible to every approver")
	}
}

func TestListForDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.document(t)
	first := f.submit(t, doc.ID, custody.Parallel, approvers[:1], nil)
	if _, err := f.decide(approvers[0], first.ID, custody.DecisionRejected); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	f.submit(t, doc.ID, custody.Parallel, approvers, nil)

	reqs, err := f.engine.ListForDocument(ctx, doc.ID, owner)
	if err != nil {
		t.Fatalf("ListForDocument failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if _, err := f.engine.ListForDocument(ctx, doc.ID, "0xreader"); !errors.Is(err, custody.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	req := f.submit(t, doc.ID, custody.Sequential, approvers, nil)

	if len(f.notes.For(approvers[0])) != 1 || len(f.notes.For(approvers[1])) != 0 {
		t.Fatalf("sequential submission should notify only the first approver")
	}
	if _, err := f.decide(approvers[0], req.ID, custody.DecisionApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if n := f.notes.For(approvers[1]); len(n) != 1 || n[0].Kind != notify.KindApprovalNeeded {
		t.Errorf("second approver notifications = %+v", n)
	}
	if n := f.notes.For(owner); len(n) != 1 || n[0].Kind != notify.KindDecisionRecorded {
		t.Errorf("requester notifications = %+v", n)
	}
}
