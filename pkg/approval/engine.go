// Package approval implements the approval workflow engine: multi-party
// approval requests over a document version, routed either sequentially
// or in parallel.
//
// A request moves from PENDING to exactly one terminal status. Any
// REJECTED decision closes it as REJECTED. It becomes APPROVED once every
// approver has approved, and the verification code is issued before that
// status is stored, so an APPROVED request always has a code. Expiry is
// evaluated lazily on every read and decide; the Sweeper only shortens
// the window in which an overdue request still reads as PENDING.
//
// Submission, decisions and expiry are serialized per document with a
// lease, which keeps the one-active-request invariant and guarantees
// that exactly one decide call observes the final approval.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nainya/custody/internal/metrics"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/directory"
	"github.com/nainya/custody/pkg/lease"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/store"
)

// Config tunes the engine
type Config struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxApprovers  int           `yaml:"max_approvers"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Minute,
		MaxApprovers:  32,
		CallTimeout:   10 * time.Second,
	}
}

// Documents authorizes access to documents
type Documents interface {
	Authorize(ctx context.Context, documentID, actor string, need custody.AccessType) (custody.Document, error)
}

// Issuer issues the verification record of an approved request
type Issuer interface {
	Issue(ctx context.Context, requestID, ledgerRef string) (custody.VerificationRecord, error)
}

// Options are the engine's collaborators
type Options struct {
	Store     store.Store
	Ledger    ledger.Ledger
	Documents Documents
	Directory directory.Directory
	Issuer    Issuer
	Leases    *lease.Table
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Config    Config
	Now       func() time.Time
}

// Engine drives approval requests
type Engine struct {
	store    store.Store
	ledger   ledger.Ledger
	docs     Documents
	dir      directory.Directory
	issuer   Issuer
	leases   *lease.Table
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time
}

// New creates an engine
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Documents == nil || opts.Directory == nil || opts.Issuer == nil {
		return nil, errors.New("approval: store, ledger, documents, directory and issuer are required")
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewTable()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultConfig()
	if opts.Config.SweepInterval <= 0 {
		opts.Config.SweepInterval = def.SweepInterval
	}
	if opts.Config.MaxApprovers <= 0 {
		opts.Config.MaxApprovers = def.MaxApprovers
	}
	if opts.Config.CallTimeout <= 0 {
		opts.Config.CallTimeout = def.CallTimeout
	}

	return &Engine{
		store:    opts.Store,
		ledger:   opts.Ledger,
		docs:     opts.Documents,
		dir:      opts.Directory,
		issuer:   opts.Issuer,
		leases:   opts.Leases,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		cfg:      opts.Config,
		now:      opts.Now,
	}, nil
}

// Request is an approval request with its approvers, ordered by sequence
// index, and its verification record once approved
type Request struct {
	custody.ApprovalRequest
	Approvers    []custody.Approver
	Verification *custody.VerificationRecord
}

func leaseKey(documentID string) string {
	return "approval:" + documentID
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

func (e *Engine) appendEvent(ctx context.Context, documentID string, ev ledger.Event, key string) (ledger.Record, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	rec, err := e.ledger.Append(callCtx, documentID, ev, key)
	e.metrics.RecordLedgerAppend(string(ev.Type()), err)
	return rec, err
}

func (e *Engine) resolve(ctx context.Context, identity string) (directory.Entry, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	entry, err := e.dir.Resolve(callCtx, identity)
	if err != nil {
		return directory.Entry{}, directory.Classify(err, "resolve "+identity)
	}
	return entry, nil
}

func (e *Engine) load(ctx context.Context, id string) (Request, error) {
	req, approvers, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return Request{}, store.Classify(err, "approval request "+id)
	}
	out := Request{ApprovalRequest: req, Approvers: approvers}
	if req.Status == custody.StatusApproved {
		rec, err := e.store.VerificationForRequest(ctx, id)
		if err != nil {
			return Request{}, store.Classify(err, "verification for "+id)
		}
		out.Verification = &rec
	}
	return out, nil
}

// expireLocked moves an overdue request to EXPIRED. The caller holds the
// document lease.
func (e *Engine) expireLocked(ctx context.Context, req *Request) error {
	_, err := e.appendEvent(ctx, req.DocumentID, ledger.Expired{
		Signer:    ledger.SystemSigner,
		RequestID: req.ID,
	}, "expire:"+req.ID)
	if err != nil {
		return ledger.Classify(err, "record expiry")
	}

	now := e.now()
	err = e.store.SetApprovalStatus(ctx, req.ID, custody.StatusPending, custody.StatusExpired, now)
	if errors.Is(err, store.ErrConflict) {
		reloaded, err := e.load(ctx, req.ID)
		if err != nil {
			return err
		}
		*req = reloaded
		return nil
	}
	if err != nil {
		return store.Classify(err, "expire request")
	}

	req.Status = custody.StatusExpired
	req.ClosedAt = &now
	e.metrics.RecordApprovalOutcome(string(custody.StatusExpired))
	e.notifier.Notify(req.RequesterIdentity, notify.Notification{
		Kind:       notify.KindRequestClosed,
		DocumentID: req.DocumentID,
		RequestID:  req.ID,
		Status:     string(custody.StatusExpired),
		At:         now,
	})
	e.logger.Info().Str("request_id", req.ID).Str("document_id", req.DocumentID).Msg("approval request expired")
	return nil
}

// expireIfDue applies lazy expiry, taking the document lease if needed.
// It reports whether this call performed the transition.
func (e *Engine) expireIfDue(ctx context.Context, req *Request) (bool, error) {
	if !req.Expired(e.now()) {
		return false, nil
	}
	release, err := e.leases.Acquire(ctx, leaseKey(req.DocumentID))
	if err != nil {
		return false, custody.Wrap(custody.ErrInternal, err, "acquire approval lease")
	}
	defer release()

	reloaded, err := e.load(ctx, req.ID)
	if err != nil {
		return false, err
	}
	*req = reloaded
	if !req.Expired(e.now()) {
		return false, nil
	}
	if err := e.expireLocked(ctx, req); err != nil {
		return false, err
	}
	return req.Status == custody.StatusExpired, nil
}

// Get returns a request after applying lazy expiry. A non-empty actor must
// be the requester, an approver, or able to read the document.
func (e *Engine) Get(ctx context.Context, id, actor string) (Request, error) {
	req, err := e.load(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if actor = custody.CanonicalIdentity(actor); actor != "" {
		if err := e.canView(ctx, req, actor); err != nil {
			return Request{}, err
		}
	}
	if _, err := e.expireIfDue(ctx, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (e *Engine) canView(ctx context.Context, req Request, actor string) error {
	if req.RequesterIdentity == actor {
		return nil
	}
	for _, a := range req.Approvers {
		if a.Identity == actor {
			return nil
		}
	}
	_, err := e.docs.Authorize(ctx, req.DocumentID, actor, custody.AccessRead)
	return err
}

// ListForDocument returns every request of a document, oldest first
func (e *Engine) ListForDocument(ctx context.Context, documentID, actor string) ([]custody.ApprovalRequest, error) {
	if _, err := e.docs.Authorize(ctx, documentID, actor, custody.AccessRead); err != nil {
		return nil, err
	}
	reqs, err := e.store.ListApprovalsForDocument(ctx, documentID)
	if err != nil {
		return nil, store.Classify(err, "list approvals")
	}
	for i := range reqs {
		if !reqs[i].Expired(e.now()) {
			continue
		}
		r := Request{ApprovalRequest: reqs[i]}
		if _, err := e.expireIfDue(ctx, &r); err != nil {
			return nil, err
		}
		reqs[i] = r.ApprovalRequest
	}
	return reqs, nil
}

// ListPendingFor returns the requests waiting on approver. For sequential
// requests only those where it is the approver's turn are included.
func (e *Engine) ListPendingFor(ctx context.Context, approver string) ([]Request, error) {
	approver = custody.CanonicalIdentity(approver)
	reqs, err := e.store.ListPendingForApprover(ctx, approver)
	if err != nil {
		return nil, store.Classify(err, "list pending approvals")
	}

	var out []Request
	for _, r := range reqs {
		req, err := e.load(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if _, err := e.expireIfDue(ctx, &req); err != nil {
			return nil, err
		}
		if req.Status != custody.StatusPending {
			continue
		}
		if req.RoutingMode == custody.Sequential && !isTurn(req.Approvers, approver) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// isTurn reports whether identity is the first undecided approver and
// everyone before it approved
func isTurn(approvers []custody.Approver, identity string) bool {
	for _, a := range approvers {
		if a.Identity == identity {
			return a.Decision == custody.DecisionPending
		}
		if a.Decision != custody.DecisionApproved {
			return false
		}
	}
	return false
}

// SweepExpired expires every overdue PENDING request and returns how many
// it expired
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	due, err := e.store.ListExpirable(ctx, e.now())
	if err != nil {
		return 0, store.Classify(err, "list expirable")
	}

	expired := 0
	for _, r := range due {
		req := Request{ApprovalRequest: r}
		done, err := e.expireIfDue(ctx, &req)
		if err != nil {
			return expired, err
		}
		if done {
			expired++
		}
	}
	return expired, nil
}

func newID() string {
	return uuid.NewString()
}
