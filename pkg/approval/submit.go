package approval

import (
	"context"
	"errors"
	"time"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/store"
)

// SubmitInput describes a new approval request
type SubmitInput struct {
	DocumentID string
	Requester  string
	Approvers  []string // in sequence order for SEQUENTIAL routing
	Routing    custody.RoutingMode
	Priority   custody.Priority // defaults to NORMAL
	ExpiresAt  *time.Time
}

func (e *Engine) validateSubmit(in *SubmitInput) error {
	in.Requester = custody.CanonicalIdentity(in.Requester)
	if in.DocumentID == "" || in.Requester == "" {
		return custody.Errorf(custody.ErrValidation, "document id and requester are required")
	}
	if !in.Routing.Valid() {
		return custody.Errorf(custody.ErrValidation, "unknown routing mode %q", in.Routing)
	}
	if in.Priority == "" {
		in.Priority = custody.PriorityNormal
	}
	if !in.Priority.Valid() {
		return custody.Errorf(custody.ErrValidation, "unknown priority %q", in.Priority)
	}
	if len(in.Approvers) == 0 {
		return custody.Errorf(custody.ErrValidation, "at least one approver is required")
	}
	if len(in.Approvers) > e.cfg.MaxApprovers {
		return custody.Errorf(custody.ErrValidation, "at most %d approvers are allowed", e.cfg.MaxApprovers)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(e.now()) {
		return custody.Errorf(custody.ErrValidation, "expiry must be in the future")
	}

	seen := make(map[string]bool, len(in.Approvers))
	canonical := make([]string, len(in.Approvers))
	for i, a := range in.Approvers {
		a = custody.CanonicalIdentity(a)
		if a == "" {
			return custody.Errorf(custody.ErrValidation, "approver %d is empty", i)
		}
		if seen[a] {
			return custody.Errorf(custody.ErrValidation, "approver %s is listed twice", a)
		}
		seen[a] = true
		canonical[i] = a
	}
	in.Approvers = canonical
	return nil
}

// Submit opens an approval request over the document's current version.
// The requester must be the owner or hold WRITE access, and every
// approver must resolve in the identity directory. A document with a
// PENDING request rejects the submission with DuplicateActiveRequest.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (Request, error) {
	if err := e.validateSubmit(&in); err != nil {
		return Request{}, err
	}
	requester, err := e.resolve(ctx, in.Requester)
	if err != nil {
		return Request{}, err
	}

	release, err := e.leases.Acquire(ctx, leaseKey(in.DocumentID))
	if err != nil {
		return Request{}, custody.Wrap(custody.ErrInternal, err, "acquire approval lease")
	}
	defer release()

	doc, err := e.docs.Authorize(ctx, in.DocumentID, in.Requester, custody.AccessWrite)
	if err != nil {
		return Request{}, err
	}
	if err := e.checkNoActive(ctx, in.DocumentID); err != nil {
		return Request{}, err
	}

	approvers := make([]custody.Approver, len(in.Approvers))
	for i, identity := range in.Approvers {
		entry, err := e.resolve(ctx, identity)
		if err != nil {
			return Request{}, err
		}
		approvers[i] = custody.Approver{
			Identity:      identity,
			Institution:   entry.Institution,
			Role:          entry.Role,
			SequenceIndex: i,
			Decision:      custody.DecisionPending,
		}
	}

	req := custody.ApprovalRequest{
		ID:                   newID(),
		DocumentID:           in.DocumentID,
		DocumentVersion:      doc.CurrentVersion,
		RequesterIdentity:    in.Requester,
		RequesterInstitution: requester.Institution,
		RoutingMode:          in.Routing,
		Priority:             in.Priority,
		ExpiresAt:            in.ExpiresAt,
		Status:               custody.StatusPending,
		CreatedAt:            e.now(),
	}
	for i := range approvers {
		approvers[i].ApprovalRequestID = req.ID
	}

	_, err = e.appendEvent(ctx, in.DocumentID, ledger.Submitted{
		Signer:    in.Requester,
		RequestID: req.ID,
		Version:   req.DocumentVersion,
		Routing:   string(req.RoutingMode),
		Approvers: in.Approvers,
	}, "submit:"+req.ID)
	if err != nil {
		return Request{}, ledger.Classify(err, "record submission")
	}

	if err := e.store.CreateApproval(ctx, req, approvers); err != nil {
		if errors.Is(err, store.ErrDuplicateActive) {
			return Request{}, custody.Errorf(custody.ErrDuplicateActive, "document %s already has a pending request", in.DocumentID).WithRef(in.DocumentID)
		}
		return Request{}, store.Classify(err, "create approval")
	}

	e.metrics.RecordApprovalSubmitted()
	out := Request{ApprovalRequest: req, Approvers: approvers}
	e.notifyNext(out)
	e.logger.Info().
		Str("request_id", req.ID).
		Str("document_id", req.DocumentID).
		Int("version", req.DocumentVersion).
		Str("routing", string(req.RoutingMode)).
		Int("approvers", len(approvers)).
		Msg("approval request submitted")
	return out, nil
}

// checkNoActive fails if the document has a PENDING request, expiring an
// overdue one first. The caller holds the document lease.
func (e *Engine) checkNoActive(ctx context.Context, documentID string) error {
	reqs, err := e.store.ListApprovalsForDocument(ctx, documentID)
	if err != nil {
		return store.Classify(err, "list approvals")
	}
	for _, r := range reqs {
		if r.Status != custody.StatusPending {
			continue
		}
		if r.Expired(e.now()) {
			active := Request{ApprovalRequest: r}
			if err := e.expireLocked(ctx, &active); err != nil {
				return err
			}
			if active.Status != custody.StatusPending {
				continue
			}
		}
		return custody.Errorf(custody.ErrDuplicateActive, "document %s already has pending request %s", documentID, r.ID).WithRef(r.ID)
	}
	return nil
}

// notifyNext tells the approvers who can act now. Parallel requests
// notify everyone still pending; sequential ones only the next in line.
func (e *Engine) notifyNext(req Request) {
	for _, a := range req.Approvers {
		if a.Decision != custody.DecisionPending {
			continue
		}
		e.notifier.Notify(a.Identity, notify.Notification{
			Kind:       notify.KindApprovalNeeded,
			DocumentID: req.DocumentID,
			RequestID:  req.ID,
			Actor:      req.RequesterIdentity,
			Status:     string(req.Status),
			At:         e.now(),
		})
		if req.RoutingMode == custody.Sequential {
			return
		}
	}
}
