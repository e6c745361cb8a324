package approval

import (
	"context"
	"errors"

	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/ledger"
	"github.com/nainya/custody/pkg/notify"
	"github.com/nainya/custody/pkg/store"
)

// DecideInput is one approver's decision
type DecideInput struct {
	RequestID string
	Approver  string
	Decision  custody.Decision
	Comment   string
}

// Decide records an approver's decision and returns the updated request.
// When the decision completes the approval the verification record is
// issued before the APPROVED status is stored.
func (e *Engine) Decide(ctx context.Context, in DecideInput) (Request, error) {
	in.Approver = custody.CanonicalIdentity(in.Approver)
	if in.RequestID == "" || in.Approver == "" {
		return Request{}, custody.Errorf(custody.ErrValidation, "request id and approver are required")
	}
	if in.Decision != custody.DecisionApproved && in.Decision != custody.DecisionRejected {
		return Request{}, custody.Errorf(custody.ErrValidation, "decision must be APPROVED or REJECTED, got %q", in.Decision)
	}

	head, err := e.load(ctx, in.RequestID)
	if err != nil {
		return Request{}, err
	}

	release, err := e.leases.Acquire(ctx, leaseKey(head.DocumentID))
	if err != nil {
		return Request{}, custody.Wrap(custody.ErrInternal, err, "acquire approval lease")
	}
	defer release()

	req, err := e.load(ctx, in.RequestID)
	if err != nil {
		return Request{}, err
	}
	if req.Expired(e.now()) {
		if err := e.expireLocked(ctx, &req); err != nil {
			return Request{}, err
		}
	}
	switch req.Status {
	case custody.StatusPending:
	case custody.StatusExpired:
		return Request{}, custody.Errorf(custody.ErrRequestExpired, "request %s expired", req.ID).WithRef(req.ID)
	default:
		return Request{}, custody.Errorf(custody.ErrRequestClosed, "request %s is %s", req.ID, req.Status).WithRef(req.ID)
	}

	idx := -1
	for i, a := range req.Approvers {
		if a.Identity == in.Approver {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Request{}, custody.Errorf(custody.ErrNotAnApprover, "%s is not an approver of request %s", in.Approver, req.ID)
	}
	if req.Approvers[idx].Decision != custody.DecisionPending {
		return Request{}, custody.Errorf(custody.ErrAlreadyDecided, "%s already decided %s", in.Approver, req.Approvers[idx].Decision).WithRef(req.ID)
	}
	if req.RoutingMode == custody.Sequential {
		for _, a := range req.Approvers[:idx] {
			if a.Decision != custody.DecisionApproved {
				return Request{}, custody.Errorf(custody.ErrOutOfOrder, "%s must decide before %s", a.Identity, in.Approver).WithRef(req.ID)
			}
		}
	}

	status := nextStatus(req.Approvers, idx, in.Decision)

	rec, err := e.appendEvent(ctx, req.DocumentID, ledger.Decided{
		Signer:    in.Approver,
		RequestID: req.ID,
		Decision:  string(in.Decision),
		Comment:   in.Comment,
	}, "decide:"+req.ID+":"+in.Approver+":"+string(in.Decision))
	if err != nil {
		return Request{}, ledger.Classify(err, "record decision")
	}

	if status == custody.StatusApproved {
		v, err := e.issuer.Issue(ctx, req.ID, rec.Ref)
		if err != nil {
			return Request{}, err
		}
		req.Verification = &v
	}

	now := e.now()
	u := store.DecisionUpdate{
		RequestID: req.ID,
		Identity:  in.Approver,
		Decision:  in.Decision,
		DecidedAt: now,
		Comment:   in.Comment,
		LedgerRef: rec.Ref,
		Status:    status,
	}
	if status.Terminal() {
		u.ClosedAt = &now
	}
	if err := e.store.RecordDecision(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Request{}, custody.Errorf(custody.ErrVersionConflict, "request %s changed concurrently", req.ID).WithRef(req.ID)
		}
		return Request{}, store.Classify(err, "record decision")
	}

	req.Approvers[idx].Decision = in.Decision
	req.Approvers[idx].DecidedAt = &now
	req.Approvers[idx].Comment = in.Comment
	req.Approvers[idx].LedgerRef = rec.Ref
	req.Status = status
	req.ClosedAt = u.ClosedAt

	e.metrics.RecordDecision(string(in.Decision))
	e.afterDecision(req, in)
	return req, nil
}

// nextStatus is the request status after approver idx decides d
func nextStatus(approvers []custody.Approver, idx int, d custody.Decision) custody.RequestStatus {
	if d == custody.DecisionRejected {
		return custody.StatusRejected
	}
	for i, a := range approvers {
		if i != idx && a.Decision != custody.DecisionApproved {
			return custody.StatusPending
		}
	}
	return custody.StatusApproved
}

func (e *Engine) afterDecision(req Request, in DecideInput) {
	log := e.logger.Info().
		Str("request_id", req.ID).
		Str("document_id", req.DocumentID).
		Str("approver", in.Approver).
		Str("decision", string(in.Decision)).
		Str("status", string(req.Status))
	if req.Verification != nil {
		log = log.Str("code", req.Verification.Code)
	}
	log.Msg("approval decision recorded")

	e.notifier.Notify(req.RequesterIdentity, notify.Notification{
		Kind:       notify.KindDecisionRecorded,
		DocumentID: req.DocumentID,
		RequestID:  req.ID,
		Actor:      in.Approver,
		Status:     string(in.Decision),
		Message:    in.Comment,
	})

	if req.Status.Terminal() {
		e.metrics.RecordApprovalOutcome(string(req.Status))
		n := notify.Notification{
			Kind:       notify.KindRequestClosed,
			DocumentID: req.DocumentID,
			RequestID:  req.ID,
			Status:     string(req.Status),
		}
		if req.Verification != nil {
			n.Message = req.Verification.Code
		}
		e.notifier.Notify(req.RequesterIdentity, n)
		return
	}
	if req.RoutingMode == custody.Sequential {
		e.notifyNext(req)
	}
}
