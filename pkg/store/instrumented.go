package store

import (
	"context"
	"errors"
	"time"

	"github.com/nainya/custody/internal/metrics"
	"github.com/nainya/custody/pkg/custody"
)

// Instrumented records the count and latency of every call on the wrapped store
type Instrumented struct {
	next    Store
	metrics *metrics.Metrics
}

// Instrument wraps s. A nil m returns s unchanged.
func Instrument(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &Instrumented{next: s, metrics: m}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateActive), errors.Is(err, ErrExists),
		errors.Is(err, ErrDuplicateCode), errors.Is(err, ErrAlreadyIssued):
		status = "conflict"
	default:
		status = "error"
	}
	i.metrics.RecordStoreOperation(op, status, time.Since(start))
}

func (i *Instrumented) CreateDocument(ctx context.Context, doc custody.Document, first custody.DocumentVersion) error {
	start := time.Now()
	err := i.next.CreateDocument(ctx, doc, first)
	i.observe("create_document", start, err)
	return err
}

func (i *Instrumented) GetDocument(ctx context.Context, id string) (custody.Document, error) {
	start := time.Now()
	out, err := i.next.GetDocument(ctx, id)
	i.observe("get_document", start, err)
	return out, err
}

func (i *Instrumented) ListDocuments(ctx context.Context, q DocumentQuery) ([]custody.Document, error) {
	start := time.Now()
	out, err := i.next.ListDocuments(ctx, q)
	i.observe("list_documents", start, err)
	return out, err
}

func (i *Instrumented) AppendVersion(ctx context.Context, v custody.DocumentVersion, expected int) (custody.Document, error) {
	start := time.Now()
	out, err := i.next.AppendVersion(ctx, v, expected)
	i.observe("append_version", start, err)
	return out, err
}

func (i *Instrumented) GetVersion(ctx context.Context, documentID string, number int) (custody.DocumentVersion, error) {
	start := time.Now()
	out, err := i.next.GetVersion(ctx, documentID, number)
	i.observe("get_version", start, err)
	return out, err
}

func (i *Instrumented) ListVersions(ctx context.Context, documentID string) ([]custody.DocumentVersion, error) {
	start := time.Now()
	out, err := i.next.ListVersions(ctx, documentID)
	i.observe("list_versions", start, err)
	return out, err
}

func (i *Instrumented) SetDocumentActive(ctx context.Context, id string, active bool, at time.Time) error {
	start := time.Now()
	err := i.next.SetDocumentActive(ctx, id, active, at)
	i.observe("set_document_active", start, err)
	return err
}

func (i *Instrumented) MoveDocument(ctx context.Context, id string, folderID *string, at time.Time) error {
	start := time.Now()
	err := i.next.MoveDocument(ctx, id, folderID, at)
	i.observe("move_document", start, err)
	return err
}

func (i *Instrumented) CreateFolder(ctx context.Context, f custody.Folder) error {
	start := time.Now()
	err := i.next.CreateFolder(ctx, f)
	i.observe("create_folder", start, err)
	return err
}

func (i *Instrumented) GetFolder(ctx context.Context, id string) (custody.Folder, error) {
	start := time.Now()
	out, err := i.next.GetFolder(ctx, id)
	i.observe("get_folder", start, err)
	return out, err
}

func (i *Instrumented) ListFolders(ctx context.Context, owner string, parent *string) ([]custody.Folder, error) {
	start := time.Now()
	out, err := i.next.ListFolders(ctx, owner, parent)
	i.observe("list_folders", start, err)
	return out, err
}

func (i *Instrumented) MoveFolder(ctx context.Context, id string, parent *string) error {
	start := time.Now()
	err := i.next.MoveFolder(ctx, id, parent)
	i.observe("move_folder", start, err)
	return err
}

func (i *Instrumented) PutGrant(ctx context.Context, g custody.ShareGrant) error {
	start := time.Now()
	err := i.next.PutGrant(ctx, g)
	i.observe("put_grant", start, err)
	return err
}

func (i *Instrumented) GetGrant(ctx context.Context, documentID, grantee string) (custody.ShareGrant, error) {
	start := time.Now()
	out, err := i.next.GetGrant(ctx, documentID, grantee)
	i.observe("get_grant", start, err)
	return out, err
}

func (i *Instrumented) ListGrants(ctx context.Context, documentID string) ([]custody.ShareGrant, error) {
	start := time.Now()
	out, err := i.next.ListGrants(ctx, documentID)
	i.observe("list_grants", start, err)
	return out, err
}

func (i *Instrumented) DeleteGrant(ctx context.Context, documentID, grantee string) error {
	start := time.Now()
	err := i.next.DeleteGrant(ctx, documentID, grantee)
	i.observe("delete_grant", start, err)
	return err
}

func (i *Instrumented) ListSharedWith(ctx context.Context, grantee string) ([]custody.Document, error) {
	start := time.Now()
	out, err := i.next.ListSharedWith(ctx, grantee)
	i.observe("list_shared_with", start, err)
	return out, err
}

func (i *Instrumented) CreateApproval(ctx context.Context, req custody.ApprovalRequest, approvers []custody.Approver) error {
	start := time.Now()
	err := i.next.CreateApproval(ctx, req, approvers)
	i.observe("create_approval", start, err)
	return err
}

func (i *Instrumented) GetApproval(ctx context.Context, id string) (custody.ApprovalRequest, []custody.Approver, error) {
	start := time.Now()
	out, approvers, err := i.next.GetApproval(ctx, id)
	i.observe("get_approval", start, err)
	return out, approvers, err
}

func (i *Instrumented) ListApprovalsForDocument(ctx context.Context, documentID string) ([]custody.ApprovalRequest, error) {
	start := time.Now()
	out, err := i.next.ListApprovalsForDocument(ctx, documentID)
	i.observe("list_approvals_for_document", start, err)
	return out, err
}

func (i *Instrumented) ListPendingForApprover(ctx context.Context, identity string) ([]custody.ApprovalRequest, error) {
	start := time.Now()
	out, err := i.next.ListPendingForApprover(ctx, identity)
	i.observe("list_pending_for_approver", start, err)
	return out, err
}

func (i *Instrumented) ListExpirable(ctx context.Context, now time.Time) ([]custody.ApprovalRequest, error) {
	start := time.Now()
	out, err := i.next.ListExpirable(ctx, now)
	i.observe("list_expirable", start, err)
	return out, err
}

func (i *Instrumented) RecordDecision(ctx context.Context, u DecisionUpdate) error {
	start := time.Now()
	err := i.next.RecordDecision(ctx, u)
	i.observe("record_decision", start, err)
	return err
}

func (i *Instrumented) SetApprovalStatus(ctx context.Context, id string, from, to custody.RequestStatus, at time.Time) error {
	start := time.Now()
	err := i.next.SetApprovalStatus(ctx, id, from, to, at)
	i.observe("set_approval_status", start, err)
	return err
}

func (i *Instrumented) CreateVerification(ctx context.Context, rec custody.VerificationRecord) error {
	start := time.Now()
	err := i.next.CreateVerification(ctx, rec)
	i.observe("create_verification", start, err)
	return err
}

func (i *Instrumented) GetVerification(ctx context.Context, code string) (custody.VerificationRecord, error) {
	start := time.Now()
	out, err := i.next.GetVerification(ctx, code)
	i.observe("get_verification", start, err)
	return out, err
}

func (i *Instrumented) VerificationForRequest(ctx context.Context, requestID string) (custody.VerificationRecord, error) {
	start := time.Now()
	out, err := i.next.VerificationForRequest(ctx, requestID)
	i.observe("verification_for_request", start, err)
	return out, err
}

// Close closes the wrapped store
func (i *Instrumented) Close() error {
	return i.next.Close()
}
