// Package store persists the off-chain state of documents, folders,
// grants, approval requests and verification records.
//
// Stores never make authorization decisions. They enforce the structural
// invariants that must hold even under concurrent writers: version
// compare-and-swap, one active approval request per document, and
// globally unique verification codes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nainya/custody/pkg/custody"
)

var (
	// ErrNotFound indicates the entity does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrExists indicates an entity with the same id already exists
	ErrExists = errors.New("store: already exists")

	// ErrConflict indicates a compare-and-swap precondition failed
	ErrConflict = errors.New("store: concurrent modification")

	// ErrDuplicateActive indicates the document already has a pending request
	ErrDuplicateActive = errors.New("store: document has an active approval request")

	// ErrDuplicateCode indicates the verification code is taken
	ErrDuplicateCode = errors.New("store: verification code exists")

	// ErrAlreadyIssued indicates the request already has a verification record
	ErrAlreadyIssued = errors.New("store: verification already issued for request")
)

// DocumentQuery filters ListDocuments
type DocumentQuery struct {
	Owner           string
	FolderID        *string // with AllFolders false, nil selects the root level
	AllFolders      bool
	IncludeInactive bool
}

// DecisionUpdate records one approver decision and the resulting request status
type DecisionUpdate struct {
	RequestID string
	Identity  string
	Decision  custody.Decision
	DecidedAt time.Time
	Comment   string
	LedgerRef string
	Status    custody.RequestStatus // PENDING unless the decision closes the request
	ClosedAt  *time.Time
}

// settledStatus is the request status implied by the approver decisions
func settledStatus(approvers []custody.Approver) custody.RequestStatus {
	status := custody.StatusApproved
	for _, a := range approvers {
		switch a.Decision {
		case custody.DecisionRejected:
			return custody.StatusRejected
		case custody.DecisionPending:
			status = custody.StatusPending
		}
	}
	return status
}

// claimedStatus is the status u asks for, PENDING when unset
func (u DecisionUpdate) claimedStatus() custody.RequestStatus {
	if u.Status == "" {
		return custody.StatusPending
	}
	return u.Status
}

// Documents persists documents and their version chains
type Documents interface {
	// CreateDocument stores a document together with its first version
	CreateDocument(ctx context.Context, doc custody.Document, first custody.DocumentVersion) error
	GetDocument(ctx context.Context, id string) (custody.Document, error)
	ListDocuments(ctx context.Context, q DocumentQuery) ([]custody.Document, error)

	// AppendVersion adds v and advances the document, provided its
	// current version still equals expected. Otherwise ErrConflict.
	AppendVersion(ctx context.Context, v custody.DocumentVersion, expected int) (custody.Document, error)
	GetVersion(ctx context.Context, documentID string, number int) (custody.DocumentVersion, error)
	ListVersions(ctx context.Context, documentID string) ([]custody.DocumentVersion, error)

	SetDocumentActive(ctx context.Context, id string, active bool, at time.Time) error
	MoveDocument(ctx context.Context, id string, folderID *string, at time.Time) error
}

// Folders persists folder trees
type Folders interface {
	CreateFolder(ctx context.Context, f custody.Folder) error
	GetFolder(ctx context.Context, id string) (custody.Folder, error)
	// ListFolders returns owner's folders directly under parent (nil for roots)
	ListFolders(ctx context.Context, owner string, parent *string) ([]custody.Folder, error)
	MoveFolder(ctx context.Context, id string, parent *string) error
}

// Grants persists share grants, one per (document, grantee)
type Grants interface {
	// PutGrant inserts or replaces the grant for (document, grantee)
	PutGrant(ctx context.Context, g custody.ShareGrant) error
	GetGrant(ctx context.Context, documentID, grantee string) (custody.ShareGrant, error)
	ListGrants(ctx context.Context, documentID string) ([]custody.ShareGrant, error)
	DeleteGrant(ctx context.Context, documentID, grantee string) error
	// ListSharedWith returns the active documents shared with grantee
	ListSharedWith(ctx context.Context, grantee string) ([]custody.Document, error)
}

// Approvals persists approval requests and their approvers
type Approvals interface {
	// CreateApproval fails with ErrDuplicateActive when the document
	// already has a PENDING request
	CreateApproval(ctx context.Context, req custody.ApprovalRequest, approvers []custody.Approver) error
	GetApproval(ctx context.Context, id string) (custody.ApprovalRequest, []custody.Approver, error)
	ListApprovalsForDocument(ctx context.Context, documentID string) ([]custody.ApprovalRequest, error)
	// ListPendingForApprover returns PENDING requests where identity has not decided
	ListPendingForApprover(ctx context.Context, identity string) ([]custody.ApprovalRequest, error)
	// ListExpirable returns PENDING requests whose deadline is before now
	ListExpirable(ctx context.Context, now time.Time) ([]custody.ApprovalRequest, error)

	// RecordDecision applies u if the request and the approver are both
	// still PENDING and u.Status matches the status the stored decisions
	// imply once u is applied. Otherwise ErrConflict and nothing changes.
	RecordDecision(ctx context.Context, u DecisionUpdate) error
	// SetApprovalStatus moves a request from one status to another. A
	// request not in from fails with ErrConflict.
	SetApprovalStatus(ctx context.Context, id string, from, to custody.RequestStatus, at time.Time) error
}

// Verifications persists verification records
type Verifications interface {
	// CreateVerification fails with ErrDuplicateCode or ErrAlreadyIssued
	CreateVerification(ctx context.Context, rec custody.VerificationRecord) error
	GetVerification(ctx context.Context, code string) (custody.VerificationRecord, error)
	VerificationForRequest(ctx context.Context, requestID string) (custody.VerificationRecord, error)
}

// Store is the complete persistence contract
type Store interface {
	Documents
	Folders
	Grants
	Approvals
	Verifications
	Close() error
}
