// ABOUTME: Domain model for custody documents, folders, grants and approvals
// ABOUTME: Shared by the registry, approval engine, verification service and stores

package custody

import (
	"strings"
	"time"
)

// AccessType is the right conferred by a share grant
type AccessType string

const (
	AccessRead  AccessType = "READ"
	AccessWrite AccessType = "WRITE"
)

// Valid reports whether a is a known access type
func (a AccessType) Valid() bool {
	return a == AccessRead || a == AccessWrite
}

// RoutingMode controls the order in which approvers may act
type RoutingMode string

const (
	Sequential RoutingMode = "SEQUENTIAL"
	Parallel   RoutingMode = "PARALLEL"
)

// Valid reports whether m is a known routing mode
func (m RoutingMode) Valid() bool {
	return m == Sequential || m == Parallel
}

// RequestStatus is the state of an approval request
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are possible
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Decision is a single approver's verdict
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Priority of an approval request
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Document is the logical record of a stored file
type Document struct {
	ID             string
	OwnerIdentity  string  // Immutable for the life of the document
	CurrentVersion int     // Starts at 1, never decreases or skips
	FolderID       *string // nil for the root level
	FileName       string
	FileType       string
	ByteSize       int64
	ContentHash    string // Hash of the current version
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IsActive       bool
}

// DocumentVersion is one immutable entry of a document's version chain
type DocumentVersion struct {
	DocumentID    string
	VersionNumber int
	ContentHash   string
	FileName      string
	ByteSize      int64
	UpdatedBy     string
	Timestamp     time.Time
	ChangeLog     string
	LedgerRef     string
}

// Folder is a node of an owner's folder tree
type Folder struct {
	ID            string
	OwnerIdentity string
	ParentID      *string // nil for a root folder
	Name          string
	CreatedAt     time.Time
}

// ShareGrant gives a grantee READ or WRITE access to a document
type ShareGrant struct {
	DocumentID      string
	GranteeIdentity string
	AccessType      AccessType
	GrantedBy       string
	GrantedAt       time.Time
}

// ApprovalRequest is a multi-party approval over one document version
type ApprovalRequest struct {
	ID                   string
	DocumentID           string
	DocumentVersion      int
	RequesterIdentity    string
	RequesterInstitution string
	RoutingMode          RoutingMode
	Priority             Priority
	ExpiresAt            *time.Time
	Status               RequestStatus
	CreatedAt            time.Time
	ClosedAt             *time.Time
}

// Expired reports whether a pending request is past its deadline
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Approver is one participant of an approval request
type Approver struct {
	ApprovalRequestID string
	Identity          string
	Institution       string
	Role              string
	SequenceIndex     int
	Decision          Decision
	DecidedAt         *time.Time
	Comment           string
	LedgerRef         string
}

// VerificationRecord maps a public code to an approved request
type VerificationRecord struct {
	Code              string
	ApprovalRequestID string
	LedgerRef         string
	IssuedAt          time.Time
}

// CanonicalIdentity normalizes an identity for comparison and storage.
// Identities are ledger addresses, which compare case-insensitively.
func CanonicalIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
