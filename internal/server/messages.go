package server

import (
	"time"

	"github.com/nainya/custody/internal/codec"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/verification"
)

// Request and reply messages of the Custody service. They travel as CBOR
// (see internal/codec); Actor is the identity performing the call.

// ========== Documents ==========

type CreateDocumentRequest struct {
	Actor    string  `cbor:"actor" validate:"required"`
	Content  []byte  `cbor:"content" validate:"required"`
	FileName string  `cbor:"file_name" validate:"required,max=255"`
	FileType string  `cbor:"file_type" validate:"max=255"`
	FolderID *string `cbor:"folder_id,omitempty"`
}

type UpdateDocumentRequest struct {
	Actor      string `cbor:"actor" validate:"required"`
	DocumentID string `cbor:"document_id" validate:"required"`
	Content    []byte `cbor:"content" validate:"required"`
	ChangeLog  string `cbor:"change_log"`
}

type DocumentRequest struct {
	Actor      string `cbor:"actor" validate:"required"`
	DocumentID string `cbor:"document_id" validate:"required"`
}

type ListDocumentsRequest struct {
	Actor    string  `cbor:"actor" validate:"required"`
	FolderID *string `cbor:"folder_id,omitempty"` // nil lists every folder
}

type VersionRequest struct {
	Actor      string `cbor:"actor" validate:"required"`
	DocumentID string `cbor:"document_id" validate:"required"`
	Version    int    `cbor:"version" validate:"min=0"` // 0 selects the current version
}

type MoveDocumentRequest struct {
	Actor      string  `cbor:"actor" validate:"required"`
	DocumentID string  `cbor:"document_id" validate:"required"`
	FolderID   *string `cbor:"folder_id,omitempty"`
}

type DocumentReply struct {
	Document custody.Document `cbor:"document"`
}

type DocumentsReply struct {
	Documents []custody.Document `cbor:"documents"`
}

type VersionReply struct {
	Version custody.DocumentVersion `cbor:"version"`
}

type VersionsReply struct {
	Versions []custody.DocumentVersion `cbor:"versions"`
}

type ContentReply struct {
	Version custody.DocumentVersion `cbor:"version"`
	Content []byte                  `cbor:"content"`
}

type HistoryEntry struct {
	Ref       string           `cbor:"ref"`
	Sequence  uint64           `cbor:"sequence"`
	Type      string           `cbor:"type"`
	Signer    string           `cbor:"signer"`
	Timestamp time.Time        `cbor:"timestamp"`
	Event     codec.RawMessage `cbor:"event"`
}

type HistoryReply struct {
	Entries []HistoryEntry `cbor:"entries"`
}

type Empty struct{}

// ========== Sharing ==========

type ShareRequest struct {
	Actor      string `cbor:"actor" validate:"required"`
	DocumentID string `cbor:"document_id" validate:"required"`
	Grantee    string `cbor:"grantee" validate:"required"`
	Access     string `cbor:"access" validate:"required,oneof=READ WRITE"`
}

type RevokeRequest struct {
	Actor      string `cbor:"actor" validate:"required"`
	DocumentID string `cbor:"document_id" validate:"required"`
	Grantee    string `cbor:"grantee" validate:"required"`
}

type ActorRequest struct {
	Actor string `cbor:"actor" validate:"required"`
}

type GrantReply struct {
	Grant custody.ShareGrant `cbor:"grant"`
}

type GrantsReply struct {
	Grants []custody.ShareGrant `cbor:"grants"`
}

// ========== Folders ==========

type CreateFolderRequest struct {
	Actor    string  `cbor:"actor" validate:"required"`
	Name     string  `cbor:"name" validate:"required,max=255"`
	ParentID *string `cbor:"parent_id,omitempty"`
}

type ListFoldersRequest struct {
	Actor    string  `cbor:"actor" validate:"required"`
	ParentID *string `cbor:"parent_id,omitempty"`
}

type MoveFolderRequest struct {
	Actor    string  `cbor:"actor" validate:"required"`
	FolderID string  `cbor:"folder_id" validate:"required"`
	ParentID *string `cbor:"parent_id,omitempty"`
}

type FolderReply struct {
	Folder custody.Folder `cbor:"folder"`
}

type FoldersReply struct {
	Folders []custody.Folder `cbor:"folders"`
}

// ========== Approvals ==========

type SubmitRequest struct {
	Actor      string     `cbor:"actor" validate:"required"`
	DocumentID string     `cbor:"document_id" validate:"required"`
	Approvers  []string   `cbor:"approvers" validate:"required,min=1,dive,required"`
	Routing    string     `cbor:"routing" validate:"required,oneof=SEQUENTIAL PARALLEL"`
	Priority   string     `cbor:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
	ExpiresAt  *time.Time `cbor:"expires_at,omitempty"`
}

type DecideRequest struct {
	Actor     string `cbor:"actor" validate:"required"`
	RequestID string `cbor:"request_id" validate:"required"`
	Decision  string `cbor:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Comment   string `cbor:"comment" validate:"max=4096"`
}

type GetApprovalRequest struct {
	Actor     string `cbor:"actor"`
	RequestID string `cbor:"request_id" validate:"required"`
}

type ApprovalReply struct {
	Request      custody.ApprovalRequest     `cbor:"request"`
	Approvers    []custody.Approver          `cbor:"approvers"`
	Verification *custody.VerificationRecord `cbor:"verification,omitempty"`
}

type ApprovalsReply struct {
	Requests []custody.ApprovalRequest `cbor:"requests"`
}

type PendingReply struct {
	Requests []ApprovalReply `cbor:"requests"`
}

// ========== Verification ==========

type VerifyRequest struct {
	Code string `cbor:"code" validate:"required"`
}

type VerifyReply struct {
	View verification.View `cbor:"view"`
}
