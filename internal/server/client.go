package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/nainya/custody/internal/codec"
)

// Client calls the Custody service over the CBOR codec. Failed calls
// return *custody.Error values rebuilt from the status and its trailer,
// so callers can match them with errors.Is.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	var trailer metadata.MD
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codec.Name), grpc.Trailer(&trailer)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, fromStatus(err, trailer)
	}
	return out, nil
}

func (c *Client) CreateDocument(ctx context.Context, in *CreateDocumentRequest, opts ...grpc.CallOption) (*DocumentReply, error) {
	return invoke[DocumentReply](ctx, c, "CreateDocument", in, opts)
}

func (c *Client) UpdateDocument(ctx context.Context, in *UpdateDocumentRequest, opts ...grpc.CallOption) (*VersionReply, error) {
	return invoke[VersionReply](ctx, c, "UpdateDocument", in, opts)
}

func (c *Client) DeactivateDocument(ctx context.Context, in *DocumentRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "DeactivateDocument", in, opts)
}

func (c *Client) GetDocument(ctx context.Context, in *DocumentRequest, opts ...grpc.CallOption) (*DocumentReply, error) {
	return invoke[DocumentReply](ctx, c, "GetDocument", in, opts)
}

func (c *Client) ListDocuments(ctx context.Context, in *ListDocumentsRequest, opts ...grpc.CallOption) (*DocumentsReply, error) {
	return invoke[DocumentsReply](ctx, c, "ListDocuments", in, opts)
}

func (c *Client) ListVersions(ctx context.Context, in *DocumentRequest, opts ...grpc.CallOption) (*VersionsReply, error) {
	return invoke[VersionsReply](ctx, c, "ListVersions", in, opts)
}

func (c *Client) GetVersion(ctx context.Context, in *VersionRequest, opts ...grpc.CallOption) (*VersionReply, error) {
	return invoke[VersionReply](ctx, c, "GetVersion", in, opts)
}

func (c *Client) ReadContent(ctx context.Context, in *VersionRequest, opts ...grpc.CallOption) (*ContentReply, error) {
	return invoke[ContentReply](ctx, c, "ReadContent", in, opts)
}

func (c *Client) History(ctx context.Context, in *DocumentRequest, opts ...grpc.CallOption) (*HistoryReply, error) {
	return invoke[HistoryReply](ctx, c, "History", in, opts)
}

func (c *Client) MoveDocument(ctx context.Context, in *MoveDocumentRequest, opts ...grpc.CallOption) (*DocumentReply, error) {
	return invoke[DocumentReply](ctx, c, "MoveDocument", in, opts)
}

func (c *Client) ShareDocument(ctx context.Context, in *ShareRequest, opts ...grpc.CallOption) (*GrantReply, error) {
	return invoke[GrantReply](ctx, c, "ShareDocument", in, opts)
}

func (c *Client) RevokeShare(ctx context.Context, in *RevokeRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "RevokeShare", in, opts)
}

func (c *Client) ListGrants(ctx context.Context, in *DocumentRequest, opts ...grpc.CallOption) (*GrantsReply, error) {
	return invoke[GrantsReply](ctx, c, "ListGrants", in, opts)
}

func (c *Client) ListSharedWith(ctx context.Context, in *ActorRequest, opts ...grpc.CallOption) (*DocumentsReply, error) {
	return invoke[DocumentsReply](ctx, c, "ListSharedWith", in, opts)
}

func (c *Client) CreateFolder(ctx context.Context, in *CreateFolderRequest, opts ...grpc.CallOption) (*FolderReply, error) {
	return invoke[FolderReply](ctx, c, "CreateFolder", in, opts)
}

func (c *Client) ListFolders(ctx context.Context, in *ListFoldersRequest, opts ...grpc.CallOption) (*FoldersReply, error) {
	return invoke[FoldersReply](ctx, c, "ListFolders", in, opts)
}

func (c *Client) MoveFolder(ctx context.Context, in *MoveFolderRequest, opts ...grpc.CallOption) (*FolderReply, error) {
	return invoke[FolderReply](ctx, c, "MoveFolder", in, opts)
}

func (c *Client) SubmitApproval(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*ApprovalReply, error) {
	return invoke[ApprovalReply](ctx, c, "SubmitApproval", in, opts)
}

func (c *Client) Decide(ctx context.Context, in *DecideRequest, opts ...grpc.CallOption) (*ApprovalReply, error) {
	return invoke[ApprovalReply](ctx, c, "Decide", in, opts)
}

func (c *Client) GetApproval(ctx context.Context, in *GetApprovalRequest, opts ...grpc.CallOption) (*ApprovalReply, error) {
	return invoke[ApprovalReply](ctx, c, "GetApproval", in, opts)
}

func (c *Client) ListApprovals(ctx context.Context, in *DocumentRequest, opts ...grpc.CallOption) (*ApprovalsReply, error) {
	return invoke[ApprovalsReply](ctx, c, "ListApprovals", in, opts)
}

func (c *Client) ListPendingApprovals(ctx context.Context, in *ActorRequest, opts ...grpc.CallOption) (*PendingReply, error) {
	return invoke[PendingReply](ctx, c, "ListPendingApprovals", in, opts)
}

func (c *Client) ResolveVerification(ctx context.Context, in *VerifyRequest, opts ...grpc.CallOption) (*VerifyReply, error) {
	return invoke[VerifyReply](ctx, c, "ResolveVerification", in, opts)
}
