// Package server implements the Custody gRPC service, the public
// verification HTTP API and the observability endpoints.
//
// The gRPC service is registered from a hand-written ServiceDesc and its
// messages are plain Go structs carried by the CBOR codec, so clients
// must call with the "cbor" content-subtype (see Client).
package server

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/nainya/custody/internal/codec"
	"github.com/nainya/custody/pkg/approval"
	"github.com/nainya/custody/pkg/custody"
	"github.com/nainya/custody/pkg/registry"
	"github.com/nainya/custody/pkg/verification"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "custody.v1.Custody"

func init() {
	encoding.RegisterCodec(codec.GRPC{})
}

// CustodyServer is the server API of the Custody service
type CustodyServer interface {
	CreateDocument(context.Context, *CreateDocumentRequest) (*DocumentReply, error)
	UpdateDocument(context.Context, *UpdateDocumentRequest) (*VersionReply, error)
	DeactivateDocument(context.Context, *DocumentRequest) (*Empty, error)
	GetDocument(context.Context, *DocumentRequest) (*DocumentReply, error)
	ListDocuments(context.Context, *ListDocumentsRequest) (*DocumentsReply, error)
	ListVersions(context.Context, *DocumentRequest) (*VersionsReply, error)
	GetVersion(context.Context, *VersionRequest) (*VersionReply, error)
	ReadContent(context.Context, *VersionRequest) (*ContentReply, error)
	History(context.Context, *DocumentRequest) (*HistoryReply, error)
	MoveDocument(context.Context, *MoveDocumentRequest) (*DocumentReply, error)

	ShareDocument(context.Context, *ShareRequest) (*GrantReply, error)
	RevokeShare(context.Context, *RevokeRequest) (*Empty, error)
	ListGrants(context.Context, *DocumentRequest) (*GrantsReply, error)
	ListSharedWith(context.Context, *ActorRequest) (*DocumentsReply, error)

	CreateFolder(context.Context, *CreateFolderRequest) (*FolderReply, error)
	ListFolders(context.Context, *ListFoldersRequest) (*FoldersReply, error)
	MoveFolder(context.Context, *MoveFolderRequest) (*FolderReply, error)

	SubmitApproval(context.Context, *SubmitRequest) (*ApprovalReply, error)
	Decide(context.Context, *DecideRequest) (*ApprovalReply, error)
	GetApproval(context.Context, *GetApprovalRequest) (*ApprovalReply, error)
	ListApprovals(context.Context, *DocumentRequest) (*ApprovalsReply, error)
	ListPendingApprovals(context.Context, *ActorRequest) (*PendingReply, error)

	ResolveVerification(context.Context, *VerifyRequest) (*VerifyReply, error)
}

// ServiceDesc describes the Custody service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CustodyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateDocument", CustodyServer.CreateDocument),
		unary("UpdateDocument", CustodyServer.UpdateDocument),
		unary("DeactivateDocument", CustodyServer.DeactivateDocument),
		unary("GetDocument", CustodyServer.GetDocument),
		unary("ListDocuments", CustodyServer.ListDocuments),
		unary("ListVersions", CustodyServer.ListVersions),
		unary("GetVersion", CustodyServer.GetVersion),
		unary("ReadContent", CustodyServer.ReadContent),
		unary("History", CustodyServer.History),
		unary("MoveDocument", CustodyServer.MoveDocument),
		unary("ShareDocument", CustodyServer.ShareDocument),
		unary("RevokeShare", CustodyServer.RevokeShare),
		unary("ListGrants", CustodyServer.ListGrants),
		unary("ListSharedWith", CustodyServer.ListSharedWith),
		unary("CreateFolder", CustodyServer.CreateFolder),
		unary("ListFolders", CustodyServer.ListFolders),
		unary("MoveFolder", CustodyServer.MoveFolder),
		unary("SubmitApproval", CustodyServer.SubmitApproval),
		unary("Decide", CustodyServer.Decide),
		unary("GetApproval", CustodyServer.GetApproval),
		unary("ListApprovals", CustodyServer.ListApprovals),
		unary("ListPendingApprovals", CustodyServer.ListPendingApprovals),
		unary("ResolveVerification", CustodyServer.ResolveVerification),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "custody/v1/custody.cbor",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("cbor"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateRequest checks the struct tags of an incoming message
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return custody.Errorf(custody.ErrValidation, "%s failed %q", fe.Field(), fe.Tag())
	}
	return custody.Wrap(custody.ErrValidation, err, "invalid request")
}

// unary builds the method descriptor of one RPC. Requests are validated
// and custody errors converted to status errors inside the handler, so
// interceptors observe the final status.
func unary[Req, Resp any](name string, call func(CustodyServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				if err := validateRequest(req); err != nil {
					return nil, toStatus(ctx, err)
				}
				out, err := call(srv.(CustodyServer), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(ctx, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server implements CustodyServer over the custody components
type Server struct {
	registry  *registry.Registry
	approvals *approval.Engine
	verifier  *verification.Service
}

// NewServer creates the service
func NewServer(reg *registry.Registry, approvals *approval.Engine, verifier *verification.Service) *Server {
	return &Server{
		registry:  reg,
		approvals: approvals,
		verifier:  verifier,
	}
}

// Register adds the service to a gRPC server
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// ========== Document Operations ==========

func (s *Server) CreateDocument(ctx context.Context, req *CreateDocumentRequest) (*DocumentReply, error) {
	doc, err := s.registry.CreateDocument(ctx, registry.CreateInput{
		Owner:    req.Actor,
		Content:  req.Content,
		FileName: req.FileName,
		FileType: req.FileType,
		FolderID: req.FolderID,
	})
	if err != nil {
		return nil, err
	}
	return &DocumentReply{Document: doc}, nil
}

func (s *Server) UpdateDocument(ctx context.Context, req *UpdateDocumentRequest) (*VersionReply, error) {
	v, err := s.registry.UpdateDocument(ctx, req.DocumentID, req.Actor, req.Content, req.ChangeLog)
	if err != nil {
		return nil, err
	}
	return &VersionReply{Version: v}, nil
}

func (s *Server) DeactivateDocument(ctx context.Context, req *DocumentRequest) (*Empty, error) {
	if err := s.registry.DeactivateDocument(ctx, req.DocumentID, req.Actor); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) GetDocument(ctx context.Context, req *DocumentRequest) (*DocumentReply, error) {
	doc, err := s.registry.GetDocument(ctx, req.DocumentID, req.Actor)
	if err != nil {
		return nil, err
	}
	return &DocumentReply{Document: doc}, nil
}

func (s *Server) ListDocuments(ctx context.Context, req *ListDocumentsRequest) (*DocumentsReply, error) {
	docs, err := s.registry.ListDocuments(ctx, req.Actor, req.FolderID)
	if err != nil {
		return nil, err
	}
	return &DocumentsReply{Documents: docs}, nil
}

func (s *Server) ListVersions(ctx context.Context, req *DocumentRequest) (*VersionsReply, error) {
	versions, err := s.registry.ListVersions(ctx, req.DocumentID, req.Actor)
	if err != nil {
		return nil, err
	}
	return &VersionsReply{Versions: versions}, nil
}

func (s *Server) GetVersion(ctx context.Context, req *VersionRequest) (*VersionReply, error) {
	number := req.Version
	if number == 0 {
		doc, err := s.registry.GetDocument(ctx, req.DocumentID, req.Actor)
		if err != nil {
			return nil, err
		}
		number = doc.CurrentVersion
	}
	v, err := s.registry.GetVersion(ctx, req.DocumentID, req.Actor, number)
	if err != nil {
		return nil, err
	}
	return &VersionReply{Version: v}, nil
}

func (s *Server) ReadContent(ctx context.Context, req *VersionRequest) (*ContentReply, error) {
	content, v, err := s.registry.ReadContent(ctx, req.DocumentID, req.Actor, req.Version)
	if err != nil {
		return nil, err
	}
	return &ContentReply{Version: v, Content: content}, nil
}

func (s *Server) History(ctx context.Context, req *DocumentRequest) (*HistoryReply, error) {
	records, err := s.registry.History(ctx, req.DocumentID, req.Actor)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, len(records))
	for i, rec := range records {
		raw, err := codec.Marshal(rec.Event)
		if err != nil {
			return nil, custody.Wrap(custody.ErrInternal, err, "encode ledger event %s", rec.Ref)
		}
		entries[i] = HistoryEntry{
			Ref:       rec.Ref,
			Sequence:  rec.Sequence,
			Type:      string(rec.Event.Type()),
			Signer:    rec.Event.SignedBy(),
			Timestamp: rec.Timestamp,
			Event:     raw,
		}
	}
	return &HistoryReply{Entries: entries}, nil
}

func (s *Server) MoveDocument(ctx context.Context, req *MoveDocumentRequest) (*DocumentReply, error) {
	doc, err := s.registry.MoveDocument(ctx, req.DocumentID, req.Actor, req.FolderID)
	if err != nil {
		return nil, err
	}
	return &DocumentReply{Document: doc}, nil
}

// ========== Sharing Operations ==========

func (s *Server) ShareDocument(ctx context.Context, req *ShareRequest) (*GrantReply, error) {
	grant, err := s.registry.ShareDocument(ctx, req.DocumentID, req.Actor, req.Grantee, custody.AccessType(req.Access))
	if err != nil {
		return nil, err
	}
	return &GrantReply{Grant: grant}, nil
}

func (s *Server) RevokeShare(ctx context.Context, req *RevokeRequest) (*Empty, error) {
	if err := s.registry.RevokeShare(ctx, req.DocumentID, req.Actor, req.Grantee); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) ListGrants(ctx context.Context, req *DocumentRequest) (*GrantsReply, error) {
	grants, err := s.registry.ListGrants(ctx, req.DocumentID, req.Actor)
	if err != nil {
		return nil, err
	}
	return &GrantsReply{Grants: grants}, nil
}

func (s *Server) ListSharedWith(ctx context.Context, req *ActorRequest) (*DocumentsReply, error) {
	docs, err := s.registry.ListSharedWith(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	return &DocumentsReply{Documents: docs}, nil
}

// ========== Folder Operations ==========

func (s *Server) CreateFolder(ctx context.Context, req *CreateFolderRequest) (*FolderReply, error) {
	f, err := s.registry.CreateFolder(ctx, req.Actor, req.Name, req.ParentID)
	if err != nil {
		return nil, err
	}
	return &FolderReply{Folder: f}, nil
}

func (s *Server) ListFolders(ctx context.Context, req *ListFoldersRequest) (*FoldersReply, error) {
	folders, err := s.registry.ListFolders(ctx, req.Actor, req.ParentID)
	if err != nil {
		return nil, err
	}
	return &FoldersReply{Folders: folders}, nil
}

func (s *Server) MoveFolder(ctx context.Context, req *MoveFolderRequest) (*FolderReply, error) {
	f, err := s.registry.MoveFolder(ctx, req.FolderID, req.Actor, req.ParentID)
	if err != nil {
		return nil, err
	}
	return &FolderReply{Folder: f}, nil
}

// ========== Approval Operations ==========

func approvalReply(r approval.Request) *ApprovalReply {
	return &ApprovalReply{
		Request:      r.ApprovalRequest,
		Approvers:    r.Approvers,
		Verification: r.Verification,
	}
}

func (s *Server) SubmitApproval(ctx context.Context, req *SubmitRequest) (*ApprovalReply, error) {
	r, err := s.approvals.Submit(ctx, approval.SubmitInput{
		DocumentID: req.DocumentID,
		Requester:  req.Actor,
		Approvers:  req.Approvers,
		Routing:    custody.RoutingMode(req.Routing),
		Priority:   custody.Priority(req.Priority),
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	return approvalReply(r), nil
}

func (s *Server) Decide(ctx context.Context, req *DecideRequest) (*ApprovalReply, error) {
	r, err := s.approvals.Decide(ctx, approval.DecideInput{
		RequestID: req.RequestID,
		Approver:  req.Actor,
		Decision:  custody.Decision(req.Decision),
		Comment:   req.Comment,
	})
	if err != nil {
		return nil, err
	}
	return approvalReply(r), nil
}

func (s *Server) GetApproval(ctx context.Context, req *GetApprovalRequest) (*ApprovalReply, error) {
	r, err := s.approvals.Get(ctx, req.RequestID, req.Actor)
	if err != nil {
		return nil, err
	}
	return approvalReply(r), nil
}

func (s *Server) ListApprovals(ctx context.Context, req *DocumentRequest) (*ApprovalsReply, error) {
	reqs, err := s.approvals.ListForDocument(ctx, req.DocumentID, req.Actor)
	if err != nil {
		return nil, err
	}
	return &ApprovalsReply{Requests: reqs}, nil
}

func (s *Server) ListPendingApprovals(ctx context.Context, req *ActorRequest) (*PendingReply, error) {
	reqs, err := s.approvals.ListPendingFor(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	out := make([]ApprovalReply, len(reqs))
	for i, r := range reqs {
		out[i] = *approvalReply(r)
	}
	return &PendingReply{Requests: out}, nil
}

// ========== Verification ==========

func (s *Server) ResolveVerification(ctx context.Context, req *VerifyRequest) (*VerifyReply, error) {
	view, err := s.verifier.Resolve(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	return &VerifyReply{View: view}, nil
}
