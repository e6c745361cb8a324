package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nainya/custody/pkg/custody"
)

// Trailer keys carrying the custody error code and re-fetch reference
const (
	trailerCode = "custody-code"
	trailerRef  = "custody-ref"
)

var sentinels = map[string]*custody.Error{}

func init() {
	for _, e := range []*custody.Error{
		custody.ErrValidation, custody.ErrPermissionDenied, custody.ErrDocumentInactive,
		custody.ErrInvalidFolder, custody.ErrFolderCycle, custody.ErrDuplicateActive,
		custody.ErrNotAnApprover, custody.ErrAlreadyDecided, custody.ErrOutOfOrder,
		custody.ErrRequestExpired, custody.ErrRequestClosed, custody.ErrVersionConflict,
		custody.ErrStorageUnavailable, custody.ErrLedgerUnavailable, custody.ErrDirectoryUnavailable,
		custody.ErrLedgerRejected, custody.ErrUnknownIdentity, custody.ErrNotFound, custody.ErrInternal,
	} {
		sentinels[e.Code] = e
	}
}

// grpcCode maps an error kind to a gRPC status code
func grpcCode(err error) codes.Code {
	switch custody.KindOf(err) {
	case custody.KindValidation:
		return codes.InvalidArgument
	case custody.KindPermission:
		return codes.PermissionDenied
	case custody.KindConflict:
		if errors.Is(err, custody.ErrVersionConflict) {
			return codes.Aborted
		}
		return codes.FailedPrecondition
	case custody.KindUnavailable:
		return codes.Unavailable
	case custody.KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// toStatus converts a custody error into a gRPC status error. The custody
// code and ref travel in the trailer so clients can rebuild the error.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var ce *custody.Error
	if !errors.As(err, &ce) {
		return status.Error(codes.Internal, "internal error")
	}

	md := metadata.Pairs(trailerCode, ce.Code)
	if ce.Ref != "" {
		md.Append(trailerRef, ce.Ref)
	}
	_ = grpc.SetTrailer(ctx, md)

	msg := ce.Message
	if ce.Kind == custody.KindInternal {
		msg = "internal error"
	}
	return status.Error(grpcCode(err), msg)
}

// fromStatus rebuilds a custody error from a failed call and its trailer
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	vals := trailer.Get(trailerCode)
	if len(vals) == 0 {
		kind := custody.KindInternal
		if st.Code() == codes.Unavailable || st.Code() == codes.DeadlineExceeded {
			kind = custody.KindUnavailable
		}
		return &custody.Error{Kind: kind, Code: st.Code().String(), Message: st.Message(), Err: err}
	}
	base, ok := sentinels[vals[0]]
	if !ok {
		base = custody.ErrInternal
	}

	out := custody.Errorf(base, "%s", st.Message())
	if refs := trailer.Get(trailerRef); len(refs) > 0 {
		out.Ref = refs[0]
	}
	return out
}
