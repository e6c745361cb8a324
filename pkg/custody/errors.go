// ABOUTME: Error taxonomy shared by every custody component
// ABOUTME: Errors carry a Kind for retry decisions and a Code for matching

package custody

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how a caller should react to it
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPermission
	KindConflict
	KindUnavailable
	KindNotFound
)

// String returns the taxonomy name of the kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindPermission:
		return "PermissionDenied"
	case KindConflict:
		return "ConflictError"
	case KindUnavailable:
		return "UpstreamUnavailable"
	case KindNotFound:
		return "NotFound"
	default:
		return "Internal"
	}
}

// Retryable reports whether an operation failing with this kind may be retried
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error is the structured error returned by custody operations.
// Callers can use errors.Is against the sentinel codes below, or
// errors.As to read the Kind and the Ref of the entity to re-fetch.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Ref     string // Entity to re-fetch on conflicts (document or request id)
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "custody: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so that detailed errors match their sentinel
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors. Match with errors.Is; never return them directly, use
// Errorf or Wrap to attach context.
var (
	ErrValidation           = &Error{Kind: KindValidation, Code: "ValidationError"}
	ErrPermissionDenied     = &Error{Kind: KindPermission, Code: "PermissionDenied"}
	ErrDocumentInactive     = &Error{Kind: KindConflict, Code: "DocumentInactive"}
	ErrInvalidFolder        = &Error{Kind: KindValidation, Code: "InvalidFolder"}
	ErrFolderCycle          = &Error{Kind: KindValidation, Code: "FolderCycle"}
	ErrDuplicateActive      = &Error{Kind: KindConflict, Code: "DuplicateActiveRequest"}
	ErrNotAnApprover        = &Error{Kind: KindPermission, Code: "NotAnApprover"}
	ErrAlreadyDecided       = &Error{Kind: KindConflict, Code: "AlreadyDecided"}
	ErrOutOfOrder           = &Error{Kind: KindConflict, Code: "OutOfOrder"}
	ErrRequestExpired       = &Error{Kind: KindConflict, Code: "RequestExpired"}
	ErrRequestClosed        = &Error{Kind: KindConflict, Code: "RequestClosed"}
	ErrVersionConflict      = &Error{Kind: KindConflict, Code: "VersionConflict"}
	ErrStorageUnavailable   = &Error{Kind: KindUnavailable, Code: "StorageUnavailable"}
	ErrLedgerUnavailable    = &Error{Kind: KindUnavailable, Code: "LedgerUnavailable"}
	ErrDirectoryUnavailable = &Error{Kind: KindUnavailable, Code: "DirectoryUnavailable"}
	ErrLedgerRejected       = &Error{Kind: KindPermission, Code: "LedgerRejected"}
	ErrUnknownIdentity      = &Error{Kind: KindValidation, Code: "UnknownIdentity"}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: "NotFound"}
	ErrInternal             = &Error{Kind: KindInternal, Code: "Internal"}
)

// Errorf returns a new error with the sentinel's kind and code
func Errorf(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new error with the sentinel's kind and code wrapping cause
func Wrap(base *Error, cause error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithRef attaches the id of the entity a caller should re-fetch
func (e *Error) WithRef(ref string) *Error {
	e.Ref = ref
	return e
}

// KindOf returns the Kind of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, or "Internal" for foreign errors
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternal.Code
}

// AttachRef sets the re-fetch reference on err if it is a custody error
// without one, and returns err
func AttachRef(err error, ref string) error {
	var ce *Error
	if errors.As(err, &ce) && ce.Ref == "" {
		ce.Ref = ref
	}
	return err
}
