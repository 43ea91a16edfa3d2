package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind tags every error the core ever returns (spec.md §4.F.3). External
// adapters map a Kind to their transport's status code; the core itself
// never reasons about HTTP status.
type ErrKind string

const (
	ErrInvalidPath        ErrKind = "INVALID_PATH"
	ErrInvalidRequest     ErrKind = "INVALID_REQUEST"
	ErrInvalidChecksum    ErrKind = "INVALID_CHECKSUM"
	ErrChecksumMismatch   ErrKind = "CHECKSUM_MISMATCH"
	ErrBackendNotFound    ErrKind = "BACKEND_NOT_FOUND"
	ErrExecutorNotFound   ErrKind = "EXECUTOR_NOT_FOUND"
	ErrNodeNotFound       ErrKind = "NODE_NOT_FOUND"
	ErrParentNotFound     ErrKind = "PARENT_NOT_FOUND"
	ErrNodeExists         ErrKind = "NODE_EXISTS"
	ErrNotADirectory      ErrKind = "NOT_A_DIRECTORY"
	ErrNotAFile           ErrKind = "NOT_A_FILE"
	ErrChildrenExist      ErrKind = "CHILDREN_EXIST"
	ErrIdempotencyConflct ErrKind = "IDEMPOTENCY_CONFLICT"
	ErrMissingScope       ErrKind = "MISSING_SCOPE"
	ErrNotSupported       ErrKind = "NOT_SUPPORTED"
	ErrInternal           ErrKind = "INTERNAL"
)

// Error is the single error shape every component in this module returns.
// It is never a bare string: Kind is always one of the enumerated ErrKind
// values above, Details carries free-form diagnostic context.
type Error struct {
	Kind    ErrKind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a tagged error with optional key/value details, e.g.
// NewError(ErrNodeNotFound, "no such node", "path", p, "backendMountId", id).
func NewError(kind ErrKind, message string, kv ...interface{}) *Error {
	e := &Error{Kind: kind, Message: message}
	if len(kv) > 0 {
		e.Details = make(map[string]interface{}, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Details[key] = kv[i+1]
		}
	}
	return e
}

// WrapInternal wraps an unexpected (DB/executor) error as the catch-all
// internal kind, preserving the cause via github.com/pkg/errors so a stack
// trace survives across the transactional boundary into the journal.
func WrapInternal(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrInternal, Message: message, cause: errors.WithStack(err)}
}

func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

func NewErrInvalidPath(path string, reason string) *Error {
	return NewError(ErrInvalidPath, reason, "path", path)
}

func NewErrNodeNotFound(backendMountID, path string) *Error {
	return NewError(ErrNodeNotFound, "node not found", "backendMountId", backendMountID, "path", path)
}

func NewErrBackendNotFound(backendMountID string) *Error {
	return NewError(ErrBackendNotFound, "backend mount not found", "backendMountId", backendMountID)
}

func NewErrExecutorNotFound(kind string) *Error {
	return NewError(ErrExecutorNotFound, "no executor registered for backend kind", "backendKind", kind)
}

func NewErrNodeExists(backendMountID, path string) *Error {
	return NewError(ErrNodeExists, "node already exists", "backendMountId", backendMountID, "path", path)
}

func NewErrChildrenExist(backendMountID, path string) *Error {
	return NewError(ErrChildrenExist, "directory has active children", "backendMountId", backendMountID, "path", path)
}

func NewErrIdempotencyConflict(command, key string) *Error {
	return NewError(ErrIdempotencyConflct, "idempotency key reused with different parameters",
		"command", command, "idempotencyKey", key)
}

func NewErrChecksumMismatch(expected, actual string) *Error {
	return NewError(ErrChecksumMismatch, "checksum mismatch", "expected", expected, "actual", actual)
}
