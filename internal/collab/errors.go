package collab

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the collab storage layer.
type ErrorKind string

const (
	// KindValidation marks malformed or internally inconsistent parameters.
	KindValidation ErrorKind = "validation"
	// KindPermissionDenied marks a failed access control check.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindNotFound marks a missing collab object or snapshot.
	KindNotFound ErrorKind = "not_found"
	// KindInternal marks decode, transaction, or transport failures.
	KindInternal ErrorKind = "internal"
	// KindTimeout marks a live session query that exceeded its bound.
	KindTimeout ErrorKind = "timeout"
)

var (
	// ErrNotFound is the cause attached to not-found errors.
	ErrNotFound = errors.New("collab: not found")
	// ErrNotEnoughPermissions is the cause attached to permission errors.
	ErrNotEnoughPermissions = errors.New("collab: not enough permissions")
)

// Error is the typed error returned by collab storage operations.
type Error struct {
	kind   ErrorKind
	code   string
	user   string
	action string
	err    error
}

func (e *Error) Error() string {
	if e.kind == KindPermissionDenied {
		return fmt.Sprintf("%s: user %s cannot %s", e.code, e.user, e.action)
	}
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the error classification.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// User returns the user id captured by a permission error.
func (e *Error) User() string {
	return e.user
}

// Action returns the action captured by a permission error.
func (e *Error) Action() string {
	return e.action
}

func newError(kind ErrorKind, operation, reason string, cause error) *Error {
	return &Error{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// NewValidationError reports invalid input for the operation.
func NewValidationError(operation, reason string, cause error) error {
	return newError(KindValidation, operation, reason, cause)
}

// NewNotFoundError reports a missing object for the operation.
func NewNotFoundError(operation, reason string, cause error) error {
	if cause == nil {
		cause = ErrNotFound
	} else if !errors.Is(cause, ErrNotFound) {
		cause = fmt.Errorf("%w: %v", ErrNotFound, cause)
	}
	return newError(KindNotFound, operation, reason, cause)
}

// NewInternalError wraps an unexpected failure for the operation.
func NewInternalError(operation, reason string, cause error) error {
	return newError(KindInternal, operation, reason, cause)
}

// NewTimeoutError reports a bounded wait that expired.
func NewTimeoutError(operation, reason string, cause error) error {
	return newError(KindTimeout, operation, reason, cause)
}

// NewPermissionDenied reports that uid may not perform action.
func NewPermissionDenied(operation string, uid int64, action string) error {
	err := newError(KindPermissionDenied, operation, "not_enough_permissions", ErrNotEnoughPermissions)
	err.user = fmt.Sprintf("%d", uid)
	err.action = action
	return err
}

// KindOf extracts the ErrorKind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var collabErr *Error
	if errors.As(err, &collabErr) {
		return collabErr.kind
	}
	return KindInternal
}

// IsKind reports whether err carries the provided kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
