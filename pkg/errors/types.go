package errors

import (
	"context"
	"fmt"
)

// The error types in this file form the taxonomy shared by every storage
// backend. Backends translate their native failures into one of these types
// so that callers can react uniformly, no matter where the bytes live.

// NotFound represents when we were unable to access a path because it
// doesn't exist.
type NotFound struct {
	Path string
}

func (err NotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// PermissionDenied represents when the backend refused access to a path.
type PermissionDenied struct {
	Path string
}

func (err PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: %q", err.Path)
}

// AlreadyExists represents when an operation failed because the target path
// already exists.
type AlreadyExists struct {
	Path string
}

func (err AlreadyExists) Error() string {
	return fmt.Sprintf("%q already exists", err.Path)
}

// Unsupported represents when a backend doesn't implement the requested
// operation. Callers should check the backend's capabilities and fall back
// (e.g. copy+delete instead of rename).
type Unsupported struct {
	Op string
}

func (err Unsupported) Error() string {
	return fmt.Sprintf("operation not supported by backend: %s", err.Op)
}

// Transport represents a backend-specific I/O or network failure. If it
// occurs on a remote session, the session is dead and must be
// re-established before retrying.
type Transport struct {
	Err error
}

func (err Transport) Error() string {
	return fmt.Sprintf("transport failure: %s", err.Err)
}

func (err Transport) Unwrap() error {
	return err.Err
}

// VerificationFailed represents a fingerprint mismatch between the source
// and destination after a transfer.
type VerificationFailed struct {
	Path string
}

func (err VerificationFailed) Error() string {
	return fmt.Sprintf("verification failed for %q: fingerprint mismatch", err.Path)
}

// ProtocolViolation represents a malformed message on a remote session.
// It is always fatal to the session.
type ProtocolViolation struct {
	Line string
}

func (err ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: unparseable message %q", err.Line)
}

// ErrCancelled is returned when an operation was aborted by its caller.
var ErrCancelled = New("operation cancelled")

// MissingFieldError represents a missing required configuration field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// Kind returns the taxonomy name for the given error. It's used to group
// errors in sync summaries so that repeated failures of the same kind are
// counted rather than printed individually.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case As(err, &NotFound{}):
		return "NotFound"
	case As(err, &PermissionDenied{}):
		return "PermissionDenied"
	case As(err, &AlreadyExists{}):
		return "AlreadyExists"
	case As(err, &Unsupported{}):
		return "Unsupported"
	case As(err, &VerificationFailed{}):
		return "VerificationFailed"
	case As(err, &ProtocolViolation{}):
		return "ProtocolViolation"
	case As(err, &Transport{}):
		return "Transport"
	case Is(err, ErrCancelled), Is(err, context.Canceled):
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsNotFound returns whether the error is a NotFound, possibly wrapped.
func IsNotFound(err error) bool {
	return As(err, &NotFound{})
}

// IsPermissionDenied returns whether the error is a PermissionDenied,
// possibly wrapped.
func IsPermissionDenied(err error) bool {
	return As(err, &PermissionDenied{})
}
