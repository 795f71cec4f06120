package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goerrors.New(msg)
}

// ContextError annotates an error with a message describing what the caller
// was doing when the error occurred.
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// Unwrap returns the wrapped error so that errors.As and errors.Is can see
// through the annotation.
func (err ContextError) Unwrap() error {
	return err.Err
}

// WithContext wraps err with the given context message.
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

// FriendlyError is an error whose message is meant to be shown directly to
// users, without any of the wrapping context.
type FriendlyError struct {
	Message string
}

// NewFriendlyError creates a FriendlyError from the given format string.
func NewFriendlyError(format string, args ...interface{}) FriendlyError {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

type friendlyError interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to users for
// the given error. Errors that implement FriendlyMessage get their message
// printed verbatim, and all other errors are printed with their context
// chain.
func GetPrintableMessage(err error) string {
	var friendly friendlyError
	if goerrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// As is a convenience re-export so that callers don't have to import both
// this package and the standard library errors package.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

// Is is a convenience re-export of the standard library errors.Is.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}
