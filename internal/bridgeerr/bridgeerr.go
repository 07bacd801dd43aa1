// Package bridgeerr defines the typed error kinds surfaced over the wire
// and through logs by every bridge component.
package bridgeerr

import "fmt"

// Kind enumerates the wire-visible error categories.
type Kind string

const (
	InvalidArgument Kind = "InvalidArgument"
	UnknownMethod   Kind = "UnknownMethod"
	TargetNotFound  Kind = "TargetNotFound"
	SessionNotFound Kind = "SessionNotFound"
	Forbidden       Kind = "Forbidden"
	Timeout         Kind = "Timeout"
	LinkDown        Kind = "LinkDown"
	AgentError      Kind = "AgentError"
	Malformed       Kind = "Malformed"
)

// Error is a typed bridge error. Its Error() string is the Message, or the
// Kind name when Message is empty. The Devtools endpoint sends Error() as
// the CDP error message; the Native endpoint sends the Kind name alone in
// its "error" field.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error with the given kind, wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind, Message: string(kind)}
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the Kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var be *Error
	if e, ok := err.(*Error); ok {
		be = e
	} else {
		return ""
	}
	return be.Kind
}

// InvalidArgumentf is a convenience constructor mirroring spec.md's
// "tabId is required"-style messages.
func InvalidArgumentf(format string, args ...any) *Error {
	return New(InvalidArgument, format, args...)
}
