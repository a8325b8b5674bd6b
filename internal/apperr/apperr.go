// Package apperr defines the error taxonomy shared by the gateway, the
// orchestration engine and the client connection manager.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	// KindValidation marks malformed or missing input, rejected before any side effect.
	KindValidation Kind = "validation"
	// KindNotFound marks an unknown session or cursor.
	KindNotFound Kind = "not-found"
	// KindConflict marks a request that collides with work already in progress.
	KindConflict Kind = "conflict"
	// KindGuardrail marks a tripped safety limit.
	KindGuardrail Kind = "guardrail"
	// KindTransport marks a lost or unusable connection.
	KindTransport Kind = "transport"
	// KindRemoteAgent marks a failure of the invoked coding agent.
	KindRemoteAgent Kind = "remote-agent"
	// KindUnauthorized marks a rejected credential.
	KindUnauthorized Kind = "unauthorized"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is a classified error with an optional machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair that is surfaced to clients.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCode sets the machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var appErr *Error
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Kind == kind {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain that has one.
func CodeOf(err error) string {
	var appErr *Error
	for err != nil {
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Code != "" {
			return appErr.Code
		}
		err = appErr.Cause
	}
	return ""
}
