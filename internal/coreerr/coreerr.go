// Package coreerr defines the error-kind vocabulary shared by every
// sync-core component, per the error handling design (spec §7).
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error without tying it to a concrete Go type.
// The MCP transport layer (out of scope here) maps a Kind to a
// structured tool response; the core only ever returns a *Error.
type Kind string

const (
	KindNotFound               Kind = "NotFound"
	KindAlreadyExists          Kind = "AlreadyExists"
	KindValidation             Kind = "ValidationError"
	KindConflict               Kind = "ConflictError"
	KindExternalCommandFailed  Kind = "ExternalCommandFailed"
	KindExternalCommandTimeout Kind = "ExternalCommandTimeout"
	KindSchemaMigrationNeeded  Kind = "SchemaMigrationRequired"
	KindInternal               Kind = "Internal"
)

// Error is the single error type returned across package boundaries in
// the sync core. Callers compare Kind, not the concrete type.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that carries an underlying cause via %w semantics.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
