// Package dberr defines the typed error kinds surfaced at the storage-core
// boundary. Every fallible operation in decentdb returns one
// of these, wrapped with context via fmt.Errorf("%w", ...) the same way
// novusdb wraps os/file errors.
package dberr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error kinds the storage core may surface.
type Kind string

const (
	KindIO                 Kind = "IO"
	KindCorruption         Kind = "Corruption"
	KindConstraint         Kind = "Constraint"
	KindTransaction        Kind = "Transaction"
	KindTransactionAborted Kind = "TransactionAborted"
	KindNotFound           Kind = "NotFound"
	KindInvalid            Kind = "Invalid"
	KindInternal           Kind = "Internal"
)

// Error carries a Kind, a message, and optional context (path, page ID, LSN).
type Error struct {
	Kind    Kind
	Message string
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Context != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Message, e.Context, e.Err)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Context)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, dberr.ErrCorruption) (or any other *Error
// target) match by comparing Kind values only.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping an underlying error with a kind, message,
// and optional context string.
func Wrap(kind Kind, message, context string, err error) *Error {
	return &Error{Kind: kind, Message: message, Context: context, Err: err}
}

// Is reports whether err (or anything it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinels usable with errors.Is directly.
var (
	ErrIO                 = New(KindIO, "io error")
	ErrCorruption         = New(KindCorruption, "corruption detected")
	ErrConstraint         = New(KindConstraint, "constraint violation")
	ErrTransaction        = New(KindTransaction, "transaction error")
	ErrTransactionAborted = New(KindTransactionAborted, "transaction aborted")
	ErrNotFound           = New(KindNotFound, "not found")
	ErrInvalid            = New(KindInvalid, "invalid argument")
	ErrInternal           = New(KindInternal, "internal error")
)
