package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidInput  ErrorKind = "invalid_input"
	KindInvalidPhase  ErrorKind = "invalid_phase"
	KindConflict      ErrorKind = "conflict"
	KindSelfReference ErrorKind = "self_reference"
	KindNotFound      ErrorKind = "not_found"
	KindAlreadyClosed ErrorKind = "already_closed"
	KindPrecondition  ErrorKind = "precondition_failed"
)

// Error is a classified engine failure. Two errors are equal under errors.Is
// when their kinds match.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

var (
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrInvalidPhase  = &Error{Kind: KindInvalidPhase}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrSelfReference = &Error{Kind: KindSelfReference}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrAlreadyClosed = &Error{Kind: KindAlreadyClosed}
	ErrPrecondition  = &Error{Kind: KindPrecondition}
)

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not a classified engine error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
