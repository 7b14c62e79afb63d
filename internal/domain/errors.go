package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of recoverable domain failures. Every rejected
// mutation maps to exactly one kind; none of them leaves stored state
// changed, and none of them is audited.
type ErrorKind string

const (
	KindIllegalTransition    ErrorKind = "ILLEGAL_TRANSITION"
	KindReportLocked         ErrorKind = "REPORT_LOCKED"
	KindIncompleteAssessment ErrorKind = "INCOMPLETE_ASSESSMENT"
	KindInvalidInput         ErrorKind = "INVALID_INPUT"
	KindConflict             ErrorKind = "CONFLICT"
	KindNotFound             ErrorKind = "NOT_FOUND"
)

// Error is the standard domain error carrying a kind and a human-readable
// message with enough detail to explain the rejected transition.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match against the kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// NewError creates a domain error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates a domain error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Kind sentinels for errors.Is checks.
var (
	ErrIllegalTransition    = &Error{Kind: KindIllegalTransition}
	ErrReportLocked         = &Error{Kind: KindReportLocked}
	ErrIncompleteAssessment = &Error{Kind: KindIncompleteAssessment}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrNotFound             = &Error{Kind: KindNotFound}
)

// KindOf extracts the domain error kind from err, unwrapping as needed.
// The second return is false when err is not a domain error.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
