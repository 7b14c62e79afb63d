package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel *Error
	}{
		{"illegal transition", NewError(KindIllegalTransition, "processing -> archived"), ErrIllegalTransition},
		{"report locked", NewError(KindReportLocked, "report is final"), ErrReportLocked},
		{"incomplete assessment", NewError(KindIncompleteAssessment, "missing findings"), ErrIncompleteAssessment},
		{"invalid input", NewError(KindInvalidInput, "confidence out of range"), ErrInvalidInput},
		{"conflict", NewError(KindConflict, "version mismatch"), ErrConflict},
		{"not found", NewError(KindNotFound, "unknown case"), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}
}

func TestErrorKindMismatch(t *testing.T) {
	err := NewError(KindConflict, "version mismatch")
	if errors.Is(err, ErrNotFound) {
		t.Error("conflict must not match not-found sentinel")
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := NewError(KindReportLocked, "report finalized at 2026-03-01")
	wrapped := fmt.Errorf("sign report: %w", inner)

	if !errors.Is(wrapped, ErrReportLocked) {
		t.Error("wrapped domain error should still match its kind sentinel")
	}

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindReportLocked {
		t.Errorf("KindOf = %q, %v; want %q, true", kind, ok, KindReportLocked)
	}
}

func TestKindOfNonDomainError(t *testing.T) {
	if _, ok := KindOf(errors.New("disk full")); ok {
		t.Error("plain errors must not report a domain kind")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewErrorf(KindIllegalTransition, "cannot move %s to %s", StatusProcessing, StatusArchived)
	want := "ILLEGAL_TRANSITION: cannot move processing to archived"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
