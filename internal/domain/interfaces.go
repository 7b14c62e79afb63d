package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CaseStore is the persistence contract the repository operates against.
// Implementations must publish a case mutation and its audit record
// atomically: a reader either sees both or neither.
type CaseStore interface {
	// CreateCase persists a new case together with its case_created audit
	// record. Fails if the ID or case number already exists.
	CreateCase(ctx context.Context, c *Case, rec *AuditRecord) error

	// UpdateCase replaces the case row if and only if the stored version
	// equals expectedVersion, appending rec in the same atomic unit. A
	// version mismatch fails with a Conflict domain error and no effect.
	UpdateCase(ctx context.Context, c *Case, expectedVersion int64, rec *AuditRecord) error

	// GetCase returns a copy of the case or a NotFound domain error.
	GetCase(ctx context.Context, id uuid.UUID) (*Case, error)

	// ListCases returns copies of cases matching the filter, newest first.
	ListCases(ctx context.Context, filter CaseFilter) ([]*Case, error)

	// NextCaseSequence returns the next per-year sequence number used to
	// form the human-facing case number. Must never hand out the same
	// value twice for a year.
	NextCaseSequence(ctx context.Context, year int) (int, error)

	// QueryAudit returns matching audit records ordered by creation time,
	// ties broken by insertion sequence. Read-only and safe to call
	// concurrently with writes.
	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)
}

// CaseFilter narrows ListCases. Zero values mean "no constraint". Search
// matches case number or patient ID, case-insensitive substring.
type CaseFilter struct {
	Status CaseStatus
	Risk   RiskCategory
	Search string
	Limit  int
}

// AuditQuery narrows QueryAudit. Zero values mean "no constraint".
// Descending reverses the ordering so Limit keeps the newest records,
// which is what an activity feed wants.
type AuditQuery struct {
	CaseID     uuid.UUID
	From       time.Time
	To         time.Time
	Actions    []AuditAction
	Limit      int
	Descending bool
}

// Matches reports whether rec satisfies the query constraints.
func (q AuditQuery) Matches(rec *AuditRecord) bool {
	if q.CaseID != uuid.Nil && rec.CaseID != q.CaseID {
		return false
	}
	if !q.From.IsZero() && rec.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.CreatedAt.After(q.To) {
		return false
	}
	if len(q.Actions) > 0 {
		found := false
		for _, a := range q.Actions {
			if rec.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
