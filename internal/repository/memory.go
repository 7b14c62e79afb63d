package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oncoscan/triage-server/internal/domain"
)

// MemoryStore is an in-memory case store used by tests and single-process
// deployments. All methods are safe for concurrent use; readers get deep
// copies so callers can never mutate stored state in place.
type MemoryStore struct {
	mu        sync.Mutex
	cases     map[uuid.UUID]*domain.Case
	audit     []*domain.AuditRecord
	auditSeq  int64
	sequences map[int]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:     make(map[uuid.UUID]*domain.Case),
		sequences: make(map[int]int),
	}
}

// CreateCase stores the case and its creation record in one critical section.
func (s *MemoryStore) CreateCase(ctx context.Context, c *domain.Case, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return domain.NewErrorf(domain.KindConflict, "case %s already exists", c.ID)
	}
	for _, existing := range s.cases {
		if existing.CaseNumber == c.CaseNumber {
			return domain.NewErrorf(domain.KindConflict, "case number %s already in use", c.CaseNumber)
		}
	}

	s.cases[c.ID] = c.Clone()
	s.appendAudit(rec)
	return nil
}

// UpdateCase replaces the stored case when the version token matches,
// appending the audit record in the same critical section.
func (s *MemoryStore) UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int64, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cases[c.ID]
	if !ok {
		return domain.NewErrorf(domain.KindNotFound, "case %s not found", c.ID)
	}
	if stored.Version != expectedVersion {
		return domain.NewErrorf(domain.KindConflict,
			"case %s is at version %d, not %d", stored.CaseNumber, stored.Version, expectedVersion)
	}

	s.cases[c.ID] = c.Clone()
	s.appendAudit(rec)
	return nil
}

// GetCase returns a copy of the case or NotFound.
func (s *MemoryStore) GetCase(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, domain.NewErrorf(domain.KindNotFound, "case %s not found", id)
	}
	return c.Clone(), nil
}

// ListCases returns matching cases ordered by creation time, newest first.
func (s *MemoryStore) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Case
	for _, c := range s.cases {
		if matchesFilter(c, filter) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CaseNumber > out[j].CaseNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// NextCaseSequence hands out the next per-year case number sequence.
func (s *MemoryStore) NextCaseSequence(ctx context.Context, year int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[year]++
	return s.sequences[year], nil
}

// QueryAudit returns matching records ordered by creation time, ties broken
// by insertion sequence. Descending queries keep the newest records when a
// limit applies.
func (s *MemoryStore) QueryAudit(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.AuditRecord
	for _, rec := range s.audit {
		if q.Matches(rec) {
			cp := *rec
			cp.Payload = append([]byte(nil), rec.Payload...)
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Descending {
			i, j = j, i
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// appendAudit assigns the insertion sequence. Caller holds the lock.
func (s *MemoryStore) appendAudit(rec *domain.AuditRecord) {
	s.auditSeq++
	cp := *rec
	cp.Seq = s.auditSeq
	cp.Payload = append([]byte(nil), rec.Payload...)
	s.audit = append(s.audit, &cp)
	rec.Seq = cp.Seq
}

func matchesFilter(c *domain.Case, f domain.CaseFilter) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Risk != "" && (c.AI == nil || c.AI.RiskCategory != f.Risk) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(c.CaseNumber), needle) &&
			!strings.Contains(strings.ToLower(c.PatientID), needle) {
			return false
		}
	}
	return true
}
