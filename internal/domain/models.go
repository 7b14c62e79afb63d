package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Case represents one patient imaging episode tracked from upload through
// signed report. The canonical copy lives in the case store; Version is the
// optimistic-concurrency token bumped by every committed mutation.
type Case struct {
	ID         uuid.UUID `json:"id"`
	CaseNumber string    `json:"case_number"` // CASE-<year>-<4-digit sequence>, immutable

	PatientID      string         `json:"patient_id"` // opaque pseudonymized identifier
	ExamDate       time.Time      `json:"exam_date"`
	NoduleLocation NoduleLocation `json:"nodule_location,omitempty"`
	ImageRefs      []string       `json:"image_refs"` // opaque references, no file I/O here
	ClinicalNotes  string         `json:"clinical_notes,omitempty"`

	Status       CaseStatus   `json:"status"`
	ReportStatus ReportStatus `json:"report_status"`

	AI     *AIResult         `json:"ai,omitempty"`
	Tirads *TiradsAssessment `json:"tirads,omitempty"`

	SignedBy string     `json:"signed_by,omitempty"`
	SignedAt *time.Time `json:"signed_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AIResult holds the externally computed malignancy confidence and the risk
// bucket derived from it. Both fields are set together or not at all.
type AIResult struct {
	Confidence   float64      `json:"confidence"` // 0-100
	RiskCategory RiskCategory `json:"risk_category"`
	ModelVersion string       `json:"model_version,omitempty"`
	AttachedAt   time.Time    `json:"attached_at"`
}

// TiradsFindings is the clinician's structured sonographic assessment. All
// five descriptors are required; Foci is multi-select.
type TiradsFindings struct {
	Composition  Composition      `json:"composition"`
	Echogenicity Echogenicity     `json:"echogenicity"`
	Shape        Shape            `json:"shape"`
	Margin       Margin           `json:"margin"`
	Foci         []EchogenicFocus `json:"foci"`
}

// TiradsAssessment is the stored findings plus everything the scoring engine
// derives from them.
type TiradsAssessment struct {
	Findings       TiradsFindings `json:"findings"`
	Points         int            `json:"points"`
	Category       int            `json:"category"` // 1..5
	Recommendation string         `json:"recommendation"`
	AssessedAt     time.Time      `json:"assessed_at"`
}

// AuditRecord is one immutable entry in the append-only ledger. Ordering is
// by CreatedAt with ties broken by Seq (insertion order).
type AuditRecord struct {
	ID      uuid.UUID   `json:"id"`
	Seq     int64       `json:"seq"`
	CaseID  uuid.UUID   `json:"case_id"`
	Action  AuditAction `json:"action"`
	Actor   string      `json:"actor"`
	Details string      `json:"details"`
	// Payload carries the raw mutation inputs as JSON so that replaying a
	// case's records reconstructs its state deterministically.
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CaseMetadata is the validated input for case creation, delivered by the
// upload/device-ingestion collaborator.
type CaseMetadata struct {
	PatientID      string         `json:"patient_id"`
	ExamDate       time.Time      `json:"exam_date"`
	NoduleLocation NoduleLocation `json:"nodule_location,omitempty"`
	ImageRefs      []string       `json:"image_refs"`
	ClinicalNotes  string         `json:"clinical_notes,omitempty"`
}

// Validate checks the metadata before a case is created from it.
func (m *CaseMetadata) Validate() error {
	if m.PatientID == "" {
		return NewError(KindInvalidInput, "patient_id is required")
	}
	if m.ExamDate.IsZero() {
		return NewError(KindInvalidInput, "exam_date is required")
	}
	if len(m.ImageRefs) == 0 {
		return NewError(KindInvalidInput, "at least one image reference is required")
	}
	for i, ref := range m.ImageRefs {
		if ref == "" {
			return NewError(KindInvalidInput, fmt.Sprintf("image_refs[%d] is empty", i))
		}
	}
	if m.NoduleLocation != "" && !m.NoduleLocation.IsValid() {
		return NewError(KindInvalidInput, fmt.Sprintf("unknown nodule location %q", m.NoduleLocation))
	}
	return nil
}

// Normalize applies the foci exclusivity rule: FocusNone is discarded when
// any other focus is selected. Duplicates are dropped, input order kept.
func (f TiradsFindings) Normalize() TiradsFindings {
	if len(f.Foci) == 0 {
		return f
	}
	hasOther := false
	for _, focus := range f.Foci {
		if focus != FocusNone {
			hasOther = true
			break
		}
	}
	seen := make(map[EchogenicFocus]bool, len(f.Foci))
	normalized := make([]EchogenicFocus, 0, len(f.Foci))
	for _, focus := range f.Foci {
		if focus == FocusNone && hasOther {
			continue
		}
		if seen[focus] {
			continue
		}
		seen[focus] = true
		normalized = append(normalized, focus)
	}
	f.Foci = normalized
	return f
}

// Validate checks that all five descriptors are present and every value is a
// member of the lexicon. Call Normalize first when accepting user input.
func (f TiradsFindings) Validate() error {
	if !f.Composition.IsValid() {
		return NewError(KindInvalidInput, fmt.Sprintf("composition %q: %v", f.Composition, ErrInvalidFinding))
	}
	if !f.Echogenicity.IsValid() {
		return NewError(KindInvalidInput, fmt.Sprintf("echogenicity %q: %v", f.Echogenicity, ErrInvalidFinding))
	}
	if !f.Shape.IsValid() {
		return NewError(KindInvalidInput, fmt.Sprintf("shape %q: %v", f.Shape, ErrInvalidFinding))
	}
	if !f.Margin.IsValid() {
		return NewError(KindInvalidInput, fmt.Sprintf("margin %q: %v", f.Margin, ErrInvalidFinding))
	}
	if len(f.Foci) == 0 {
		return NewError(KindInvalidInput, "at least one echogenic focus value is required")
	}
	for _, focus := range f.Foci {
		if !focus.IsValid() {
			return NewError(KindInvalidInput, fmt.Sprintf("focus %q: %v", focus, ErrInvalidFinding))
		}
	}
	return nil
}

// HasCompleteTirads reports whether the case carries a full assessment,
// which is required before the report can be signed.
func (c *Case) HasCompleteTirads() bool {
	return c.Tirads != nil
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate canonical state in place.
func (c *Case) Clone() *Case {
	out := *c
	out.ImageRefs = append([]string(nil), c.ImageRefs...)
	if c.AI != nil {
		ai := *c.AI
		out.AI = &ai
	}
	if c.Tirads != nil {
		t := *c.Tirads
		t.Findings.Foci = append([]EchogenicFocus(nil), c.Tirads.Findings.Foci...)
		out.Tirads = &t
	}
	if c.SignedAt != nil {
		at := *c.SignedAt
		out.SignedAt = &at
	}
	return &out
}
