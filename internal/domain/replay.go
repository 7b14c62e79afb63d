package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Audit payloads. Each committed mutation stores the inputs it applied, so a
// case's full history is reconstructible from its records alone. Derived
// values (risk bucket, TI-RADS points) are stored alongside the raw inputs;
// the derivations are deterministic, so the stored values are the replayed
// values.

// CaseCreatedPayload is attached to case_created records.
type CaseCreatedPayload struct {
	CaseNumber     string         `json:"case_number"`
	PatientID      string         `json:"patient_id"`
	ExamDate       time.Time      `json:"exam_date"`
	NoduleLocation NoduleLocation `json:"nodule_location,omitempty"`
	ImageRefs      []string       `json:"image_refs"`
	ClinicalNotes  string         `json:"clinical_notes,omitempty"`
}

// AIResultPayload is attached to ai_result_attached records.
type AIResultPayload struct {
	Confidence   float64      `json:"confidence"`
	RiskCategory RiskCategory `json:"risk_category"`
	ModelVersion string       `json:"model_version,omitempty"`
}

// TiradsPayload is attached to tirads_saved records.
type TiradsPayload struct {
	Findings       TiradsFindings `json:"findings"`
	Points         int            `json:"points"`
	Category       int            `json:"category"`
	Recommendation string         `json:"recommendation"`
}

// StatusChangedPayload is attached to status_changed and case_archived
// records.
type StatusChangedPayload struct {
	From CaseStatus `json:"from"`
	To   CaseStatus `json:"to"`
}

// ReportSignedPayload is attached to report_signed records.
type ReportSignedPayload struct {
	SignedBy      string `json:"signed_by"`
	ClinicalNotes string `json:"clinical_notes,omitempty"`
}

// ReplayCase reconstructs a case's state from its audit records. Records may
// arrive in any order; they are sorted by creation time with ties broken by
// insertion sequence, matching the ledger's ordering contract. The replayed
// case carries the same field values and version as the live one.
func ReplayCase(caseID uuid.UUID, records []*AuditRecord) (*Case, error) {
	if len(records) == 0 {
		return nil, NewErrorf(KindNotFound, "no audit records for case %s", caseID)
	}

	ordered := make([]*AuditRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	if ordered[0].Action != ActionCaseCreated {
		return nil, NewErrorf(KindInvalidInput, "first record for case %s is %s, want %s",
			caseID, ordered[0].Action, ActionCaseCreated)
	}

	var c *Case
	for _, rec := range ordered {
		if rec.CaseID != caseID {
			return nil, NewErrorf(KindInvalidInput, "record %s belongs to case %s, not %s",
				rec.ID, rec.CaseID, caseID)
		}
		if c == nil && rec.Action != ActionCaseCreated {
			return nil, NewErrorf(KindInvalidInput, "record %s precedes case creation", rec.ID)
		}

		switch rec.Action {
		case ActionCaseCreated:
			if c != nil {
				return nil, NewErrorf(KindInvalidInput, "duplicate case_created record %s", rec.ID)
			}
			var p CaseCreatedPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("decoding case_created payload: %w", err)
			}
			c = &Case{
				ID:             caseID,
				CaseNumber:     p.CaseNumber,
				PatientID:      p.PatientID,
				ExamDate:       p.ExamDate,
				NoduleLocation: p.NoduleLocation,
				ImageRefs:      p.ImageRefs,
				ClinicalNotes:  p.ClinicalNotes,
				Status:         StatusProcessing,
				ReportStatus:   ReportDraft,
				Version:        1,
				CreatedAt:      rec.CreatedAt,
				UpdatedAt:      rec.CreatedAt,
			}
			continue

		case ActionAIResultAttached:
			var p AIResultPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("decoding ai_result_attached payload: %w", err)
			}
			c.AI = &AIResult{
				Confidence:   p.Confidence,
				RiskCategory: p.RiskCategory,
				ModelVersion: p.ModelVersion,
				AttachedAt:   rec.CreatedAt,
			}
			c.Status = StatusAwaitingReview

		case ActionTiradsSaved:
			var p TiradsPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("decoding tirads_saved payload: %w", err)
			}
			c.Tirads = &TiradsAssessment{
				Findings:       p.Findings,
				Points:         p.Points,
				Category:       p.Category,
				Recommendation: p.Recommendation,
				AssessedAt:     rec.CreatedAt,
			}

		case ActionStatusChanged, ActionCaseArchived:
			var p StatusChangedPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("decoding %s payload: %w", rec.Action, err)
			}
			c.Status = p.To

		case ActionReportSigned:
			var p ReportSignedPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("decoding report_signed payload: %w", err)
			}
			c.ReportStatus = ReportFinal
			c.SignedBy = p.SignedBy
			at := rec.CreatedAt
			c.SignedAt = &at
			if p.ClinicalNotes != "" {
				c.ClinicalNotes = p.ClinicalNotes
			}

		default:
			return nil, NewErrorf(KindInvalidInput, "record %s has unknown action %q", rec.ID, rec.Action)
		}

		c.Version++
		c.UpdatedAt = rec.CreatedAt
	}

	return c, nil
}
