package service

import (
	"github.com/oncoscan/triage-server/internal/domain"
)

// CaseStateMachine enforces the legal transitions for a case's status and
// its report sub-state. It is stateless: every check takes the current case
// and answers whether the requested transition is allowed, failing with a
// typed domain error otherwise. It never mutates anything itself.
type CaseStateMachine struct {
	// aiAutomation reflects whether an AI inference provider is configured.
	// When it is, processing cases must pass through awaiting_review; the
	// direct processing -> completed escape hatch only exists without it.
	aiAutomation bool
}

// NewCaseStateMachine creates a state machine. aiAutomation should be true
// whenever an inference provider is configured for this deployment.
func NewCaseStateMachine(aiAutomation bool) *CaseStateMachine {
	return &CaseStateMachine{aiAutomation: aiAutomation}
}

// statusTransitions is the allowed table for clinician-driven status
// changes. processing -> awaiting_review is absent on purpose: that edge is
// reserved for AI result attachment (CheckAttachAIResult).
var statusTransitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.StatusAwaitingReview: {domain.StatusCompleted, domain.StatusFlagged},
	domain.StatusCompleted:      {domain.StatusArchived},
	domain.StatusFlagged:        {domain.StatusArchived},
}

// CheckSetStatus validates a clinician-requested status change. Archival
// must go through CheckArchive, which stays legal after report sign-off.
func (m *CaseStateMachine) CheckSetStatus(c *domain.Case, target domain.CaseStatus) error {
	if !target.IsValid() {
		return domain.NewErrorf(domain.KindInvalidInput, "unknown status %q", target)
	}
	if c.ReportStatus == domain.ReportFinal {
		return domain.NewErrorf(domain.KindReportLocked,
			"case %s report is final; status changes are locked", c.CaseNumber)
	}

	// Escape hatch: without AI automation a processing case may complete
	// directly, there being no automated result to wait for.
	if c.Status == domain.StatusProcessing && target == domain.StatusCompleted {
		if m.aiAutomation || c.AI != nil {
			return domain.NewErrorf(domain.KindIllegalTransition,
				"case %s must be reviewed before completion once AI analysis applies", c.CaseNumber)
		}
		return nil
	}

	for _, allowed := range statusTransitions[c.Status] {
		if allowed == target {
			if target == domain.StatusArchived {
				// setStatus never archives; archival is its own operation.
				return domain.NewErrorf(domain.KindIllegalTransition,
					"case %s: archival requires the archive operation", c.CaseNumber)
			}
			return nil
		}
	}
	return domain.NewErrorf(domain.KindIllegalTransition,
		"case %s cannot move from %s to %s", c.CaseNumber, c.Status, target)
}

// CheckAttachAIResult validates attaching the externally computed AI result,
// the only edge from processing to awaiting_review. A case that already
// carries a result cannot accept another.
func (m *CaseStateMachine) CheckAttachAIResult(c *domain.Case) error {
	if c.ReportStatus == domain.ReportFinal {
		return domain.NewErrorf(domain.KindReportLocked,
			"case %s report is final; AI results can no longer attach", c.CaseNumber)
	}
	if c.Status != domain.StatusProcessing {
		return domain.NewErrorf(domain.KindIllegalTransition,
			"case %s is %s; AI results attach only while processing", c.CaseNumber, c.Status)
	}
	if c.AI != nil {
		return domain.NewErrorf(domain.KindIllegalTransition,
			"case %s already carries an AI result", c.CaseNumber)
	}
	return nil
}

// CheckSaveTirads validates storing a TI-RADS assessment. Saving is allowed
// in any live status; only a finalized report locks it out.
func (m *CaseStateMachine) CheckSaveTirads(c *domain.Case) error {
	if c.ReportStatus == domain.ReportFinal {
		return domain.NewErrorf(domain.KindReportLocked,
			"case %s report is final; the assessment is immutable", c.CaseNumber)
	}
	if c.Status == domain.StatusArchived {
		return domain.NewErrorf(domain.KindIllegalTransition,
			"case %s is archived", c.CaseNumber)
	}
	return nil
}

// CheckSignReport validates finalizing the report: draft only, case at
// awaiting_review or later, and a complete TI-RADS assessment on file.
func (m *CaseStateMachine) CheckSignReport(c *domain.Case) error {
	if c.ReportStatus == domain.ReportFinal {
		return domain.NewErrorf(domain.KindIllegalTransition,
			"case %s report is already final", c.CaseNumber)
	}
	if c.Status == domain.StatusProcessing {
		return domain.NewErrorf(domain.KindIllegalTransition,
			"case %s is still processing; review must begin before sign-off", c.CaseNumber)
	}
	if !c.HasCompleteTirads() {
		return domain.NewErrorf(domain.KindIncompleteAssessment,
			"case %s has no complete TI-RADS assessment", c.CaseNumber)
	}
	return nil
}

// CheckArchive validates archival, which is reachable from completed or
// flagged only and remains legal after the report is finalized (archival
// never alters report content).
//
// A report signed while still awaiting_review leaves the case status locked
// short of completed, so such a case cannot be archived; the expected flow
// is to complete or flag the case before signing.
func (m *CaseStateMachine) CheckArchive(c *domain.Case) error {
	if c.Status == domain.StatusCompleted || c.Status == domain.StatusFlagged {
		return nil
	}
	return domain.NewErrorf(domain.KindIllegalTransition,
		"case %s is %s; only completed or flagged cases archive", c.CaseNumber, c.Status)
}
