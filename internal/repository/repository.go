// Package repository implements the case repository and its persistence
// backends. The repository is the single write path: every mutation is
// validated by the lifecycle state machine, committed with a compare-and-swap
// on the case version, and recorded in the audit ledger atomically.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/domain"
	"github.com/oncoscan/triage-server/internal/service"
)

// CaseRepository coordinates case mutations: it loads the current case,
// checks the requested change against the lifecycle rules, derives any
// values (risk bucket, TI-RADS score), and commits the new case state
// together with its audit record.
type CaseRepository struct {
	store   domain.CaseStore
	scoring *service.ScoringEngine
	risk    *service.RiskClassifier
	machine *service.CaseStateMachine
	log     *logrus.Logger
}

// NewCaseRepository creates a case repository over the given store.
func NewCaseRepository(store domain.CaseStore, scoring *service.ScoringEngine, risk *service.RiskClassifier, machine *service.CaseStateMachine, logger *logrus.Logger) *CaseRepository {
	return &CaseRepository{
		store:   store,
		scoring: scoring,
		risk:    risk,
		machine: machine,
		log:     logger,
	}
}

// CreateCase validates the metadata, assigns a case number, and persists the
// new case in processing status with a draft report.
func (r *CaseRepository) CreateCase(ctx context.Context, meta *domain.CaseMetadata, actor string) (*domain.Case, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if actor == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "actor is required")
	}

	now := time.Now().UTC()
	seq, err := r.store.NextCaseSequence(ctx, now.Year())
	if err != nil {
		return nil, fmt.Errorf("allocating case number: %w", err)
	}

	c := &domain.Case{
		ID:             uuid.New(),
		CaseNumber:     fmt.Sprintf("CASE-%d-%04d", now.Year(), seq),
		PatientID:      meta.PatientID,
		ExamDate:       meta.ExamDate,
		NoduleLocation: meta.NoduleLocation,
		ImageRefs:      append([]string(nil), meta.ImageRefs...),
		ClinicalNotes:  meta.ClinicalNotes,
		Status:         domain.StatusProcessing,
		ReportStatus:   domain.ReportDraft,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rec, err := r.auditRecord(c.ID, domain.ActionCaseCreated, actor,
		fmt.Sprintf("case %s created for patient %s", c.CaseNumber, c.PatientID),
		domain.CaseCreatedPayload{
			CaseNumber:     c.CaseNumber,
			PatientID:      c.PatientID,
			ExamDate:       c.ExamDate,
			NoduleLocation: c.NoduleLocation,
			ImageRefs:      c.ImageRefs,
			ClinicalNotes:  c.ClinicalNotes,
		}, now)
	if err != nil {
		return nil, err
	}

	if err := r.store.CreateCase(ctx, c, rec); err != nil {
		r.log.WithFields(logrus.Fields{
			"case_number": c.CaseNumber,
			"error":       err,
		}).Error("Failed to create case")
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"case_id":     c.ID,
		"case_number": c.CaseNumber,
	}).Info("Case created")

	return c, nil
}

// AttachAIResult records the externally computed malignancy confidence on a
// processing case and moves it to awaiting_review. The risk bucket is derived
// here so the stored result never disagrees with the threshold table.
func (r *CaseRepository) AttachAIResult(ctx context.Context, id uuid.UUID, confidence float64, modelVersion, actor string) (*domain.Case, error) {
	assessment, err := r.risk.Classify(confidence)
	if err != nil {
		return nil, err
	}

	c, err := r.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.machine.CheckAttachAIResult(c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := c.Version
	c.AI = &domain.AIResult{
		Confidence:   confidence,
		RiskCategory: assessment.Bucket,
		ModelVersion: modelVersion,
		AttachedAt:   now,
	}
	c.Status = domain.StatusAwaitingReview

	rec, err := r.auditRecord(c.ID, domain.ActionAIResultAttached, actor,
		fmt.Sprintf("AI result attached: confidence %.1f, risk %s", confidence, assessment.Bucket),
		domain.AIResultPayload{
			Confidence:   confidence,
			RiskCategory: assessment.Bucket,
			ModelVersion: modelVersion,
		}, now)
	if err != nil {
		return nil, err
	}

	if err := r.commit(ctx, c, expected, rec, now); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"case_id":    c.ID,
		"confidence": confidence,
		"risk":       assessment.Bucket,
	}).Info("AI result attached")

	return c, nil
}

// SaveTirads scores the findings and stores the resulting assessment on the
// case, replacing any previous one. ifVersion, when non-zero, must match the
// current case version or the call fails with Conflict.
func (r *CaseRepository) SaveTirads(ctx context.Context, id uuid.UUID, findings domain.TiradsFindings, actor string, ifVersion int64) (*domain.Case, error) {
	normalized := findings.Normalize()
	score, err := r.scoring.Score(normalized)
	if err != nil {
		return nil, err
	}

	c, err := r.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(c, ifVersion); err != nil {
		return nil, err
	}
	if err := r.machine.CheckSaveTirads(c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := c.Version
	c.Tirads = &domain.TiradsAssessment{
		Findings:       normalized,
		Points:         score.Points,
		Category:       score.Category,
		Recommendation: score.Recommendation,
		AssessedAt:     now,
	}

	rec, err := r.auditRecord(c.ID, domain.ActionTiradsSaved, actor,
		fmt.Sprintf("TI-RADS assessment saved: %d points, category TR%d", score.Points, score.Category),
		domain.TiradsPayload{
			Findings:       normalized,
			Points:         score.Points,
			Category:       score.Category,
			Recommendation: score.Recommendation,
		}, now)
	if err != nil {
		return nil, err
	}

	if err := r.commit(ctx, c, expected, rec, now); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"case_id":  c.ID,
		"points":   score.Points,
		"category": score.Category,
	}).Info("TI-RADS assessment saved")

	return c, nil
}

// SetStatus applies a clinician-requested status change. Archival is not
// reachable through here; use ArchiveCase.
func (r *CaseRepository) SetStatus(ctx context.Context, id uuid.UUID, target domain.CaseStatus, actor string, ifVersion int64) (*domain.Case, error) {
	c, err := r.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(c, ifVersion); err != nil {
		return nil, err
	}
	if err := r.machine.CheckSetStatus(c, target); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := c.Version
	from := c.Status
	c.Status = target

	rec, err := r.auditRecord(c.ID, domain.ActionStatusChanged, actor,
		fmt.Sprintf("status changed from %s to %s", from, target),
		domain.StatusChangedPayload{From: from, To: target}, now)
	if err != nil {
		return nil, err
	}

	if err := r.commit(ctx, c, expected, rec, now); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"case_id": c.ID,
		"from":    from,
		"to":      target,
	}).Info("Case status changed")

	return c, nil
}

// SignReport finalizes the report. The case keeps its status; only the
// report moves to final, which locks all further edits except archival.
// Notes, when given, replace the clinical notes on the case.
func (r *CaseRepository) SignReport(ctx context.Context, id uuid.UUID, signedBy, notes string, ifVersion int64) (*domain.Case, error) {
	if signedBy == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "signed_by is required")
	}

	c, err := r.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(c, ifVersion); err != nil {
		return nil, err
	}
	if err := r.machine.CheckSignReport(c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := c.Version
	c.ReportStatus = domain.ReportFinal
	c.SignedBy = signedBy
	c.SignedAt = &now
	if notes != "" {
		c.ClinicalNotes = notes
	}

	rec, err := r.auditRecord(c.ID, domain.ActionReportSigned, signedBy,
		fmt.Sprintf("report signed by %s", signedBy),
		domain.ReportSignedPayload{SignedBy: signedBy, ClinicalNotes: notes}, now)
	if err != nil {
		return nil, err
	}

	if err := r.commit(ctx, c, expected, rec, now); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"case_id":   c.ID,
		"signed_by": signedBy,
	}).Info("Report signed")

	return c, nil
}

// ArchiveCase moves a completed or flagged case to archived, the terminal
// status. Archival remains legal after report sign-off.
func (r *CaseRepository) ArchiveCase(ctx context.Context, id uuid.UUID, actor string, ifVersion int64) (*domain.Case, error) {
	c, err := r.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(c, ifVersion); err != nil {
		return nil, err
	}
	if err := r.machine.CheckArchive(c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := c.Version
	from := c.Status
	c.Status = domain.StatusArchived

	rec, err := r.auditRecord(c.ID, domain.ActionCaseArchived, actor,
		fmt.Sprintf("case archived from %s", from),
		domain.StatusChangedPayload{From: from, To: domain.StatusArchived}, now)
	if err != nil {
		return nil, err
	}

	if err := r.commit(ctx, c, expected, rec, now); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"case_id": c.ID,
		"from":    from,
	}).Info("Case archived")

	return c, nil
}

// GetCase returns the case by ID.
func (r *CaseRepository) GetCase(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	return r.store.GetCase(ctx, id)
}

// ListCases returns cases matching the filter, newest first.
func (r *CaseRepository) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	return r.store.ListCases(ctx, filter)
}

// QueryAudit returns audit records matching the query in ledger order.
func (r *CaseRepository) QueryAudit(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditRecord, error) {
	return r.store.QueryAudit(ctx, q)
}

// ReplayCase reconstructs the case's state purely from its audit records.
func (r *CaseRepository) ReplayCase(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	records, err := r.store.QueryAudit(ctx, domain.AuditQuery{CaseID: id})
	if err != nil {
		return nil, err
	}
	return domain.ReplayCase(id, records)
}

func (r *CaseRepository) commit(ctx context.Context, c *domain.Case, expectedVersion int64, rec *domain.AuditRecord, now time.Time) error {
	c.Version = expectedVersion + 1
	c.UpdatedAt = now

	if err := r.store.UpdateCase(ctx, c, expectedVersion, rec); err != nil {
		r.log.WithFields(logrus.Fields{
			"case_id": c.ID,
			"action":  rec.Action,
			"version": expectedVersion,
			"error":   err,
		}).Warn("Case mutation rejected")
		return err
	}
	return nil
}

func (r *CaseRepository) auditRecord(caseID uuid.UUID, action domain.AuditAction, actor, details string, payload any, now time.Time) (*domain.AuditRecord, error) {
	if actor == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "actor is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", action, err)
	}
	return &domain.AuditRecord{
		ID:        uuid.New(),
		CaseID:    caseID,
		Action:    action,
		Actor:     actor,
		Details:   details,
		Payload:   body,
		CreatedAt: now,
	}, nil
}

// checkVersion enforces the caller-supplied concurrency token. Zero means
// the caller did not ask for a precondition; the store-level compare-and-swap
// still protects against racing writers.
func checkVersion(c *domain.Case, ifVersion int64) error {
	if ifVersion != 0 && ifVersion != c.Version {
		return domain.NewErrorf(domain.KindConflict,
			"case %s is at version %d, not %d", c.CaseNumber, c.Version, ifVersion)
	}
	return nil
}
