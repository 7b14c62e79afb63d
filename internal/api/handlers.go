package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oncoscan/triage-server/internal/domain"
)

type createCaseRequest struct {
	PatientID      string   `json:"patient_id"`
	ExamDate       string   `json:"exam_date"`
	NoduleLocation string   `json:"nodule_location"`
	ImageRefs      []string `json:"image_refs"`
	ClinicalNotes  string   `json:"clinical_notes"`
	Actor          string   `json:"actor"`
}

type attachAIRequest struct {
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

type saveTiradsRequest struct {
	Composition  string   `json:"composition"`
	Echogenicity string   `json:"echogenicity"`
	Shape        string   `json:"shape"`
	Margin       string   `json:"margin"`
	Foci         []string `json:"foci"`
	Actor        string   `json:"actor"`
	IfVersion    int64    `json:"if_version"`
}

type setStatusRequest struct {
	Status    string `json:"status"`
	Actor     string `json:"actor"`
	IfVersion int64  `json:"if_version"`
}

type signReportRequest struct {
	SignedBy      string `json:"signed_by"`
	ClinicalNotes string `json:"clinical_notes"`
	IfVersion     int64  `json:"if_version"`
}

type archiveRequest struct {
	Actor     string `json:"actor"`
	IfVersion int64  `json:"if_version"`
}

func (s *Server) handleCreateCase(c *gin.Context) {
	var req createCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "malformed request body: %v", err))
		return
	}

	examDate, err := time.Parse(time.RFC3339, req.ExamDate)
	if err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "exam_date must be RFC 3339: %v", err))
		return
	}

	created, err := s.cases.CreateCase(c.Request.Context(), &domain.CaseMetadata{
		PatientID:      req.PatientID,
		ExamDate:       examDate,
		NoduleLocation: domain.NoduleLocation(req.NoduleLocation),
		ImageRefs:      req.ImageRefs,
		ClinicalNotes:  req.ClinicalNotes,
	}, req.Actor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListCases(c *gin.Context) {
	filter := domain.CaseFilter{
		Status: domain.CaseStatus(c.Query("status")),
		Risk:   domain.RiskCategory(c.Query("risk")),
		Search: c.Query("search"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "unknown status %q", filter.Status))
		return
	}

	cases, err := s.cases.ListCases(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

func (s *Server) handleGetCase(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	found, err := s.cases.GetCase(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

// handleAttachAIResult is the push path: the inference service reports its
// verdict here instead of waiting for the pipeline to poll.
func (s *Server) handleAttachAIResult(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	var req attachAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "malformed request body: %v", err))
		return
	}

	updated, err := s.cases.AttachAIResult(c.Request.Context(), id, req.Confidence, req.ModelVersion, domain.SystemActor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleSaveTirads(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	var req saveTiradsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "malformed request body: %v", err))
		return
	}

	foci := make([]domain.EchogenicFocus, len(req.Foci))
	for i, f := range req.Foci {
		foci[i] = domain.EchogenicFocus(f)
	}
	findings := domain.TiradsFindings{
		Composition:  domain.Composition(req.Composition),
		Echogenicity: domain.Echogenicity(req.Echogenicity),
		Shape:        domain.Shape(req.Shape),
		Margin:       domain.Margin(req.Margin),
		Foci:         foci,
	}

	updated, err := s.cases.SaveTirads(c.Request.Context(), id, findings, req.Actor, req.IfVersion)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleSetStatus(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "malformed request body: %v", err))
		return
	}

	updated, err := s.cases.SetStatus(c.Request.Context(), id, domain.CaseStatus(req.Status), req.Actor, req.IfVersion)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleSignReport(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	var req signReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "malformed request body: %v", err))
		return
	}

	signed, err := s.cases.SignReport(c.Request.Context(), id, req.SignedBy, req.ClinicalNotes, req.IfVersion)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.reports.Set(c.Request.Context(), signed)
	c.JSON(http.StatusOK, signed)
}

func (s *Server) handleArchiveCase(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "malformed request body: %v", err))
		return
	}

	archived, err := s.cases.ArchiveCase(c.Request.Context(), id, req.Actor, req.IfVersion)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, archived)
}

// handleGetReport serves the signed report, preferring the cache. Draft
// reports are not served here: until sign-off the case endpoint is the
// source of truth.
func (s *Server) handleGetReport(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}

	if cached, ok := s.reports.Get(c.Request.Context(), id.String()); ok {
		c.JSON(http.StatusOK, reportView(cached))
		return
	}

	found, err := s.cases.GetCase(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if found.ReportStatus != domain.ReportFinal {
		s.writeError(c, domain.NewErrorf(domain.KindNotFound, "case %s has no signed report", found.CaseNumber))
		return
	}

	s.reports.Set(c.Request.Context(), found)
	c.JSON(http.StatusOK, reportView(found))
}

func (s *Server) handleCaseAudit(c *gin.Context) {
	id, ok := s.caseID(c)
	if !ok {
		return
	}
	// A bad case ID should 404 rather than return an empty trail.
	if _, err := s.cases.GetCase(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}

	records, err := s.cases.QueryAudit(c.Request.Context(), domain.AuditQuery{CaseID: id})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *Server) handleAuditFeed(c *gin.Context) {
	// The feed shows recent activity, so a limit keeps the newest records.
	q := domain.AuditQuery{Descending: true}

	if raw := c.Query("case_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "case_id must be a UUID"))
			return
		}
		q.CaseID = id
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if raw := c.Query(name); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "%s must be RFC 3339", name))
				return
			}
			*dst = ts
		}
	}
	for _, raw := range c.QueryArray("action") {
		action := domain.AuditAction(raw)
		if !action.IsValid() {
			s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "unknown action %q", raw))
			return
		}
		q.Actions = append(q.Actions, action)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		q.Limit = limit
	}

	records, err := s.cases.QueryAudit(c.Request.Context(), q)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// reportView shapes a signed case as the report document consumers render.
func reportView(c *domain.Case) gin.H {
	return gin.H{
		"case_number":     c.CaseNumber,
		"patient_id":      c.PatientID,
		"exam_date":       c.ExamDate,
		"nodule_location": c.NoduleLocation,
		"clinical_notes":  c.ClinicalNotes,
		"ai":              c.AI,
		"tirads":          c.Tirads,
		"signed_by":       c.SignedBy,
		"signed_at":       c.SignedAt,
		"report_status":   c.ReportStatus,
	}
}

func (s *Server) caseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, domain.NewErrorf(domain.KindInvalidInput, "case id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain error kinds onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := domain.ErrorKind("INTERNAL")
	message := "internal server error"

	var de *domain.Error
	if errors.As(err, &de) {
		kind = de.Kind
		message = de.Message
		switch de.Kind {
		case domain.KindInvalidInput:
			status = http.StatusBadRequest
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindConflict:
			status = http.StatusConflict
		case domain.KindIllegalTransition, domain.KindIncompleteAssessment:
			status = http.StatusUnprocessableEntity
		case domain.KindReportLocked:
			status = http.StatusLocked
		}
	} else {
		s.log.WithFields(map[string]any{
			"request_id": c.GetString("request_id"),
			"error":      err,
		}).Error("Request failed")
	}

	c.JSON(status, gin.H{"error": gin.H{"kind": kind, "message": message}})
}
