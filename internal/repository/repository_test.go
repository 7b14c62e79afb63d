package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncoscan/triage-server/internal/domain"
	"github.com/oncoscan/triage-server/internal/service"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRepo(t *testing.T, aiAutomation bool) *CaseRepository {
	t.Helper()
	logger := testLogger()
	return NewCaseRepository(
		NewMemoryStore(),
		service.NewScoringEngine(logger),
		service.NewRiskClassifier(logger),
		service.NewCaseStateMachine(aiAutomation),
		logger,
	)
}

func testMetadata() *domain.CaseMetadata {
	return &domain.CaseMetadata{
		PatientID:      "PAT-88412",
		ExamDate:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		NoduleLocation: domain.LocationRightLobe,
		ImageRefs:      []string{"us/2026/03/14/pat-88412-001.dcm"},
		ClinicalNotes:  "Palpable nodule on routine exam",
	}
}

func solidHypoFindings() domain.TiradsFindings {
	return domain.TiradsFindings{
		Composition:  domain.CompositionSolid,
		Echogenicity: domain.EchoHypoechoic,
		Shape:        domain.ShapeWiderThanTall,
		Margin:       domain.MarginSmooth,
		Foci:         []domain.EchogenicFocus{domain.FocusNone},
	}
}

func TestCreateCase(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessing, c.Status)
	assert.Equal(t, domain.ReportDraft, c.ReportStatus)
	assert.EqualValues(t, 1, c.Version)
	assert.Regexp(t, `^CASE-\d{4}-\d{4}$`, c.CaseNumber)

	records, err := repo.QueryAudit(ctx, domain.AuditQuery{CaseID: c.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActionCaseCreated, records[0].Action)
	assert.Equal(t, "dr.osei", records[0].Actor)
}

func TestCreateCaseValidation(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	t.Run("missing patient", func(t *testing.T) {
		meta := testMetadata()
		meta.PatientID = ""
		_, err := repo.CreateCase(ctx, meta, "dr.osei")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("no images", func(t *testing.T) {
		meta := testMetadata()
		meta.ImageRefs = nil
		_, err := repo.CreateCase(ctx, meta, "dr.osei")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("missing actor", func(t *testing.T) {
		_, err := repo.CreateCase(ctx, testMetadata(), "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestCaseNumbersAreSequentialWithinYear(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	first, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)
	second, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)

	year := time.Now().UTC().Year()
	assert.Equal(t, fmt.Sprintf("CASE-%d-0001", year), first.CaseNumber)
	assert.Equal(t, fmt.Sprintf("CASE-%d-0002", year), second.CaseNumber)
}

func TestAttachAIResult(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)

	updated, err := repo.AttachAIResult(ctx, c.ID, 91.5, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAwaitingReview, updated.Status)
	require.NotNil(t, updated.AI)
	assert.Equal(t, 91.5, updated.AI.Confidence)
	assert.Equal(t, domain.RiskHigh, updated.AI.RiskCategory)
	assert.Equal(t, "thyrnet-2.3", updated.AI.ModelVersion)
	assert.EqualValues(t, 2, updated.Version)

	t.Run("second attach rejected", func(t *testing.T) {
		_, err := repo.AttachAIResult(ctx, c.ID, 12.0, "thyrnet-2.3", domain.SystemActor)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})

	t.Run("invalid confidence rejected before any load", func(t *testing.T) {
		_, err := repo.AttachAIResult(ctx, c.ID, 150, "thyrnet-2.3", domain.SystemActor)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestSaveTirads(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)

	updated, err := repo.SaveTirads(ctx, c.ID, solidHypoFindings(), "dr.osei", 0)
	require.NoError(t, err)

	require.NotNil(t, updated.Tirads)
	assert.Equal(t, 4, updated.Tirads.Points)
	assert.Equal(t, 4, updated.Tirads.Category)
	assert.Equal(t, "FNA if ≥1.5cm, follow-up if ≥1cm", updated.Tirads.Recommendation)

	t.Run("resave replaces the assessment", func(t *testing.T) {
		findings := solidHypoFindings()
		findings.Shape = domain.ShapeTallerThanWide
		again, err := repo.SaveTirads(ctx, c.ID, findings, "dr.osei", 0)
		require.NoError(t, err)
		assert.Equal(t, 7, again.Tirads.Points)
		assert.Equal(t, 5, again.Tirads.Category)
	})

	t.Run("stale version token rejected", func(t *testing.T) {
		_, err := repo.SaveTirads(ctx, c.ID, solidHypoFindings(), "dr.osei", 1)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("incomplete findings rejected", func(t *testing.T) {
		findings := solidHypoFindings()
		findings.Margin = ""
		_, err := repo.SaveTirads(ctx, c.ID, findings, "dr.osei", 0)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestSignReportLifecycle(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)
	_, err = repo.AttachAIResult(ctx, c.ID, 64.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)

	t.Run("unsignable without assessment", func(t *testing.T) {
		_, err := repo.SignReport(ctx, c.ID, "dr.osei", "", 0)
		assert.ErrorIs(t, err, domain.ErrIncompleteAssessment)
	})

	_, err = repo.SaveTirads(ctx, c.ID, solidHypoFindings(), "dr.osei", 0)
	require.NoError(t, err)

	signed, err := repo.SignReport(ctx, c.ID, "dr.osei", "No suspicious cervical nodes", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportFinal, signed.ReportStatus)
	assert.Equal(t, "dr.osei", signed.SignedBy)
	require.NotNil(t, signed.SignedAt)
	assert.Equal(t, "No suspicious cervical nodes", signed.ClinicalNotes)
	// Signing finalizes the report without touching the workflow status.
	assert.Equal(t, domain.StatusAwaitingReview, signed.Status)

	t.Run("everything but archival locked after sign-off", func(t *testing.T) {
		_, err := repo.SaveTirads(ctx, c.ID, solidHypoFindings(), "dr.osei", 0)
		assert.ErrorIs(t, err, domain.ErrReportLocked)

		_, err = repo.SetStatus(ctx, c.ID, domain.StatusCompleted, "dr.osei", 0)
		assert.ErrorIs(t, err, domain.ErrReportLocked)

		_, err = repo.SignReport(ctx, c.ID, "dr.tan", "", 0)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})

	t.Run("signing requires signer", func(t *testing.T) {
		_, err := repo.SignReport(ctx, c.ID, "", "", 0)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestArchiveGating(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)

	t.Run("processing case cannot archive", func(t *testing.T) {
		_, err := repo.ArchiveCase(ctx, c.ID, "dr.osei", 0)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})

	_, err = repo.AttachAIResult(ctx, c.ID, 35.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)
	_, err = repo.SetStatus(ctx, c.ID, domain.StatusCompleted, "dr.osei", 0)
	require.NoError(t, err)

	archived, err := repo.ArchiveCase(ctx, c.ID, "dr.osei", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, archived.Status)

	t.Run("archived is terminal", func(t *testing.T) {
		_, err := repo.ArchiveCase(ctx, c.ID, "dr.osei", 0)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})
}

func TestSetStatusEscapeHatch(t *testing.T) {
	ctx := context.Background()

	t.Run("manual workflow completes directly", func(t *testing.T) {
		repo := newTestRepo(t, false)
		c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
		require.NoError(t, err)

		updated, err := repo.SetStatus(ctx, c.ID, domain.StatusCompleted, "dr.osei", 0)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, updated.Status)
	})

	t.Run("automated workflow must wait for the result", func(t *testing.T) {
		repo := newTestRepo(t, true)
		c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
		require.NoError(t, err)

		_, err = repo.SetStatus(ctx, c.ID, domain.StatusCompleted, "dr.osei", 0)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})
}

func TestConcurrentSetStatusOneWinner(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)
	reviewed, err := repo.AttachAIResult(ctx, c.ID, 55.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)

	targets := []domain.CaseStatus{domain.StatusCompleted, domain.StatusFlagged}
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target domain.CaseStatus) {
			defer wg.Done()
			_, errs[i] = repo.SetStatus(ctx, c.ID, target, "dr.osei", reviewed.Version)
		}(i, target)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		kind, ok := domain.KindOf(err)
		if !ok || kind != domain.KindConflict {
			t.Fatalf("unexpected error: %v", err)
		}
		conflicts++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestReplayReconstructsCase(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)
	_, err = repo.AttachAIResult(ctx, c.ID, 88.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)
	_, err = repo.SaveTirads(ctx, c.ID, solidHypoFindings(), "dr.osei", 0)
	require.NoError(t, err)
	_, err = repo.SetStatus(ctx, c.ID, domain.StatusCompleted, "dr.osei", 0)
	require.NoError(t, err)
	_, err = repo.SignReport(ctx, c.ID, "dr.osei", "", 0)
	require.NoError(t, err)
	live, err := repo.ArchiveCase(ctx, c.ID, "dr.osei", 0)
	require.NoError(t, err)

	replayed, err := repo.ReplayCase(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, live.CaseNumber, replayed.CaseNumber)
	assert.Equal(t, live.PatientID, replayed.PatientID)
	assert.Equal(t, live.Status, replayed.Status)
	assert.Equal(t, live.ReportStatus, replayed.ReportStatus)
	assert.Equal(t, live.SignedBy, replayed.SignedBy)
	assert.Equal(t, live.Version, replayed.Version)
	require.NotNil(t, replayed.AI)
	assert.Equal(t, live.AI.Confidence, replayed.AI.Confidence)
	assert.Equal(t, live.AI.RiskCategory, replayed.AI.RiskCategory)
	require.NotNil(t, replayed.Tirads)
	assert.Equal(t, live.Tirads.Points, replayed.Tirads.Points)
	assert.Equal(t, live.Tirads.Category, replayed.Tirads.Category)
}

func TestAuditLedgerPerMutation(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	c, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)
	_, err = repo.AttachAIResult(ctx, c.ID, 88.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)
	_, err = repo.SaveTirads(ctx, c.ID, solidHypoFindings(), "dr.osei", 0)
	require.NoError(t, err)

	// A rejected mutation leaves no trace.
	_, err = repo.ArchiveCase(ctx, c.ID, "dr.osei", 0)
	require.Error(t, err)

	records, err := repo.QueryAudit(ctx, domain.AuditQuery{CaseID: c.ID})
	require.NoError(t, err)
	require.Len(t, records, 3)

	actions := []domain.AuditAction{records[0].Action, records[1].Action, records[2].Action}
	assert.Equal(t, []domain.AuditAction{
		domain.ActionCaseCreated,
		domain.ActionAIResultAttached,
		domain.ActionTiradsSaved,
	}, actions)

	t.Run("action filter", func(t *testing.T) {
		records, err := repo.QueryAudit(ctx, domain.AuditQuery{
			CaseID:  c.ID,
			Actions: []domain.AuditAction{domain.ActionTiradsSaved},
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, domain.ActionTiradsSaved, records[0].Action)
	})

	t.Run("descending limit keeps newest", func(t *testing.T) {
		records, err := repo.QueryAudit(ctx, domain.AuditQuery{
			CaseID:     c.ID,
			Limit:      1,
			Descending: true,
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, domain.ActionTiradsSaved, records[0].Action)
	})
}

func TestListCasesFilters(t *testing.T) {
	repo := newTestRepo(t, true)
	ctx := context.Background()

	a, err := repo.CreateCase(ctx, testMetadata(), "dr.osei")
	require.NoError(t, err)
	_, err = repo.AttachAIResult(ctx, a.ID, 90.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)

	metaB := testMetadata()
	metaB.PatientID = "PAT-11003"
	b, err := repo.CreateCase(ctx, metaB, "dr.osei")
	require.NoError(t, err)

	t.Run("by status", func(t *testing.T) {
		out, err := repo.ListCases(ctx, domain.CaseFilter{Status: domain.StatusProcessing})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, b.ID, out[0].ID)
	})

	t.Run("by risk", func(t *testing.T) {
		out, err := repo.ListCases(ctx, domain.CaseFilter{Risk: domain.RiskHigh})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, a.ID, out[0].ID)
	})

	t.Run("by search", func(t *testing.T) {
		out, err := repo.ListCases(ctx, domain.CaseFilter{Search: "pat-11003"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, b.ID, out[0].ID)
	})

	t.Run("unknown case id", func(t *testing.T) {
		_, err := repo.GetCase(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
