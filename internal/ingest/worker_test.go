package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncoscan/triage-server/internal/domain"
	"github.com/oncoscan/triage-server/internal/repository"
	"github.com/oncoscan/triage-server/internal/service"
	"github.com/oncoscan/triage-server/pkg/external"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type stubAnalyzer struct {
	result *external.AnalysisResult
	err    error
	calls  int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, req *external.AnalysisRequest) (*external.AnalysisResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newTestRepo(t *testing.T) *repository.CaseRepository {
	t.Helper()
	logger := testLogger()
	return repository.NewCaseRepository(
		repository.NewMemoryStore(),
		service.NewScoringEngine(logger),
		service.NewRiskClassifier(logger),
		service.NewCaseStateMachine(true),
		logger,
	)
}

func createCase(t *testing.T, repo *repository.CaseRepository) *domain.Case {
	t.Helper()
	c, err := repo.CreateCase(context.Background(), &domain.CaseMetadata{
		PatientID: "PAT-88412",
		ExamDate:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ImageRefs: []string{"us/pat-88412-001.dcm"},
	}, "dr.osei")
	require.NoError(t, err)
	return c
}

func TestWorkerAttachesResult(t *testing.T) {
	repo := newTestRepo(t)
	c := createCase(t, repo)

	analyzer := &stubAnalyzer{result: &external.AnalysisResult{
		Confidence:   83.0,
		ModelVersion: "thyrnet-2.3",
	}}
	worker := NewWorker(repo, analyzer, time.Second, testLogger())
	worker.RunOnce(context.Background())

	updated, err := repo.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingReview, updated.Status)
	require.NotNil(t, updated.AI)
	assert.Equal(t, 83.0, updated.AI.Confidence)
	assert.Equal(t, domain.RiskHigh, updated.AI.RiskCategory)

	records, err := repo.QueryAudit(context.Background(), domain.AuditQuery{CaseID: c.ID})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.ActionAIResultAttached, records[1].Action)
	assert.Equal(t, domain.SystemActor, records[1].Actor)
}

func TestWorkerSkipsPendingResults(t *testing.T) {
	repo := newTestRepo(t)
	c := createCase(t, repo)

	analyzer := &stubAnalyzer{result: &external.AnalysisResult{Pending: true}}
	worker := NewWorker(repo, analyzer, time.Second, testLogger())
	worker.RunOnce(context.Background())

	updated, err := repo.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, updated.Status)
	assert.Nil(t, updated.AI)
}

func TestWorkerRetriesAfterFailure(t *testing.T) {
	repo := newTestRepo(t)
	c := createCase(t, repo)

	analyzer := &stubAnalyzer{err: errors.New("inference unavailable")}
	worker := NewWorker(repo, analyzer, time.Second, testLogger())

	worker.RunOnce(context.Background())
	updated, err := repo.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.AI)

	// The service recovers; the next cycle picks the case up again.
	analyzer.err = nil
	analyzer.result = &external.AnalysisResult{Confidence: 20.0, ModelVersion: "thyrnet-2.3"}
	worker.RunOnce(context.Background())

	updated, err = repo.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.AI)
	assert.Equal(t, domain.RiskLow, updated.AI.RiskCategory)
	assert.Equal(t, 2, analyzer.calls)
}

func TestWorkerIgnoresCasesWithResults(t *testing.T) {
	repo := newTestRepo(t)
	c := createCase(t, repo)

	_, err := repo.AttachAIResult(context.Background(), c.ID, 40.0, "thyrnet-2.3", domain.SystemActor)
	require.NoError(t, err)

	analyzer := &stubAnalyzer{result: &external.AnalysisResult{Confidence: 99.0}}
	worker := NewWorker(repo, analyzer, time.Second, testLogger())
	worker.RunOnce(context.Background())

	assert.Equal(t, 0, analyzer.calls)
}
