// Package ingest runs the automated analysis pipeline: it watches for
// freshly created cases and attaches the inference service's verdict.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/domain"
	"github.com/oncoscan/triage-server/pkg/external"
)

// CaseSource is the slice of the case repository the worker needs.
type CaseSource interface {
	ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error)
	AttachAIResult(ctx context.Context, id uuid.UUID, confidence float64, modelVersion, actor string) (*domain.Case, error)
}

// Analyzer is the inference client surface the worker uses.
type Analyzer interface {
	Analyze(ctx context.Context, req *external.AnalysisRequest) (*external.AnalysisResult, error)
}

// Worker polls for processing cases and runs them through the inference
// service. Results attach under the system actor; a case that gained a
// result between the list and the attach simply loses the race and is
// skipped.
type Worker struct {
	cases    CaseSource
	analyzer Analyzer
	interval time.Duration
	log      *logrus.Logger
}

// NewWorker creates a pipeline worker polling at the given interval.
func NewWorker(cases CaseSource, analyzer Analyzer, interval time.Duration, logger *logrus.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Worker{
		cases:    cases,
		analyzer: analyzer,
		interval: interval,
		log:      logger,
	}
}

// Run polls until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.log.WithField("interval", w.interval).Info("Analysis pipeline started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Analysis pipeline stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of pending cases.
func (w *Worker) RunOnce(ctx context.Context) {
	pending, err := w.cases.ListCases(ctx, domain.CaseFilter{Status: domain.StatusProcessing})
	if err != nil {
		w.log.WithError(err).Error("Failed to list pending cases")
		return
	}

	for _, c := range pending {
		if c.AI != nil {
			continue
		}
		w.process(ctx, c)
	}
}

func (w *Worker) process(ctx context.Context, c *domain.Case) {
	result, err := w.analyzer.Analyze(ctx, &external.AnalysisRequest{
		CaseNumber: c.CaseNumber,
		ImageRefs:  c.ImageRefs,
	})
	if err != nil {
		w.log.WithFields(logrus.Fields{
			"case_number": c.CaseNumber,
			"error":       err,
		}).Warn("Analysis failed; will retry on next cycle")
		return
	}
	if result.Pending {
		w.log.WithField("case_number", c.CaseNumber).Debug("Analysis still pending")
		return
	}

	_, err = w.cases.AttachAIResult(ctx, c.ID, result.Confidence, result.ModelVersion, domain.SystemActor)
	if err != nil {
		// Losing to a concurrent mutation is expected; anything else is not.
		kind, ok := domain.KindOf(err)
		if ok && (kind == domain.KindConflict || kind == domain.KindIllegalTransition) {
			w.log.WithFields(logrus.Fields{
				"case_number": c.CaseNumber,
				"kind":        kind,
			}).Debug("Case changed under the pipeline; skipping")
			return
		}
		w.log.WithFields(logrus.Fields{
			"case_number": c.CaseNumber,
			"error":       err,
		}).Error("Failed to attach analysis result")
		return
	}

	w.log.WithFields(logrus.Fields{
		"case_number": c.CaseNumber,
		"confidence":  result.Confidence,
	}).Info("Analysis result attached")
}
