package service

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/domain"
)

// RiskAssessment is the deterministic output of the classifier for one
// confidence score.
type RiskAssessment struct {
	Bucket         domain.RiskCategory `json:"bucket"`
	Interpretation string              `json:"interpretation"`
}

// Fixed interpretation text per bucket, shown to clinicians alongside the
// raw confidence.
var interpretations = map[domain.RiskCategory]string{
	domain.RiskHigh:   "High suspicion of malignancy; prioritize clinician review",
	domain.RiskMedium: "Indeterminate; clinician review and TI-RADS assessment required",
	domain.RiskLow:    "Low suspicion of malignancy; routine review",
}

// RiskClassifier maps an AI malignancy confidence score onto a risk bucket.
// Pure and idempotent; it replaces the upstream model's opaque output with a
// fixed, auditable threshold table.
type RiskClassifier struct {
	logger *logrus.Logger
}

// NewRiskClassifier creates a risk classifier.
func NewRiskClassifier(logger *logrus.Logger) *RiskClassifier {
	return &RiskClassifier{logger: logger}
}

// Classify buckets the confidence score: >= 80 high, [50, 80) medium,
// < 50 low. Confidence must be a finite number in [0, 100]; anything else
// fails InvalidInput.
func (c *RiskClassifier) Classify(confidence float64) (*RiskAssessment, error) {
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return nil, domain.NewError(domain.KindInvalidInput, "confidence must be a finite number")
	}
	if confidence < 0 || confidence > 100 {
		return nil, domain.NewErrorf(domain.KindInvalidInput,
			"confidence %.3f outside [0, 100]", confidence)
	}

	var bucket domain.RiskCategory
	switch {
	case confidence >= 80:
		bucket = domain.RiskHigh
	case confidence >= 50:
		bucket = domain.RiskMedium
	default:
		bucket = domain.RiskLow
	}

	c.logger.WithFields(logrus.Fields{
		"confidence": confidence,
		"bucket":     bucket,
	}).Debug("risk bucket derived")

	return &RiskAssessment{
		Bucket:         bucket,
		Interpretation: interpretations[bucket],
	}, nil
}
