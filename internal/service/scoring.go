// Package service implements the clinical rule engines: TI-RADS scoring,
// AI risk classification, and the case lifecycle state machine.
package service

import (
	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/domain"
)

// TiradsScore is the deterministic output of the scoring engine for one set
// of findings.
type TiradsScore struct {
	Points         int    `json:"points"`
	Category       int    `json:"category"` // 1..5
	Recommendation string `json:"recommendation"`
}

// Category recommendations per the ACR TI-RADS management table. Fixed
// strings keyed by category; categories 1 and 2 share the no-FNA text.
var recommendations = map[int]string{
	1: "No FNA required",
	2: "No FNA required",
	3: "FNA if ≥2.5cm, follow-up if ≥1.5cm",
	4: "FNA if ≥1.5cm, follow-up if ≥1cm",
	5: "FNA if ≥1cm, follow-up if ≥0.5cm",
}

// ScoringEngine derives TI-RADS points, category, and recommendation from a
// structured sonographic assessment. Pure: identical findings always produce
// identical output.
type ScoringEngine struct {
	logger *logrus.Logger
}

// NewScoringEngine creates a scoring engine.
func NewScoringEngine(logger *logrus.Logger) *ScoringEngine {
	return &ScoringEngine{logger: logger}
}

// Score computes the TI-RADS result for the findings. Findings are
// normalized first (the "none" focus is discarded next to other selections)
// and must be complete; incomplete or unknown values fail InvalidInput.
//
// Total points are the sum of the four single-select descriptors plus the
// maximum point value among selected foci; multiple foci never accumulate.
func (e *ScoringEngine) Score(findings domain.TiradsFindings) (*TiradsScore, error) {
	normalized := findings.Normalize()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	points := normalized.Composition.Points() +
		normalized.Echogenicity.Points() +
		normalized.Shape.Points() +
		normalized.Margin.Points() +
		maxFociPoints(normalized.Foci)

	category := categoryForPoints(points)

	result := &TiradsScore{
		Points:         points,
		Category:       category,
		Recommendation: recommendations[category],
	}

	e.logger.WithFields(logrus.Fields{
		"points":   result.Points,
		"category": result.Category,
	}).Debug("TI-RADS score computed")

	return result, nil
}

// maxFociPoints returns the highest point value among the selected foci.
func maxFociPoints(foci []domain.EchogenicFocus) int {
	max := 0
	for _, f := range foci {
		if p := f.Points(); p > max {
			max = p
		}
	}
	return max
}

// categoryForPoints maps total points onto the TI-RADS category using the
// fixed ACR boundary table. The boundaries are not an arithmetic function of
// the points; they are the published table.
func categoryForPoints(points int) int {
	switch {
	case points == 0:
		return 1
	case points <= 2:
		return 2
	case points == 3:
		return 3
	case points <= 6:
		return 4
	default:
		return 5
	}
}
