package service

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncoscan/triage-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestScoreWorkedExamples(t *testing.T) {
	engine := NewScoringEngine(testLogger())

	tests := []struct {
		name         string
		findings     domain.TiradsFindings
		wantPoints   int
		wantCategory int
		wantRec      string
	}{
		{
			name: "highly suspicious solid nodule",
			findings: domain.TiradsFindings{
				Composition:  domain.CompositionSolid,       // 2
				Echogenicity: domain.EchoVeryHypoechoic,     // 3
				Shape:        domain.ShapeTallerThanWide,    // 3
				Margin:       domain.MarginSmooth,           // 0
				Foci:         []domain.EchogenicFocus{domain.FocusMacrocalcification, domain.FocusPunctate}, // max 3
			},
			wantPoints:   11,
			wantCategory: 5,
			wantRec:      "FNA if ≥1cm, follow-up if ≥0.5cm",
		},
		{
			name: "benign cystic nodule",
			findings: domain.TiradsFindings{
				Composition:  domain.CompositionCystic,
				Echogenicity: domain.EchoAnechoic,
				Shape:        domain.ShapeWiderThanTall,
				Margin:       domain.MarginSmooth,
				Foci:         []domain.EchogenicFocus{domain.FocusNone},
			},
			wantPoints:   0,
			wantCategory: 1,
			wantRec:      "No FNA required",
		},
		{
			name: "moderate spongiform nodule",
			findings: domain.TiradsFindings{
				Composition:  domain.CompositionSpongiform, // 1
				Echogenicity: domain.EchoHyperechoic,       // 1
				Shape:        domain.ShapeWiderThanTall,    // 0
				Margin:       domain.MarginIllDefined,      // 0
				Foci:         []domain.EchogenicFocus{domain.FocusMacrocalcification}, // 1
			},
			wantPoints:   3,
			wantCategory: 3,
			wantRec:      "FNA if ≥2.5cm, follow-up if ≥1.5cm",
		},
		{
			name: "mixed nodule lands in category 4",
			findings: domain.TiradsFindings{
				Composition:  domain.CompositionMixed,   // 2
				Echogenicity: domain.EchoHypoechoic,     // 2
				Shape:        domain.ShapeWiderThanTall, // 0
				Margin:       domain.MarginLobulated,    // 2
				Foci:         []domain.EchogenicFocus{domain.FocusNone}, // 0
			},
			wantPoints:   6,
			wantCategory: 4,
			wantRec:      "FNA if ≥1.5cm, follow-up if ≥1cm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Score(tt.findings)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPoints, got.Points)
			assert.Equal(t, tt.wantCategory, got.Category)
			assert.Equal(t, tt.wantRec, got.Recommendation)
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	engine := NewScoringEngine(testLogger())
	findings := domain.TiradsFindings{
		Composition:  domain.CompositionSolid,
		Echogenicity: domain.EchoHypoechoic,
		Shape:        domain.ShapeTallerThanWide,
		Margin:       domain.MarginExtrathyroidal,
		Foci:         []domain.EchogenicFocus{domain.FocusPeripheralRim, domain.FocusMacrocalcification},
	}

	first, err := engine.Score(findings)
	require.NoError(t, err)
	second, err := engine.Score(findings)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScoreFociMaxNotSum(t *testing.T) {
	engine := NewScoringEngine(testLogger())
	got, err := engine.Score(domain.TiradsFindings{
		Composition:  domain.CompositionCystic,
		Echogenicity: domain.EchoAnechoic,
		Shape:        domain.ShapeWiderThanTall,
		Margin:       domain.MarginSmooth,
		Foci: []domain.EchogenicFocus{
			domain.FocusMacrocalcification, // 1
			domain.FocusPeripheralRim,      // 2
			domain.FocusPunctate,           // 3
		},
	})
	require.NoError(t, err)
	// 1+2+3 would be 6; only the maximum counts.
	assert.Equal(t, 3, got.Points)
}

func TestScoreDiscardsNoneAmongOtherFoci(t *testing.T) {
	engine := NewScoringEngine(testLogger())
	got, err := engine.Score(domain.TiradsFindings{
		Composition:  domain.CompositionCystic,
		Echogenicity: domain.EchoAnechoic,
		Shape:        domain.ShapeWiderThanTall,
		Margin:       domain.MarginSmooth,
		Foci:         []domain.EchogenicFocus{domain.FocusNone, domain.FocusMacrocalcification},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Points)
	assert.Equal(t, 2, got.Category)
}

func TestScoreCategoryBoundaries(t *testing.T) {
	tests := []struct {
		points   int
		category int
	}{
		{0, 1}, {1, 2}, {2, 2}, {3, 3}, {4, 4}, {6, 4}, {7, 5}, {14, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.category, categoryForPoints(tt.points),
			"points=%d", tt.points)
	}
}

func TestScoreRejectsIncompleteFindings(t *testing.T) {
	engine := NewScoringEngine(testLogger())
	_, err := engine.Score(domain.TiradsFindings{
		Composition:  domain.CompositionSolid,
		Echogenicity: domain.EchoHypoechoic,
		// shape and margin missing
		Foci: []domain.EchogenicFocus{domain.FocusNone},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
