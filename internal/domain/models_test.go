package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTiradsFindingsNormalize(t *testing.T) {
	tests := []struct {
		name string
		foci []EchogenicFocus
		want []EchogenicFocus
	}{
		{
			name: "none alone is kept",
			foci: []EchogenicFocus{FocusNone},
			want: []EchogenicFocus{FocusNone},
		},
		{
			name: "none is discarded next to other selections",
			foci: []EchogenicFocus{FocusNone, FocusPunctate},
			want: []EchogenicFocus{FocusPunctate},
		},
		{
			name: "none discarded regardless of order",
			foci: []EchogenicFocus{FocusMacrocalcification, FocusNone, FocusPeripheralRim},
			want: []EchogenicFocus{FocusMacrocalcification, FocusPeripheralRim},
		},
		{
			name: "duplicates dropped",
			foci: []EchogenicFocus{FocusPunctate, FocusPunctate},
			want: []EchogenicFocus{FocusPunctate},
		},
		{
			name: "empty untouched",
			foci: nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := TiradsFindings{
				Composition:  CompositionSolid,
				Echogenicity: EchoHypoechoic,
				Shape:        ShapeWiderThanTall,
				Margin:       MarginSmooth,
				Foci:         tt.foci,
			}
			got := f.Normalize()
			assert.Equal(t, tt.want, got.Foci)
		})
	}
}

func TestTiradsFindingsValidate(t *testing.T) {
	valid := TiradsFindings{
		Composition:  CompositionSolid,
		Echogenicity: EchoVeryHypoechoic,
		Shape:        ShapeTallerThanWide,
		Margin:       MarginSmooth,
		Foci:         []EchogenicFocus{FocusMacrocalcification},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(f *TiradsFindings)
	}{
		{"missing composition", func(f *TiradsFindings) { f.Composition = "" }},
		{"missing echogenicity", func(f *TiradsFindings) { f.Echogenicity = "" }},
		{"missing shape", func(f *TiradsFindings) { f.Shape = "" }},
		{"missing margin", func(f *TiradsFindings) { f.Margin = "" }},
		{"empty foci", func(f *TiradsFindings) { f.Foci = nil }},
		{"unknown focus", func(f *TiradsFindings) { f.Foci = []EchogenicFocus{"rim-ish"} }},
		{"unknown composition", func(f *TiradsFindings) { f.Composition = "gelatinous" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			f.Foci = append([]EchogenicFocus(nil), valid.Foci...)
			tt.mutate(&f)
			err := f.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestCaseMetadataValidate(t *testing.T) {
	valid := CaseMetadata{
		PatientID: "PAT-1042",
		ExamDate:  time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		ImageRefs: []string{"img://scan-1"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(m *CaseMetadata)
	}{
		{"missing patient", func(m *CaseMetadata) { m.PatientID = "" }},
		{"missing exam date", func(m *CaseMetadata) { m.ExamDate = time.Time{} }},
		{"no images", func(m *CaseMetadata) { m.ImageRefs = nil }},
		{"empty image ref", func(m *CaseMetadata) { m.ImageRefs = []string{""} }},
		{"bad location", func(m *CaseMetadata) { m.NoduleLocation = "neck" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			m.ImageRefs = append([]string(nil), valid.ImageRefs...)
			tt.mutate(&m)
			err := m.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestCaseClone(t *testing.T) {
	now := time.Now().UTC()
	c := &Case{
		CaseNumber: "CASE-2026-0001",
		ImageRefs:  []string{"img://a"},
		AI:         &AIResult{Confidence: 91.5, RiskCategory: RiskHigh},
		Tirads: &TiradsAssessment{
			Findings: TiradsFindings{Foci: []EchogenicFocus{FocusPunctate}},
		},
		SignedAt: &now,
	}

	clone := c.Clone()
	clone.ImageRefs[0] = "img://b"
	clone.AI.Confidence = 1
	clone.Tirads.Findings.Foci[0] = FocusNone
	*clone.SignedAt = now.Add(time.Hour)

	assert.Equal(t, "img://a", c.ImageRefs[0])
	assert.Equal(t, 91.5, c.AI.Confidence)
	assert.Equal(t, FocusPunctate, c.Tirads.Findings.Foci[0])
	assert.True(t, c.SignedAt.Equal(now))
}
