// Package domain contains the core entities and types for thyroid-ultrasound
// case triage: the case lifecycle, the ACR TI-RADS sonographic descriptors,
// the AI risk buckets, and the audit trail.
//
// Reference: Tessler et al. (2017) ACR Thyroid Imaging, Reporting and Data
// System (TI-RADS). J Am Coll Radiol. 14(5):587-595.
package domain

import "errors"

// CaseStatus represents the lifecycle state of a triage case.
type CaseStatus string

const (
	StatusProcessing     CaseStatus = "processing"
	StatusAwaitingReview CaseStatus = "awaiting_review"
	StatusCompleted      CaseStatus = "completed"
	StatusFlagged        CaseStatus = "flagged"
	StatusArchived       CaseStatus = "archived"
)

// ReportStatus represents the sub-state of a case report. Final is terminal:
// a finalized report is immutable.
type ReportStatus string

const (
	ReportDraft ReportStatus = "draft"
	ReportFinal ReportStatus = "final"
)

// RiskCategory is the bucket derived from the AI malignancy confidence score.
type RiskCategory string

const (
	RiskHigh   RiskCategory = "high"
	RiskMedium RiskCategory = "medium"
	RiskLow    RiskCategory = "low"
)

// NoduleLocation describes where the nodule was imaged. Empty means unset.
type NoduleLocation string

const (
	LocationRightLobe NoduleLocation = "right_lobe"
	LocationLeftLobe  NoduleLocation = "left_lobe"
	LocationIsthmus   NoduleLocation = "isthmus"
	LocationMultiple  NoduleLocation = "multiple"
)

// AuditAction is the closed set of state-changing actions recorded in the
// audit ledger. Every committed mutation maps to exactly one of these.
type AuditAction string

const (
	ActionCaseCreated      AuditAction = "case_created"
	ActionAIResultAttached AuditAction = "ai_result_attached"
	ActionTiradsSaved      AuditAction = "tirads_saved"
	ActionStatusChanged    AuditAction = "status_changed"
	ActionReportSigned     AuditAction = "report_signed"
	ActionCaseArchived     AuditAction = "case_archived"
)

// SystemActor is the actor recorded for mutations not initiated by a user,
// such as AI results delivered by the inference worker.
const SystemActor = "system"

// TI-RADS descriptor values. Each value carries a fixed point contribution;
// see Points on each type. The tables are fixed by the ACR lexicon and are
// not configurable.

// Composition describes the internal composition of the nodule.
type Composition string

const (
	CompositionCystic     Composition = "cystic"
	CompositionSpongiform Composition = "spongiform"
	CompositionMixed      Composition = "mixed"
	CompositionSolid      Composition = "solid"
)

// Echogenicity describes the nodule's echogenicity relative to parenchyma.
type Echogenicity string

const (
	EchoAnechoic       Echogenicity = "anechoic"
	EchoHyperechoic    Echogenicity = "hyperechoic"
	EchoHypoechoic     Echogenicity = "hypoechoic"
	EchoVeryHypoechoic Echogenicity = "very_hypoechoic"
)

// Shape describes the nodule's orientation on the transverse plane.
type Shape string

const (
	ShapeWiderThanTall  Shape = "wider_than_tall"
	ShapeTallerThanWide Shape = "taller_than_wide"
)

// Margin describes the nodule's border.
type Margin string

const (
	MarginSmooth         Margin = "smooth"
	MarginIllDefined     Margin = "ill_defined"
	MarginLobulated      Margin = "lobulated"
	MarginExtrathyroidal Margin = "extrathyroidal"
)

// EchogenicFocus describes echogenic foci within the nodule. Unlike the
// other descriptors it is multi-select; FocusNone is mutually exclusive with
// the rest.
type EchogenicFocus string

const (
	FocusNone               EchogenicFocus = "none"
	FocusMacrocalcification EchogenicFocus = "macrocalcification"
	FocusPeripheralRim      EchogenicFocus = "peripheral_rim"
	FocusPunctate           EchogenicFocus = "punctate"
)

// Validation sentinels for enum values.
var (
	ErrInvalidStatus       = errors.New("invalid case status")
	ErrInvalidReportStatus = errors.New("invalid report status")
	ErrInvalidRisk         = errors.New("invalid risk category")
	ErrInvalidLocation     = errors.New("invalid nodule location")
	ErrInvalidAction       = errors.New("invalid audit action")
	ErrInvalidFinding      = errors.New("invalid TI-RADS finding value")
)

// IsValid reports whether the status is a member of the closed set.
func (s CaseStatus) IsValid() bool {
	switch s {
	case StatusProcessing, StatusAwaitingReview, StatusCompleted, StatusFlagged, StatusArchived:
		return true
	default:
		return false
	}
}

func (s CaseStatus) String() string { return string(s) }

// IsTerminal reports whether no further status transition is possible.
func (s CaseStatus) IsTerminal() bool { return s == StatusArchived }

// IsValid reports whether the report status is a member of the closed set.
func (r ReportStatus) IsValid() bool {
	return r == ReportDraft || r == ReportFinal
}

func (r ReportStatus) String() string { return string(r) }

// IsValid reports whether the risk category is a member of the closed set.
func (r RiskCategory) IsValid() bool {
	switch r {
	case RiskHigh, RiskMedium, RiskLow:
		return true
	default:
		return false
	}
}

func (r RiskCategory) String() string { return string(r) }

// IsValid reports whether the location is known. The empty value is allowed
// on a Case (location unset) but is not itself a valid location.
func (l NoduleLocation) IsValid() bool {
	switch l {
	case LocationRightLobe, LocationLeftLobe, LocationIsthmus, LocationMultiple:
		return true
	default:
		return false
	}
}

// IsValid reports whether the action is a member of the closed set.
func (a AuditAction) IsValid() bool {
	switch a {
	case ActionCaseCreated, ActionAIResultAttached, ActionTiradsSaved,
		ActionStatusChanged, ActionReportSigned, ActionCaseArchived:
		return true
	default:
		return false
	}
}

func (a AuditAction) String() string { return string(a) }

// Points returns the fixed TI-RADS point value for the composition.
func (c Composition) Points() int {
	switch c {
	case CompositionCystic:
		return 0
	case CompositionSpongiform:
		return 1
	case CompositionMixed, CompositionSolid:
		return 2
	default:
		return 0
	}
}

// IsValid reports whether the composition is a member of the lexicon.
func (c Composition) IsValid() bool {
	switch c {
	case CompositionCystic, CompositionSpongiform, CompositionMixed, CompositionSolid:
		return true
	default:
		return false
	}
}

// Points returns the fixed TI-RADS point value for the echogenicity.
func (e Echogenicity) Points() int {
	switch e {
	case EchoAnechoic:
		return 0
	case EchoHyperechoic:
		return 1
	case EchoHypoechoic:
		return 2
	case EchoVeryHypoechoic:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether the echogenicity is a member of the lexicon.
func (e Echogenicity) IsValid() bool {
	switch e {
	case EchoAnechoic, EchoHyperechoic, EchoHypoechoic, EchoVeryHypoechoic:
		return true
	default:
		return false
	}
}

// Points returns the fixed TI-RADS point value for the shape.
func (s Shape) Points() int {
	if s == ShapeTallerThanWide {
		return 3
	}
	return 0
}

// IsValid reports whether the shape is a member of the lexicon.
func (s Shape) IsValid() bool {
	return s == ShapeWiderThanTall || s == ShapeTallerThanWide
}

// Points returns the fixed TI-RADS point value for the margin.
func (m Margin) Points() int {
	switch m {
	case MarginSmooth, MarginIllDefined:
		return 0
	case MarginLobulated:
		return 2
	case MarginExtrathyroidal:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether the margin is a member of the lexicon.
func (m Margin) IsValid() bool {
	switch m {
	case MarginSmooth, MarginIllDefined, MarginLobulated, MarginExtrathyroidal:
		return true
	default:
		return false
	}
}

// Points returns the fixed TI-RADS point value for the focus.
func (f EchogenicFocus) Points() int {
	switch f {
	case FocusNone:
		return 0
	case FocusMacrocalcification:
		return 1
	case FocusPeripheralRim:
		return 2
	case FocusPunctate:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether the focus is a member of the lexicon.
func (f EchogenicFocus) IsValid() bool {
	switch f {
	case FocusNone, FocusMacrocalcification, FocusPeripheralRim, FocusPunctate:
		return true
	default:
		return false
	}
}
