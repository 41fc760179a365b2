// Package authorization implements the medical order authorization engine:
// classifier response validation, the deterministic fallback analyzer, the
// business policy pass and the reconciliation pass. The engine consumes an
// order snapshot and always produces a structurally valid AnalysisResult.
package authorization

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of an analysis, at order or item level.
type Decision string

const (
	DecisionApproved       Decision = "approved"
	DecisionRejected       Decision = "rejected"
	DecisionPartial        Decision = "partial"
	DecisionRequiresReview Decision = "requires_review"
)

// ParseDecision validates a raw decision string against the enum.
func ParseDecision(raw string) (Decision, bool) {
	switch Decision(raw) {
	case DecisionApproved, DecisionRejected, DecisionPartial, DecisionRequiresReview:
		return Decision(raw), true
	}
	return "", false
}

// severityRank orders decisions from most to least severe for deriving the
// overall decision from item decisions.
func (d Decision) severityRank() int {
	switch d {
	case DecisionRejected:
		return 3
	case DecisionPartial:
		return 2
	case DecisionRequiresReview:
		return 1
	default:
		return 0
	}
}

// AnalysisType records which engine path produced a result.
type AnalysisType string

const (
	AnalysisAutomatic    AnalysisType = "automatic"
	AnalysisFallback     AnalysisType = "fallback"
	AnalysisManualReview AnalysisType = "manual_review"
)

// ItemType classifies an order line item.
type ItemType string

const (
	ItemMedication ItemType = "medication"
	ItemEquipment  ItemType = "equipment"
	ItemSupply     ItemType = "supply"
)

// RiskLevel grades a risk factor.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ClinicalSignificance grades the clinical weight of a risk factor.
type ClinicalSignificance string

const (
	SignificanceMinor           ClinicalSignificance = "minor"
	SignificanceModerate        ClinicalSignificance = "moderate"
	SignificanceMajor           ClinicalSignificance = "major"
	SignificanceContraindicated ClinicalSignificance = "contraindicated"
)

// Risk factor types produced by the engine.
const (
	RiskTypeParsingError         = "AI_PARSING_ERROR"
	RiskTypeHighCostOrder        = "HIGH_COST_ORDER"
	RiskTypeUrgentEquipment      = "URGENT_EQUIPMENT_REQUEST"
	RiskTypeComplexCase          = "COMPLEX_CASE"
	RiskTypeMedicalInconsistency = "MEDICAL_INCONSISTENCY"
)

// AnalysisResult is the order-level outcome of one authorization attempt.
// Exactly one result is current per order; older results are history.
type AnalysisResult struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	Decision     Decision
	Confidence   float64
	Reasoning    string
	AnalysisType AnalysisType
	ModelVersion string
	LatencyMs    int64
	CreatedAt    time.Time

	Items           []ItemAnalysis
	RiskFactors     []RiskFactor
	Recommendations []Recommendation
}

// ItemAnalysis is the per-line-item counterpart of the overall decision.
type ItemAnalysis struct {
	ItemID           uuid.UUID
	Decision         Decision
	ApprovedQuantity int
	Reasoning        string

	// Appropriateness scores, all in [0,1].
	MedicalScore           float64
	DosageScore            float64
	CostEffectivenessScore float64

	// Risk flags.
	DrugInteraction      bool
	DosageConcern        bool
	MedicalInconsistency bool
	CostConcern          bool
}

// RiskFactor describes one identified risk attached to an analysis.
type RiskFactor struct {
	Type                 string
	Level                RiskLevel
	Description          string
	ItemIDs              []uuid.UUID
	ClinicalSignificance ClinicalSignificance
}

// Recommendation is a suggested follow-up action attached to an analysis.
type Recommendation struct {
	Type            string
	Priority        string
	Title           string
	Description     string
	SuggestedAction string
	ItemIDs         []uuid.UUID
}

// OrderInput is the engine's read-only snapshot of an order under analysis.
type OrderInput struct {
	ID            uuid.UUID
	Urgency       int // 1..5
	Diagnosis     string
	Justification string
	TreatmentPlan string
	EstimatedCost float64
	Items         []ItemInput
}

// ItemInput is the engine's snapshot of one order line item.
type ItemInput struct {
	ID                uuid.UUID
	Name              string
	Category          string
	ItemType          ItemType
	Justification     string
	RequestedQuantity int
	UnitCost          float64
}

// itemByID returns the input item with the given id.
func (in OrderInput) itemByID(id uuid.UUID) (ItemInput, bool) {
	for _, item := range in.Items {
		if item.ID == id {
			return item, true
		}
	}
	return ItemInput{}, false
}

// hasEquipment reports whether any line item is capital equipment.
func (in OrderInput) hasEquipment() bool {
	for _, item := range in.Items {
		if item.ItemType == ItemEquipment {
			return true
		}
	}
	return false
}

// deriveOverallDecision picks the most severe item decision: any rejection
// rejects the order, any partial makes it partial, a full set of approvals
// approves it, anything else requires review.
func deriveOverallDecision(items []ItemAnalysis) Decision {
	if len(items) == 0 {
		return DecisionRequiresReview
	}

	worst := DecisionApproved
	allApproved := true
	for _, item := range items {
		if item.Decision != DecisionApproved {
			allApproved = false
		}
		if item.Decision.severityRank() > worst.severityRank() {
			worst = item.Decision
		}
	}

	switch {
	case worst == DecisionRejected:
		return DecisionRejected
	case worst == DecisionPartial:
		return DecisionPartial
	case allApproved:
		return DecisionApproved
	default:
		return DecisionRequiresReview
	}
}

// clampQuantity bounds an approved quantity to [0, requested].
func clampQuantity(approved, requested int) int {
	if approved < 0 {
		return 0
	}
	if approved > requested {
		return requested
	}
	return approved
}
