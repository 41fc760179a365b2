package authorization

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	// complexityThreshold is the number of complexity signals that marks an
	// order as a complex case.
	complexityThreshold = 2

	// complexCaseConfidenceCap limits how confident the engine may claim to
	// be about a complex case.
	complexCaseConfidenceCap = 0.7

	// minAutoConfidence is the floor below which a result cannot stand
	// without a human auditor.
	minAutoConfidence = 0.6

	complexItemCount = 10
)

// PolicyEnforcer applies institutional business rules on top of the clinical
// analysis. Rules only tighten the decision: an order can be escalated to
// manual review, never loosened, and a rejection is already stricter than
// anything a rule would impose.
type PolicyEnforcer struct {
	costCeiling float64
}

// NewPolicyEnforcer creates an enforcer with the configured cost ceiling.
func NewPolicyEnforcer(costCeiling float64) *PolicyEnforcer {
	return &PolicyEnforcer{costCeiling: costCeiling}
}

// Apply mutates the result in place, evaluating every rule in a fixed order
// so repeated application over the same input is deterministic.
func (p *PolicyEnforcer) Apply(in OrderInput, result *AnalysisResult) {
	p.applyCostCeiling(in, result)
	p.applyUrgentEquipment(in, result)
	p.applyComplexity(in, result)
	p.applyConfidenceFloor(result)
}

// applyCostCeiling escalates orders whose estimated cost exceeds the ceiling.
func (p *PolicyEnforcer) applyCostCeiling(in OrderInput, result *AnalysisResult) {
	if p.costCeiling <= 0 || in.EstimatedCost <= p.costCeiling {
		return
	}

	p.escalate(result)
	result.RiskFactors = append(result.RiskFactors, RiskFactor{
		Type:  RiskTypeHighCostOrder,
		Level: RiskHigh,
		Description: fmt.Sprintf(
			"Costo estimado (%.2f) supera el límite institucional de %.2f",
			in.EstimatedCost, p.costCeiling,
		),
		ClinicalSignificance: SignificanceModerate,
	})
}

// applyUrgentEquipment escalates high-urgency orders that include capital
// equipment, which always needs an auditor regardless of the clinical call.
func (p *PolicyEnforcer) applyUrgentEquipment(in OrderInput, result *AnalysisResult) {
	if in.Urgency < 4 || !in.hasEquipment() {
		return
	}

	p.escalate(result)
	result.RiskFactors = append(result.RiskFactors, RiskFactor{
		Type:                 RiskTypeUrgentEquipment,
		Level:                RiskHigh,
		Description:          "Solicitud urgente de equipamiento; requiere validación de un auditor",
		ItemIDs:              equipmentItemIDs(in),
		ClinicalSignificance: SignificanceMajor,
	})
}

// applyComplexity caps the confidence of complex cases and flags them.
// Complexity signals: many line items, any equipment, missing diagnosis,
// missing treatment plan.
func (p *PolicyEnforcer) applyComplexity(in OrderInput, result *AnalysisResult) {
	score := 0
	if len(in.Items) > complexItemCount {
		score++
	}
	if in.hasEquipment() {
		score++
	}
	if in.Diagnosis == "" {
		score++
	}
	if in.TreatmentPlan == "" {
		score++
	}
	if score <= complexityThreshold {
		return
	}

	if result.Confidence > complexCaseConfidenceCap {
		result.Confidence = complexCaseConfidenceCap
	}
	result.RiskFactors = append(result.RiskFactors, RiskFactor{
		Type:                 RiskTypeComplexCase,
		Level:                RiskMedium,
		Description:          "Caso complejo: múltiples señales de complejidad en la orden",
		ClinicalSignificance: SignificanceModerate,
	})
}

// applyConfidenceFloor sends anything the engine is unsure about to a human.
func (p *PolicyEnforcer) applyConfidenceFloor(result *AnalysisResult) {
	if result.Confidence >= minAutoConfidence {
		return
	}

	p.escalate(result)
	result.Recommendations = append(result.Recommendations, Recommendation{
		Type:            "manual_review",
		Priority:        "high",
		Title:           "Confianza insuficiente del análisis automático",
		Description:     fmt.Sprintf("Confianza %.2f por debajo del mínimo %.2f", result.Confidence, minAutoConfidence),
		SuggestedAction: "Derivar la orden a un auditor médico",
	})
}

// escalate tightens the overall decision to requires_review. A rejection is
// left alone because it is already the stricter outcome.
func (p *PolicyEnforcer) escalate(result *AnalysisResult) {
	if result.Decision != DecisionRejected {
		result.Decision = DecisionRequiresReview
	}
}

func equipmentItemIDs(in OrderInput) []uuid.UUID {
	var ids []uuid.UUID
	for _, item := range in.Items {
		if item.ItemType == ItemEquipment {
			ids = append(ids, item.ID)
		}
	}
	return ids
}
