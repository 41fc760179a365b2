package authorization

import (
	"testing"

	"github.com/google/uuid"
)

func approvedResult(orderID uuid.UUID, confidence float64) *AnalysisResult {
	return &AnalysisResult{
		ID:         uuid.New(),
		OrderID:    orderID,
		Decision:   DecisionApproved,
		Confidence: confidence,
		Reasoning:  "sin observaciones",
	}
}

func TestPolicyEscalatesHighCostOrders(t *testing.T) {
	enforcer := NewPolicyEnforcer(100000)
	in := OrderInput{ID: uuid.New(), EstimatedCost: 150000, Diagnosis: "x", TreatmentPlan: "y"}
	result := approvedResult(in.ID, 0.9)

	enforcer.Apply(in, result)

	if result.Decision != DecisionRequiresReview {
		t.Fatalf("expected requires_review, got %s", result.Decision)
	}
	if result.Confidence != 0.9 {
		t.Fatalf("confidence must be unchanged, got %v", result.Confidence)
	}
	if !hasRiskFactor(result, RiskTypeHighCostOrder) {
		t.Fatal("expected HIGH_COST_ORDER risk factor")
	}
}

func TestPolicyLeavesOrdersUnderCeilingAlone(t *testing.T) {
	enforcer := NewPolicyEnforcer(100000)
	in := OrderInput{ID: uuid.New(), EstimatedCost: 99999, Diagnosis: "x", TreatmentPlan: "y"}
	result := approvedResult(in.ID, 0.9)

	enforcer.Apply(in, result)

	if result.Decision != DecisionApproved {
		t.Fatalf("expected approved, got %s", result.Decision)
	}
	if len(result.RiskFactors) != 0 {
		t.Fatalf("expected no risk factors, got %d", len(result.RiskFactors))
	}
}

func TestPolicyEscalatesUrgentEquipment(t *testing.T) {
	enforcer := NewPolicyEnforcer(100000)
	equipID := uuid.New()
	in := OrderInput{
		ID:            uuid.New(),
		Urgency:       4,
		Diagnosis:     "x",
		TreatmentPlan: "y",
		Items: []ItemInput{{
			ID:                equipID,
			Name:              "Silla de ruedas",
			ItemType:          ItemEquipment,
			RequestedQuantity: 1,
		}},
	}
	result := approvedResult(in.ID, 0.9)

	enforcer.Apply(in, result)

	if result.Decision != DecisionRequiresReview {
		t.Fatalf("expected requires_review, got %s", result.Decision)
	}
	if !hasRiskFactor(result, RiskTypeUrgentEquipment) {
		t.Fatal("expected URGENT_EQUIPMENT_REQUEST risk factor")
	}
}

func TestPolicyCapsConfidenceForComplexCases(t *testing.T) {
	enforcer := NewPolicyEnforcer(100000)
	items := make([]ItemInput, 11)
	for i := range items {
		items[i] = ItemInput{ID: uuid.New(), Name: "Gasa", ItemType: ItemSupply, RequestedQuantity: 1}
	}
	items = append(items, ItemInput{ID: uuid.New(), Name: "Nebulizador", ItemType: ItemEquipment, RequestedQuantity: 1})
	// Many items, equipment present and no diagnosis: three complexity signals.
	in := OrderInput{ID: uuid.New(), TreatmentPlan: "y", Items: items}
	result := approvedResult(in.ID, 0.95)

	enforcer.Apply(in, result)

	if result.Confidence != complexCaseConfidenceCap {
		t.Fatalf("expected confidence capped at %v, got %v", complexCaseConfidenceCap, result.Confidence)
	}
	if !hasRiskFactor(result, RiskTypeComplexCase) {
		t.Fatal("expected COMPLEX_CASE risk factor")
	}
}

func TestPolicyEscalatesLowConfidence(t *testing.T) {
	enforcer := NewPolicyEnforcer(100000)
	in := OrderInput{ID: uuid.New(), Diagnosis: "x", TreatmentPlan: "y"}
	result := approvedResult(in.ID, 0.4)

	enforcer.Apply(in, result)

	if result.Decision != DecisionRequiresReview {
		t.Fatalf("expected requires_review, got %s", result.Decision)
	}
	if len(result.Recommendations) == 0 {
		t.Fatal("expected a manual review recommendation")
	}
}

func TestPolicyNeverLoosensRejection(t *testing.T) {
	enforcer := NewPolicyEnforcer(100000)
	in := OrderInput{ID: uuid.New(), EstimatedCost: 150000}
	result := approvedResult(in.ID, 0.3)
	result.Decision = DecisionRejected

	enforcer.Apply(in, result)

	if result.Decision != DecisionRejected {
		t.Fatalf("rejection must stand, got %s", result.Decision)
	}
}

func TestPolicyIsMonotonic(t *testing.T) {
	// Once one rule escalates to requires_review, no later rule may change
	// it back even when its own trigger condition holds.
	enforcer := NewPolicyEnforcer(100000)
	in := OrderInput{ID: uuid.New(), EstimatedCost: 150000, Diagnosis: "x", TreatmentPlan: "y"}
	result := approvedResult(in.ID, 0.95)

	enforcer.Apply(in, result)
	first := result.Decision
	enforcer.Apply(in, result)

	if result.Decision != first {
		t.Fatalf("decision changed between passes: %s vs %s", first, result.Decision)
	}
	if result.Decision != DecisionRequiresReview {
		t.Fatalf("expected requires_review, got %s", result.Decision)
	}
}

func hasRiskFactor(result *AnalysisResult, riskType string) bool {
	for _, rf := range result.RiskFactors {
		if rf.Type == riskType {
			return true
		}
	}
	return false
}
