package authorization

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestAnalyzer() *FallbackAnalyzer {
	return NewFallbackAnalyzer(DefaultKeywordTables())
}

func TestFallbackApprovesAntibioticForInfection(t *testing.T) {
	analyzer := newTestAnalyzer()
	itemID := uuid.New()

	result := analyzer.Analyze(OrderInput{
		ID:            uuid.New(),
		Urgency:       2,
		Diagnosis:     "Faringitis",
		Justification: "Faringitis bacteriana",
		Items: []ItemInput{{
			ID:                itemID,
			Name:              "Amoxicilina 500mg",
			ItemType:          ItemMedication,
			RequestedQuantity: 20,
		}},
	})

	if result.Decision != DecisionApproved {
		t.Fatalf("expected overall approved, got %s", result.Decision)
	}
	if result.Confidence != 0.85 {
		t.Fatalf("expected confidence 0.85, got %v", result.Confidence)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected 1 item analysis, got %d", len(result.Items))
	}
	item := result.Items[0]
	if item.Decision != DecisionApproved {
		t.Fatalf("expected item approved, got %s", item.Decision)
	}
	if item.ApprovedQuantity != 20 {
		t.Fatalf("expected approved quantity 20, got %d", item.ApprovedQuantity)
	}
}

func TestFallbackRejectsCardiovascularForFracture(t *testing.T) {
	analyzer := newTestAnalyzer()
	itemID := uuid.New()

	result := analyzer.Analyze(OrderInput{
		ID:        uuid.New(),
		Urgency:   2,
		Diagnosis: "Fractura de tibia",
		Items: []ItemInput{{
			ID:                itemID,
			Name:              "Losartán 50mg",
			ItemType:          ItemMedication,
			RequestedQuantity: 30,
		}},
	})

	if result.Decision != DecisionRejected {
		t.Fatalf("expected overall rejected, got %s", result.Decision)
	}
	if result.Confidence != 0.8 {
		t.Fatalf("expected confidence 0.8, got %v", result.Confidence)
	}
	if result.Items[0].Decision != DecisionRejected {
		t.Fatalf("expected item rejected, got %s", result.Items[0].Decision)
	}
	if result.Items[0].ApprovedQuantity != 0 {
		t.Fatalf("expected approved quantity 0, got %d", result.Items[0].ApprovedQuantity)
	}
	if !result.Items[0].MedicalInconsistency {
		t.Fatal("expected medical inconsistency flag on the item")
	}

	found := false
	for _, rf := range result.RiskFactors {
		if rf.Type == RiskTypeMedicalInconsistency {
			found = true
			if rf.Level != RiskHigh {
				t.Fatalf("expected high risk level, got %s", rf.Level)
			}
		}
	}
	if !found {
		t.Fatal("expected a medical inconsistency risk factor")
	}
}

func TestFallbackCapsMedicationQuantity(t *testing.T) {
	analyzer := newTestAnalyzer()

	result := analyzer.Analyze(OrderInput{
		ID:            uuid.New(),
		Diagnosis:     "Faringitis",
		Justification: "Faringitis bacteriana",
		Items: []ItemInput{{
			ID:                uuid.New(),
			Name:              "Amoxicilina 500mg",
			ItemType:          ItemMedication,
			RequestedQuantity: 100,
		}},
	})

	item := result.Items[0]
	if item.Decision != DecisionPartial {
		t.Fatalf("expected partial decision, got %s", item.Decision)
	}
	if item.ApprovedQuantity != maxMedicationQuantity {
		t.Fatalf("expected approved quantity %d, got %d", maxMedicationQuantity, item.ApprovedQuantity)
	}
	if !item.DosageConcern {
		t.Fatal("expected dosage concern flag")
	}
	if result.Decision != DecisionPartial {
		t.Fatalf("expected overall partial, got %s", result.Decision)
	}
}

func TestFallbackUnmatchedItemRequiresReview(t *testing.T) {
	analyzer := newTestAnalyzer()

	result := analyzer.Analyze(OrderInput{
		ID:        uuid.New(),
		Diagnosis: "Control de rutina",
		Items: []ItemInput{{
			ID:                uuid.New(),
			Name:              "Vitamina D",
			ItemType:          ItemMedication,
			RequestedQuantity: 10,
		}},
	})

	if result.Decision != DecisionRequiresReview {
		t.Fatalf("expected overall requires_review, got %s", result.Decision)
	}
	if result.Confidence != 0.6 {
		t.Fatalf("expected base confidence 0.6, got %v", result.Confidence)
	}
}

func TestFallbackSynthesizedEntryResetsQuantity(t *testing.T) {
	analyzer := newTestAnalyzer()
	order := OrderInput{
		ID:        uuid.New(),
		Diagnosis: "Control de rutina",
	}
	item := ItemInput{
		ID:                uuid.New(),
		Name:              "Vitamina D",
		ItemType:          ItemMedication,
		RequestedQuantity: 100,
	}

	analysis := analyzer.AnalyzeItem(item, order)

	if analysis.Decision != DecisionRequiresReview {
		t.Fatalf("expected requires_review, got %s", analysis.Decision)
	}
	if analysis.ApprovedQuantity != 0 {
		t.Fatalf("expected no approved quantity on a review entry, got %d", analysis.ApprovedQuantity)
	}
	if strings.Contains(analysis.Reasoning, "aprobación parcial") {
		t.Fatalf("review entry must not claim a partial approval: %q", analysis.Reasoning)
	}
	if !strings.Contains(analysis.Reasoning, "requiere revisión manual") {
		t.Fatalf("expected manual review wording, got %q", analysis.Reasoning)
	}
	if !analysis.DosageConcern {
		t.Fatal("expected dosage concern flag retained")
	}
}

func TestFallbackIsDeterministic(t *testing.T) {
	analyzer := newTestAnalyzer()
	in := OrderInput{
		ID:            uuid.New(),
		Diagnosis:     "Faringitis bacteriana",
		Justification: "Infección confirmada por cultivo",
		Items: []ItemInput{
			{ID: uuid.New(), Name: "Amoxicilina 500mg", ItemType: ItemMedication, RequestedQuantity: 20},
			{ID: uuid.New(), Name: "Losartán 50mg", ItemType: ItemMedication, RequestedQuantity: 30},
		},
	}

	first := analyzer.Analyze(in)
	second := analyzer.Analyze(in)

	if first.Decision != second.Decision {
		t.Fatalf("decisions differ: %s vs %s", first.Decision, second.Decision)
	}
	if first.Confidence != second.Confidence {
		t.Fatalf("confidences differ: %v vs %v", first.Confidence, second.Confidence)
	}
	for i := range first.Items {
		if first.Items[i].Decision != second.Items[i].Decision {
			t.Fatalf("item %d decisions differ", i)
		}
		if first.Items[i].Reasoning != second.Items[i].Reasoning {
			t.Fatalf("item %d reasoning differs", i)
		}
	}
}
