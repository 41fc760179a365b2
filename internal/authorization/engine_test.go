package authorization

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"medorders_backend/internal/authorization/classifier"
)

type stubGateway struct {
	text string
	err  error
}

func (s *stubGateway) Complete(ctx context.Context, prompt string) (classifier.Completion, error) {
	if s.err != nil {
		return classifier.Completion{}, s.err
	}
	return classifier.Completion{Text: s.text, ModelVersion: "stub-model", Latency: 10 * time.Millisecond}, nil
}

func newTestEngine(gateway Gateway) *Engine {
	return NewEngine(gateway, newTestAnalyzer(), NewPolicyEnforcer(100000), nil)
}

func TestEngineFallsBackWhenGatewayErrors(t *testing.T) {
	in, _, _ := twoItemOrder()
	engine := newTestEngine(&stubGateway{err: errors.New("connection refused")})

	result := engine.Analyze(context.Background(), in)

	if result.AnalysisType != AnalysisFallback {
		t.Fatalf("expected fallback analysis, got %s", result.AnalysisType)
	}
	if result.ModelVersion != fallbackModelVersion {
		t.Fatalf("expected fallback model version, got %q", result.ModelVersion)
	}
}

func TestEngineFallsBackOnUnusableCompletion(t *testing.T) {
	in, _, _ := twoItemOrder()
	engine := newTestEngine(&stubGateway{text: "no puedo ayudar con eso"})

	result := engine.Analyze(context.Background(), in)

	if result.AnalysisType != AnalysisFallback {
		t.Fatalf("expected fallback analysis, got %s", result.AnalysisType)
	}
}

func TestEngineWithoutGatewayUsesHeuristics(t *testing.T) {
	in, _, _ := twoItemOrder()
	engine := newTestEngine(nil)

	result := engine.Analyze(context.Background(), in)

	if result.AnalysisType != AnalysisFallback {
		t.Fatalf("expected fallback analysis, got %s", result.AnalysisType)
	}
}

func TestEngineEscalatesHighCostDespiteApproval(t *testing.T) {
	in, itemA, itemB := twoItemOrder()
	in.EstimatedCost = 150000
	raw := fmt.Sprintf(
		`{"decision":"approved","confidence":0.9,"reasoning":"Orden consistente",`+
			`"items":[{"itemId":%q,"decision":"approved","approvedQuantity":20,"reasoning":"ok"},`+
			`{"itemId":%q,"decision":"approved","approvedQuantity":15,"reasoning":"ok"}]}`, itemA, itemB)
	engine := newTestEngine(&stubGateway{text: raw})

	result := engine.Analyze(context.Background(), in)

	if result.AnalysisType != AnalysisAutomatic {
		t.Fatalf("expected automatic analysis, got %s", result.AnalysisType)
	}
	if result.Decision != DecisionRequiresReview {
		t.Fatalf("expected requires_review, got %s", result.Decision)
	}
	if result.Confidence != 0.9 {
		t.Fatalf("expected confidence unchanged at 0.9, got %v", result.Confidence)
	}
	if !hasRiskFactor(result, RiskTypeHighCostOrder) {
		t.Fatal("expected HIGH_COST_ORDER risk factor")
	}
}

func TestEnginePromotesReviewItemsOnApprovedOrder(t *testing.T) {
	in, itemA, itemB := twoItemOrder()
	raw := fmt.Sprintf(
		`{"decision":"approved","confidence":0.9,"reasoning":"Orden consistente",`+
			`"items":[{"itemId":%q,"decision":"approved","approvedQuantity":20,"reasoning":"ok"},`+
			`{"itemId":%q,"decision":"requires_review","approvedQuantity":0,"reasoning":"dudoso"}]}`, itemA, itemB)
	engine := newTestEngine(&stubGateway{text: raw})

	result := engine.Analyze(context.Background(), in)

	if result.Decision != DecisionApproved {
		t.Fatalf("expected approved, got %s", result.Decision)
	}
	var promoted *ItemAnalysis
	for i := range result.Items {
		if result.Items[i].ItemID == itemB {
			promoted = &result.Items[i]
		}
	}
	if promoted == nil {
		t.Fatal("second item missing from result")
	}
	if promoted.Decision != DecisionApproved {
		t.Fatalf("expected promoted item approved, got %s", promoted.Decision)
	}
	if promoted.ApprovedQuantity != 15 {
		t.Fatalf("expected requested quantity 15, got %d", promoted.ApprovedQuantity)
	}
}

func TestEngineQuantityInvariantHolds(t *testing.T) {
	in, itemA, itemB := twoItemOrder()
	raw := fmt.Sprintf(
		`{"decision":"partial","confidence":0.8,"reasoning":"ajustes",`+
			`"items":[{"itemId":%q,"decision":"partial","approvedQuantity":500,"reasoning":"x"},`+
			`{"itemId":%q,"decision":"partial","approvedQuantity":-2,"reasoning":"x"}]}`, itemA, itemB)
	engine := newTestEngine(&stubGateway{text: raw})

	result := engine.Analyze(context.Background(), in)

	for _, item := range result.Items {
		requested := 0
		if input, ok := in.itemByID(item.ItemID); ok {
			requested = input.RequestedQuantity
		}
		if item.ApprovedQuantity < 0 || item.ApprovedQuantity > requested {
			t.Fatalf("quantity invariant violated for %s: approved=%d requested=%d",
				item.ItemID, item.ApprovedQuantity, requested)
		}
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", result.Confidence)
	}
}

func TestEngineAlwaysReturnsResultForEveryItem(t *testing.T) {
	in := OrderInput{
		ID:        uuid.New(),
		Diagnosis: "Fractura de tibia",
		Items: []ItemInput{
			{ID: uuid.New(), Name: "Losartán 50mg", ItemType: ItemMedication, RequestedQuantity: 30},
			{ID: uuid.New(), Name: "Muleta", ItemType: ItemEquipment, RequestedQuantity: 2},
		},
	}
	engine := newTestEngine(&stubGateway{err: errors.New("timeout")})

	result := engine.Analyze(context.Background(), in)

	if result == nil {
		t.Fatal("engine must always produce a result")
	}
	if len(result.Items) != len(in.Items) {
		t.Fatalf("expected %d item analyses, got %d", len(in.Items), len(result.Items))
	}
}
