package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"medorders_backend/internal/authorization"
	"medorders_backend/internal/orders/domain"
	"medorders_backend/internal/orders/repository"
	"medorders_backend/internal/orders/transport"
	"medorders_backend/platform/apperr"
)

// fakeRepo is an in-memory Repository for exercising the lifecycle logic.
type fakeRepo struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]repository.MedicalOrder
	analyses map[uuid.UUID]*authorization.AnalysisResult
	history  map[uuid.UUID][]repository.HistoryEvent
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:   make(map[uuid.UUID]repository.MedicalOrder),
		analyses: make(map[uuid.UUID]*authorization.AnalysisResult),
		history:  make(map[uuid.UUID][]repository.HistoryEvent),
	}
}

func (f *fakeRepo) CreateOrder(_ context.Context, params repository.CreateOrderParams) (repository.MedicalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	order := repository.MedicalOrder{
		ID:            uuid.New(),
		PatientID:     params.PatientID,
		ProviderID:    params.ProviderID,
		Status:        domain.StatusPending,
		Urgency:       params.Urgency,
		Diagnosis:     params.Diagnosis,
		Justification: params.Justification,
		TreatmentPlan: params.TreatmentPlan,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range params.Items {
		order.EstimatedCost += item.UnitCost * float64(item.RequestedQuantity)
		order.Items = append(order.Items, repository.MedicalOrderItem{
			ID:                uuid.New(),
			OrderID:           order.ID,
			Name:              item.Name,
			Category:          item.Category,
			ItemType:          item.ItemType,
			Justification:     item.Justification,
			RequestedQuantity: item.RequestedQuantity,
			UnitCost:          item.UnitCost,
		})
	}
	f.orders[order.ID] = order
	f.history[order.ID] = append(f.history[order.ID], repository.HistoryEvent{
		ID: uuid.New(), OrderID: order.ID, Action: domain.HistoryOrderCreated, CreatedAt: now,
	})
	return order, nil
}

func (f *fakeRepo) GetOrder(_ context.Context, id uuid.UUID) (repository.MedicalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return repository.MedicalOrder{}, apperr.NotFound("medical order not found")
	}
	return order, nil
}

func (f *fakeRepo) ListOrders(_ context.Context, _ repository.ListOrdersParams) ([]repository.MedicalOrder, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []repository.MedicalOrder
	for _, order := range f.orders {
		orders = append(orders, order)
	}
	return orders, len(orders), nil
}

func (f *fakeRepo) SaveAnalysis(_ context.Context, result *authorization.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *result
	f.analyses[result.ID] = &stored
	return nil
}

func (f *fakeRepo) GetAnalysis(_ context.Context, id uuid.UUID) (*authorization.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.analyses[id]
	if !ok {
		return nil, apperr.NotFound("analysis not found")
	}
	copied := *result
	copied.Items = append([]authorization.ItemAnalysis(nil), result.Items...)
	return &copied, nil
}

func (f *fakeRepo) GetCurrentAnalysis(ctx context.Context, orderID uuid.UUID) (*authorization.AnalysisResult, error) {
	order, err := f.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CurrentAnalysisID == nil {
		return nil, apperr.NotFound("analysis not found")
	}
	return f.GetAnalysis(ctx, *order.CurrentAnalysisID)
}

func (f *fakeRepo) ListAnalyses(_ context.Context, orderID uuid.UUID) ([]*authorization.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []*authorization.AnalysisResult
	for _, result := range f.analyses {
		if result.OrderID == orderID {
			results = append(results, result)
		}
	}
	return results, nil
}

func (f *fakeRepo) UpdateAnalysisReconciliation(_ context.Context, result *authorization.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.analyses[result.ID]
	if !ok {
		return apperr.NotFound("analysis not found")
	}
	stored.Decision = result.Decision
	stored.Reasoning = result.Reasoning
	stored.Items = append([]authorization.ItemAnalysis(nil), result.Items...)
	return nil
}

func (f *fakeRepo) CommitAnalysis(_ context.Context, params repository.CommitAnalysisParams) (repository.MedicalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[params.OrderID]
	if !ok {
		return repository.MedicalOrder{}, apperr.NotFound("medical order not found")
	}
	if order.Version != params.ExpectedVersion {
		return repository.MedicalOrder{}, apperr.Conflict("order was modified concurrently")
	}

	order.Status = params.Status
	analysisID := params.AnalysisID
	order.CurrentAnalysisID = &analysisID
	order.AuthorizationStatus = params.AuthorizationStatus
	order.AuthorizationType = params.AuthorizationType
	order.Version++
	for i := range order.Items {
		if qty, ok := params.ItemQuantities[order.Items[i].ID]; ok {
			q := qty
			order.Items[i].ApprovedQuantity = &q
		}
	}
	f.orders[params.OrderID] = order
	f.history[params.OrderID] = append(f.history[params.OrderID], params.History)
	return order, nil
}

func (f *fakeRepo) CommitManualAuthorization(_ context.Context, params repository.CommitManualAuthorizationParams) (repository.MedicalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[params.OrderID]
	if !ok {
		return repository.MedicalOrder{}, apperr.NotFound("medical order not found")
	}
	if order.Version != params.ExpectedVersion {
		return repository.MedicalOrder{}, apperr.Conflict("order was modified concurrently")
	}

	order.Status = params.Status
	order.AuthorizationStatus = &params.AuthorizationStatus
	order.AuthorizationType = &params.AuthorizationType
	order.AuthorizedBy = &params.AuthorizedBy
	order.AuthorizationNotes = &params.Notes
	now := time.Now().UTC()
	order.AuthorizedAt = &now
	order.Version++
	for i := range order.Items {
		if qty, ok := params.ItemQuantities[order.Items[i].ID]; ok {
			q := qty
			order.Items[i].ApprovedQuantity = &q
		}
	}
	f.orders[params.OrderID] = order
	f.history[params.OrderID] = append(f.history[params.OrderID], params.History)
	return order, nil
}

func (f *fakeRepo) CommitCorrection(_ context.Context, params repository.CommitCorrectionParams) (repository.MedicalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[params.OrderID]
	if !ok {
		return repository.MedicalOrder{}, apperr.NotFound("medical order not found")
	}
	if order.Version != params.ExpectedVersion {
		return repository.MedicalOrder{}, apperr.Conflict("order was modified concurrently")
	}

	order.Status = domain.StatusPending
	if params.Diagnosis != nil {
		order.Diagnosis = *params.Diagnosis
	}
	if params.Justification != nil {
		order.Justification = *params.Justification
	}
	if params.TreatmentPlan != nil {
		order.TreatmentPlan = *params.TreatmentPlan
	}
	if params.Urgency != nil {
		order.Urgency = *params.Urgency
	}
	if params.ClearAnalysis {
		order.CurrentAnalysisID = nil
	}
	order.AuthorizationStatus = nil
	order.AuthorizationType = nil
	order.AuthorizedBy = nil
	order.AuthorizationNotes = nil
	order.AuthorizedAt = nil
	order.Version++

	for _, c := range params.Corrections {
		switch c.Action {
		case "remove", "replace":
			kept := order.Items[:0]
			for _, item := range order.Items {
				if item.ID != c.ItemID {
					kept = append(kept, item)
				}
			}
			order.Items = kept
			if c.Action == "replace" && c.Replacement != nil {
				order.Items = append(order.Items, repository.MedicalOrderItem{
					ID:                uuid.New(),
					OrderID:           order.ID,
					Name:              c.Replacement.Name,
					Category:          c.Replacement.Category,
					ItemType:          c.Replacement.ItemType,
					Justification:     c.Replacement.Justification,
					RequestedQuantity: c.Replacement.RequestedQuantity,
					UnitCost:          c.Replacement.UnitCost,
				})
			}
		case "modify":
			for i := range order.Items {
				if order.Items[i].ID == c.ItemID && c.Replacement != nil {
					order.Items[i].Name = c.Replacement.Name
					order.Items[i].ItemType = c.Replacement.ItemType
					order.Items[i].Justification = c.Replacement.Justification
					order.Items[i].RequestedQuantity = c.Replacement.RequestedQuantity
					order.Items[i].UnitCost = c.Replacement.UnitCost
					order.Items[i].ApprovedQuantity = nil
				}
			}
		}
	}

	order.EstimatedCost = 0
	for _, item := range order.Items {
		order.EstimatedCost += item.UnitCost * float64(item.RequestedQuantity)
	}

	f.orders[params.OrderID] = order
	f.history[params.OrderID] = append(f.history[params.OrderID], params.History)
	return order, nil
}

func (f *fakeRepo) ListHistory(_ context.Context, orderID uuid.UUID) ([]repository.HistoryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.HistoryEvent(nil), f.history[orderID]...), nil
}

func (f *fakeRepo) ListCorrectionSuggestions(_ context.Context, _ uuid.UUID) ([]repository.CorrectionSuggestion, error) {
	return nil, nil
}

var _ repository.Repository = (*fakeRepo)(nil)

// blockingAnalyzer holds the pipeline open until released, for provoking
// concurrent attempts.
type blockingAnalyzer struct {
	started  chan struct{}
	release  chan struct{}
	fallback *authorization.FallbackAnalyzer
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, in authorization.OrderInput) *authorization.AnalysisResult {
	if b.started != nil {
		close(b.started)
	}
	if b.release != nil {
		<-b.release
	}
	return b.fallback.Analyze(in)
}

type heuristicAnalyzer struct {
	engine *authorization.Engine
}

func (h heuristicAnalyzer) Analyze(ctx context.Context, in authorization.OrderInput) *authorization.AnalysisResult {
	return h.engine.Analyze(ctx, in)
}

func newTestService(repo repository.Repository) *Service {
	fallback := authorization.NewFallbackAnalyzer(authorization.DefaultKeywordTables())
	engine := authorization.NewEngine(nil, fallback, authorization.NewPolicyEnforcer(100000), nil)
	return New(repo, heuristicAnalyzer{engine: engine}, nil, nil)
}

func createTestOrder(t *testing.T, svc *Service, items ...transport.CreateItemRequest) transport.OrderResponse {
	t.Helper()
	if len(items) == 0 {
		items = []transport.CreateItemRequest{{
			Name:              "Amoxicilina 500mg",
			ItemType:          "medication",
			RequestedQuantity: 20,
			UnitCost:          12.5,
		}}
	}
	order, err := svc.CreateOrder(context.Background(), uuid.New(), transport.CreateOrderRequest{
		PatientID:     uuid.New(),
		Urgency:       2,
		Diagnosis:     "Faringitis",
		Justification: "Faringitis bacteriana",
		Items:         items,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestCreateOrderStartsPending(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	if order.Status != "pending" {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if len(order.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(order.Items))
	}
	if order.EstimatedCost != 250 {
		t.Fatalf("expected estimated cost 250, got %v", order.EstimatedCost)
	}
}

func TestAuthorizeAutomaticallyApprovesCleanOrder(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	updated, err := svc.AuthorizeAutomatically(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if updated.Status != "approved" {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
	if updated.CurrentAnalysis == nil {
		t.Fatal("expected current analysis attached")
	}
	if updated.CurrentAnalysis.AnalysisType != "fallback" {
		t.Fatalf("expected fallback analysis, got %s", updated.CurrentAnalysis.AnalysisType)
	}
	if updated.AuthorizationStatus == nil || *updated.AuthorizationStatus != "approved" {
		t.Fatal("expected authorization status recorded")
	}
	if updated.Items[0].ApprovedQuantity == nil || *updated.Items[0].ApprovedQuantity != 20 {
		t.Fatal("expected approved quantity mirrored onto the item")
	}
}

func TestAuthorizeAutomaticallyRejectsTerminalOrder(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	if _, err := svc.AuthorizeAutomatically(context.Background(), order.ID); err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	_, err := svc.AuthorizeAutomatically(context.Background(), order.ID)
	if apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestConcurrentAuthorizationConflicts(t *testing.T) {
	repo := newFakeRepo()
	analyzer := &blockingAnalyzer{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		fallback: authorization.NewFallbackAnalyzer(authorization.DefaultKeywordTables()),
	}
	svc := New(repo, analyzer, nil, nil)
	order := createTestOrder(t, svc)

	done := make(chan error, 1)
	go func() {
		_, err := svc.AuthorizeAutomatically(context.Background(), order.ID)
		done <- err
	}()

	<-analyzer.started
	_, err := svc.AuthorizeAutomatically(context.Background(), order.ID)
	if apperr.GetKind(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for concurrent attempt, got %v", err)
	}

	close(analyzer.release)
	if err := <-done; err != nil {
		t.Fatalf("first attempt should succeed: %v", err)
	}
}

func TestAuthorizeManuallyRecordsHybridType(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc, transport.CreateItemRequest{
		Name:              "Vitamina D",
		ItemType:          "medication",
		RequestedQuantity: 10,
		UnitCost:          5,
	})

	// Unmatched item: automatic analysis lands in under_review.
	analyzed, err := svc.AuthorizeAutomatically(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("authorize automatically: %v", err)
	}
	if analyzed.Status != "under_review" {
		t.Fatalf("expected under_review, got %s", analyzed.Status)
	}

	actor := uuid.New()
	updated, err := svc.AuthorizeManually(context.Background(), order.ID, actor, transport.ManualAuthorizationRequest{
		Decision: "approved",
		Notes:    "reviewed and accepted",
	})
	if err != nil {
		t.Fatalf("authorize manually: %v", err)
	}
	if updated.Status != "approved" {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
	if updated.AuthorizationType == nil || *updated.AuthorizationType != "hybrid" {
		t.Fatal("expected hybrid authorization type over an existing analysis")
	}
	if updated.AuthorizedBy == nil || *updated.AuthorizedBy != actor {
		t.Fatal("expected authorizing actor recorded")
	}
}

func TestAuthorizeManuallyWithoutAnalysisIsManual(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	updated, err := svc.AuthorizeManually(context.Background(), order.ID, uuid.New(), transport.ManualAuthorizationRequest{
		Decision: "rejected",
		Notes:    "insufficient justification",
	})
	if err != nil {
		t.Fatalf("authorize manually: %v", err)
	}
	if updated.AuthorizationType == nil || *updated.AuthorizationType != "manual" {
		t.Fatal("expected manual authorization type")
	}
	if updated.Items[0].ApprovedQuantity == nil || *updated.Items[0].ApprovedQuantity != 0 {
		t.Fatal("expected rejected order to zero item quantities")
	}
}

func TestCorrectRejectedOrderReopensAndClearsAnalysis(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc, transport.CreateItemRequest{
		Name:              "Losartán 50mg",
		ItemType:          "medication",
		RequestedQuantity: 30,
		UnitCost:          8,
	})

	// Force a rejection: cardiovascular drug against an orthopedic diagnosis.
	rejected, err := svc.AuthorizeManually(context.Background(), order.ID, uuid.New(), transport.ManualAuthorizationRequest{
		Decision: "rejected",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}

	corrected, err := svc.Correct(context.Background(), order.ID, uuid.New(), transport.CorrectOrderRequest{
		ItemCorrections: []transport.ItemCorrectionRequest{{
			Action: "replace",
			ItemID: order.Items[0].ID,
			Item: &transport.CreateItemRequest{
				Name:              "Ibuprofeno 400mg",
				ItemType:          "medication",
				RequestedQuantity: 15,
				UnitCost:          4,
			},
		}},
	})
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if corrected.Status != "pending" {
		t.Fatalf("expected pending after correction, got %s", corrected.Status)
	}
	if corrected.AuthorizationStatus != nil {
		t.Fatal("expected authorization fields cleared")
	}
	if corrected.CurrentAnalysis != nil {
		t.Fatal("expected prior analysis cleared after item correction")
	}
	if len(corrected.Items) != 1 || corrected.Items[0].Name != "Ibuprofeno 400mg" {
		t.Fatal("expected replaced item")
	}
}

func TestCorrectWithoutItemChangesKeepsAnalysis(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	if _, err := svc.AuthorizeAutomatically(context.Background(), order.ID); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	newPlan := "tratamiento ambulatorio"
	corrected, err := svc.Correct(context.Background(), order.ID, uuid.New(), transport.CorrectOrderRequest{
		TreatmentPlan: &newPlan,
	})
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if corrected.Status != "pending" {
		t.Fatalf("expected pending, got %s", corrected.Status)
	}
	if corrected.CurrentAnalysis == nil {
		t.Fatal("expected analysis kept when only general fields changed")
	}
}

func TestCorrectPendingOrderIsInvalid(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	_, err := svc.Correct(context.Background(), order.ID, uuid.New(), transport.CorrectOrderRequest{})
	if apperr.GetKind(err) != apperr.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRefreshAnalysisWithoutAnalysisIsNotFound(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	_, err := svc.RefreshAnalysis(context.Background(), order.ID)
	if apperr.GetKind(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCorrectionThenRepeatedRefreshIsStable(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc, transport.CreateItemRequest{
		Name:              "Losartán 50mg",
		ItemType:          "medication",
		RequestedQuantity: 30,
		UnitCost:          8,
	})

	if _, err := svc.AuthorizeManually(context.Background(), order.ID, uuid.New(), transport.ManualAuthorizationRequest{
		Decision: "rejected",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := svc.Correct(context.Background(), order.ID, uuid.New(), transport.CorrectOrderRequest{
		ItemCorrections: []transport.ItemCorrectionRequest{{
			Action: "replace",
			ItemID: order.Items[0].ID,
			Item: &transport.CreateItemRequest{
				Name:              "Amoxicilina 500mg",
				ItemType:          "medication",
				RequestedQuantity: 20,
				UnitCost:          12.5,
			},
		}},
		RequestNewAnalysis: true,
	}); err != nil {
		t.Fatalf("correct with reanalysis: %v", err)
	}

	first, err := svc.RefreshAnalysis(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	second, err := svc.RefreshAnalysis(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if first.Reasoning != second.Reasoning {
		t.Fatalf("overall reasoning differs between refreshes: %q vs %q", first.Reasoning, second.Reasoning)
	}
	for i := range first.Items {
		if first.Items[i].Reasoning != second.Items[i].Reasoning {
			t.Fatalf("item %d reasoning differs between refreshes", i)
		}
		if first.Items[i].Decision != second.Items[i].Decision {
			t.Fatalf("item %d decision differs between refreshes", i)
		}
	}
}

func TestGetAnalysisHistoryListsEveryAttempt(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	if _, err := svc.AuthorizeAutomatically(context.Background(), order.ID); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := svc.Correct(context.Background(), order.ID, uuid.New(), transport.CorrectOrderRequest{
		ItemCorrections: []transport.ItemCorrectionRequest{{
			Action: "modify",
			ItemID: order.Items[0].ID,
			Item: &transport.CreateItemRequest{
				Name:              "Amoxicilina 500mg",
				ItemType:          "medication",
				RequestedQuantity: 10,
				UnitCost:          12.5,
			},
		}},
		RequestNewAnalysis: true,
	}); err != nil {
		t.Fatalf("correct: %v", err)
	}

	history, err := svc.GetAnalysisHistory(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Analyses) != 2 {
		t.Fatalf("expected 2 analyses in history, got %d", len(history.Analyses))
	}
}

func TestHistoryRecordsEveryTransition(t *testing.T) {
	svc := newTestService(newFakeRepo())
	order := createTestOrder(t, svc)

	if _, err := svc.AuthorizeAutomatically(context.Background(), order.ID); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	trail, err := svc.GetHistory(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(trail))
	}
	if trail[0].Action != domain.HistoryOrderCreated {
		t.Fatalf("expected creation event first, got %s", trail[0].Action)
	}
	if trail[1].Action != domain.HistoryAnalysisCompleted {
		t.Fatalf("expected analysis event, got %s", trail[1].Action)
	}
}
