// Package service implements the medical order lifecycle: creation,
// automatic and manual authorization, correction and analysis retrieval.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"medorders_backend/internal/authorization"
	domainevents "medorders_backend/internal/events"
	"medorders_backend/internal/orders/domain"
	"medorders_backend/internal/orders/repository"
	"medorders_backend/internal/orders/transport"
	"medorders_backend/platform/apperr"
	"medorders_backend/platform/events"
	"medorders_backend/platform/logger"
)

// Analyzer runs the authorization pipeline over an order snapshot.
type Analyzer interface {
	Analyze(ctx context.Context, in authorization.OrderInput) *authorization.AnalysisResult
}

// Service provides business logic for medical orders.
type Service struct {
	repo repository.Repository
	eng  Analyzer
	bus  events.Bus
	log  *logger.Logger

	// activeRuns serializes authorization attempts per order. A second
	// attempt while one is in flight is rejected with a conflict instead of
	// queueing behind the first.
	mu         sync.Mutex
	activeRuns map[uuid.UUID]struct{}
}

// New creates a new orders service.
func New(repo repository.Repository, eng Analyzer, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		eng:        eng,
		bus:        bus,
		log:        log,
		activeRuns: make(map[uuid.UUID]struct{}),
	}
}

// CreateOrder stores a new order in Pending state with its items.
func (s *Service) CreateOrder(ctx context.Context, providerID uuid.UUID, req transport.CreateOrderRequest) (transport.OrderResponse, error) {
	params := repository.CreateOrderParams{
		PatientID:     req.PatientID,
		ProviderID:    providerID,
		Urgency:       req.Urgency,
		Diagnosis:     req.Diagnosis,
		Justification: req.Justification,
		TreatmentPlan: req.TreatmentPlan,
	}
	for _, item := range req.Items {
		params.Items = append(params.Items, repository.CreateItemParams{
			Name:              item.Name,
			Category:          item.Category,
			ItemType:          item.ItemType,
			Justification:     item.Justification,
			RequestedQuantity: item.RequestedQuantity,
			UnitCost:          item.UnitCost,
		})
	}

	order, err := s.repo.CreateOrder(ctx, params)
	if err != nil {
		return transport.OrderResponse{}, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, domainevents.OrderCreated{
			BaseEvent: events.NewBaseEvent(),
			OrderID:   order.ID,
			PatientID: order.PatientID,
			Urgency:   order.Urgency,
		})
	}

	return toOrderResponse(order, nil), nil
}

// GetOrder returns the order with its current analysis attached.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (transport.OrderResponse, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return transport.OrderResponse{}, err
	}
	return toOrderResponse(order, s.currentAnalysisOrNil(ctx, order)), nil
}

// ListOrders lists orders with filters and pagination.
func (s *Service) ListOrders(ctx context.Context, req transport.ListOrdersRequest) (transport.OrderListResponse, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	params := repository.ListOrdersParams{
		PatientID: req.PatientID,
		Offset:    (page - 1) * pageSize,
		Limit:     pageSize,
	}
	if req.Status != nil {
		status := domain.Status(*req.Status)
		if !status.Valid() {
			return transport.OrderListResponse{}, apperr.Validation("unknown order status")
		}
		params.Status = &status
	}

	orders, total, err := s.repo.ListOrders(ctx, params)
	if err != nil {
		return transport.OrderListResponse{}, err
	}

	resp := transport.OrderListResponse{Total: total, Page: page, PageSize: pageSize}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(order, nil))
	}
	return resp, nil
}

// AuthorizeAutomatically runs the full analysis pipeline on the order and
// commits the resulting lifecycle transition. A concurrent attempt on the
// same order returns a conflict.
func (s *Service) AuthorizeAutomatically(ctx context.Context, orderID uuid.UUID) (transport.OrderResponse, error) {
	if !s.beginRun(orderID) {
		return transport.OrderResponse{}, apperr.Conflict("an authorization attempt for this order is already in progress")
	}
	defer s.endRun(orderID)

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return transport.OrderResponse{}, err
	}
	if !order.Status.CanAuthorize() {
		return transport.OrderResponse{}, apperr.InvalidTransition(
			fmt.Sprintf("order in state %s cannot be authorized; correct it first", order.Status))
	}

	result := s.eng.Analyze(ctx, toOrderInput(order))
	if err := s.repo.SaveAnalysis(ctx, result); err != nil {
		return transport.OrderResponse{}, err
	}

	status, ok := domain.StatusForDecision(string(result.Decision))
	if !ok {
		return transport.OrderResponse{}, apperr.Internal("analysis produced an unknown decision")
	}

	params := repository.CommitAnalysisParams{
		OrderID:         orderID,
		ExpectedVersion: order.Version,
		Status:          status,
		AnalysisID:      result.ID,
		ItemQuantities:  approvedQuantities(result),
		History: repository.HistoryEvent{
			Action: domain.HistoryAnalysisCompleted,
			Note:   result.Reasoning,
			Details: map[string]any{
				"analysisId":   result.ID.String(),
				"decision":     string(result.Decision),
				"analysisType": string(result.AnalysisType),
				"confidence":   result.Confidence,
			},
		},
	}
	if authStatus, terminal := domain.AuthorizationStatusFor(string(result.Decision)); terminal {
		authType := domain.AuthorizationAutomatic
		params.AuthorizationStatus = &authStatus
		params.AuthorizationType = &authType
	}

	updated, err := s.repo.CommitAnalysis(ctx, params)
	if err != nil {
		return transport.OrderResponse{}, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, domainevents.OrderAnalyzed{
			BaseEvent:    events.NewBaseEvent(),
			OrderID:      orderID,
			AnalysisID:   result.ID,
			Decision:     string(result.Decision),
			AnalysisType: string(result.AnalysisType),
			Confidence:   result.Confidence,
		})
	}

	return toOrderResponse(updated, result), nil
}

// AuthorizeManually records an auditor's terminal decision. When the order
// already carries an automatic analysis the recorded type is hybrid.
func (s *Service) AuthorizeManually(ctx context.Context, orderID, actorID uuid.UUID, req transport.ManualAuthorizationRequest) (transport.OrderResponse, error) {
	if !s.beginRun(orderID) {
		return transport.OrderResponse{}, apperr.Conflict("an authorization attempt for this order is already in progress")
	}
	defer s.endRun(orderID)

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return transport.OrderResponse{}, err
	}
	if !order.Status.CanAuthorize() {
		return transport.OrderResponse{}, apperr.InvalidTransition(
			fmt.Sprintf("order in state %s cannot be authorized; correct it first", order.Status))
	}

	status, ok := domain.StatusForDecision(req.Decision)
	if !ok || !status.Terminal() {
		return transport.OrderResponse{}, apperr.Validation("manual decision must be terminal")
	}
	authStatus, _ := domain.AuthorizationStatusFor(req.Decision)

	authType := domain.AuthorizationManual
	if order.CurrentAnalysisID != nil {
		authType = domain.AuthorizationHybrid
	}

	quantities := make(map[uuid.UUID]int, len(req.Items))
	for _, approval := range req.Items {
		item, found := orderItem(order, approval.ItemID)
		if !found {
			return transport.OrderResponse{}, apperr.NotFound("order item not found")
		}
		if approval.ApprovedQuantity > item.RequestedQuantity {
			return transport.OrderResponse{}, apperr.Validation(
				fmt.Sprintf("approved quantity for %s exceeds requested amount", item.Name))
		}
		quantities[approval.ItemID] = approval.ApprovedQuantity
	}
	if len(req.Items) == 0 && req.Decision == "approved" {
		for _, item := range order.Items {
			quantities[item.ID] = item.RequestedQuantity
		}
	}
	if req.Decision == "rejected" {
		quantities = make(map[uuid.UUID]int, len(order.Items))
		for _, item := range order.Items {
			quantities[item.ID] = 0
		}
	}

	updated, err := s.repo.CommitManualAuthorization(ctx, repository.CommitManualAuthorizationParams{
		OrderID:             orderID,
		ExpectedVersion:     order.Version,
		Status:              status,
		AuthorizationStatus: authStatus,
		AuthorizationType:   authType,
		AuthorizedBy:        actorID,
		Notes:               req.Notes,
		ItemQuantities:      quantities,
		History: repository.HistoryEvent{
			Action:  domain.HistoryManualAuthorization,
			ActorID: &actorID,
			Note:    req.Notes,
			Details: map[string]any{
				"decision":          req.Decision,
				"authorizationType": string(authType),
			},
		},
	})
	if err != nil {
		return transport.OrderResponse{}, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, domainevents.ManualDecisionRecorded{
			BaseEvent: events.NewBaseEvent(),
			OrderID:   orderID,
			ActorID:   actorID,
			Decision:  req.Decision,
		})
	}

	return toOrderResponse(updated, s.currentAnalysisOrNil(ctx, updated)), nil
}

// Correct reopens a terminal or under-review order. Item-level corrections
// detach the prior analysis; general field changes keep it attached. When
// requested, a fresh automatic analysis runs immediately after.
//
// Correct does not take the per-order run guard: the version check inside
// CommitCorrection already rejects concurrent corrections, and the follow-up
// automatic authorization acquires the guard itself, so one held here would
// make that call fail with a conflict.
func (s *Service) Correct(ctx context.Context, orderID, actorID uuid.UUID, req transport.CorrectOrderRequest) (transport.OrderResponse, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return transport.OrderResponse{}, err
	}
	if !order.Status.CanCorrect() {
		return transport.OrderResponse{}, apperr.InvalidTransition(
			fmt.Sprintf("order in state %s cannot be corrected", order.Status))
	}

	var corrections []repository.ItemCorrection
	for _, c := range req.ItemCorrections {
		correction := repository.ItemCorrection{Action: c.Action, ItemID: c.ItemID}
		if c.Item != nil {
			correction.Replacement = &repository.CreateItemParams{
				Name:              c.Item.Name,
				Category:          c.Item.Category,
				ItemType:          c.Item.ItemType,
				Justification:     c.Item.Justification,
				RequestedQuantity: c.Item.RequestedQuantity,
				UnitCost:          c.Item.UnitCost,
			}
		}
		corrections = append(corrections, correction)
	}

	suggestions := s.correctionSuggestions(ctx, order, corrections)

	updated, err := s.repo.CommitCorrection(ctx, repository.CommitCorrectionParams{
		OrderID:         orderID,
		ExpectedVersion: order.Version,
		Diagnosis:       req.Diagnosis,
		Justification:   req.Justification,
		TreatmentPlan:   req.TreatmentPlan,
		Urgency:         req.Urgency,
		ClearAnalysis:   len(corrections) > 0,
		Corrections:     corrections,
		Suggestions:     suggestions,
		History: repository.HistoryEvent{
			Action:  domain.HistoryOrderCorrected,
			ActorID: &actorID,
			Note:    "order corrected and reopened",
			Details: map[string]any{
				"itemCorrections": len(corrections),
				"reanalysis":      req.RequestNewAnalysis,
			},
		},
	})
	if err != nil {
		return transport.OrderResponse{}, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, domainevents.OrderCorrected{
			BaseEvent:   events.NewBaseEvent(),
			OrderID:     orderID,
			ItemChanges: len(corrections),
			Reanalysis:  req.RequestNewAnalysis,
		})
	}

	if req.RequestNewAnalysis {
		return s.AuthorizeAutomatically(ctx, orderID)
	}
	return toOrderResponse(updated, s.currentAnalysisOrNil(ctx, updated)), nil
}

// RefreshAnalysis re-applies the reconciliation pass to the stored current
// analysis in place. Used to repair orders analyzed before a reconciliation
// fix. An order without a current analysis returns NotFound.
func (s *Service) RefreshAnalysis(ctx context.Context, orderID uuid.UUID) (transport.AnalysisResponse, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return transport.AnalysisResponse{}, err
	}
	if order.CurrentAnalysisID == nil {
		return transport.AnalysisResponse{}, apperr.NotFound("order has no current analysis")
	}

	result, err := s.repo.GetAnalysis(ctx, *order.CurrentAnalysisID)
	if err != nil {
		return transport.AnalysisResponse{}, err
	}

	authorization.Reconcile(toOrderInput(order), result)
	if err := s.repo.UpdateAnalysisReconciliation(ctx, result); err != nil {
		return transport.AnalysisResponse{}, err
	}

	if s.log != nil {
		s.log.Info("analysis reconciliation refreshed",
			"order_id", orderID,
			"analysis_id", result.ID,
			"decision", string(result.Decision),
		)
	}
	return toAnalysisResponse(result), nil
}

// GetCurrentAnalysis returns the analysis the order currently points at.
func (s *Service) GetCurrentAnalysis(ctx context.Context, orderID uuid.UUID) (transport.AnalysisResponse, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return transport.AnalysisResponse{}, err
	}
	result, err := s.repo.GetCurrentAnalysis(ctx, orderID)
	if err != nil {
		return transport.AnalysisResponse{}, err
	}
	return toAnalysisResponse(result), nil
}

// GetAnalysisHistory returns every analysis ever produced for the order,
// newest first.
func (s *Service) GetAnalysisHistory(ctx context.Context, orderID uuid.UUID) (transport.AnalysisHistoryResponse, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return transport.AnalysisHistoryResponse{}, err
	}
	results, err := s.repo.ListAnalyses(ctx, orderID)
	if err != nil {
		return transport.AnalysisHistoryResponse{}, err
	}

	resp := transport.AnalysisHistoryResponse{OrderID: orderID}
	for _, result := range results {
		resp.Analyses = append(resp.Analyses, toAnalysisResponse(result))
	}
	return resp, nil
}

// GetHistory returns the order's lifecycle audit trail, oldest first.
func (s *Service) GetHistory(ctx context.Context, orderID uuid.UUID) ([]transport.HistoryEventResponse, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}

	trail := make([]transport.HistoryEventResponse, 0, len(rows))
	for _, row := range rows {
		trail = append(trail, transport.HistoryEventResponse{
			ID:        row.ID,
			Action:    row.Action,
			ActorID:   row.ActorID,
			Note:      row.Note,
			Details:   row.Details,
			CreatedAt: row.CreatedAt,
		})
	}
	return trail, nil
}

// correctionSuggestions derives stored suggestion rows from the current
// analysis findings that motivated the correction.
func (s *Service) correctionSuggestions(ctx context.Context, order repository.MedicalOrder, corrections []repository.ItemCorrection) []repository.CorrectionSuggestion {
	if order.CurrentAnalysisID == nil || len(corrections) == 0 {
		return nil
	}
	result, err := s.repo.GetAnalysis(ctx, *order.CurrentAnalysisID)
	if err != nil {
		return nil
	}

	corrected := make(map[uuid.UUID]bool, len(corrections))
	for _, c := range corrections {
		corrected[c.ItemID] = true
	}

	var suggestions []repository.CorrectionSuggestion
	for _, rec := range result.Recommendations {
		for _, itemID := range rec.ItemIDs {
			if corrected[itemID] {
				id := itemID
				suggestions = append(suggestions, repository.CorrectionSuggestion{
					ItemID: &id,
					Kind:   rec.Type,
					Note:   rec.SuggestedAction,
				})
			}
		}
	}
	return suggestions
}

func (s *Service) currentAnalysisOrNil(ctx context.Context, order repository.MedicalOrder) *authorization.AnalysisResult {
	if order.CurrentAnalysisID == nil {
		return nil
	}
	result, err := s.repo.GetAnalysis(ctx, *order.CurrentAnalysisID)
	if err != nil {
		if s.log != nil {
			s.log.Error("load current analysis", "order_id", order.ID, "error", err)
		}
		return nil
	}
	return result
}

func (s *Service) beginRun(orderID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.activeRuns[orderID]; running {
		return false
	}
	s.activeRuns[orderID] = struct{}{}
	return true
}

func (s *Service) endRun(orderID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeRuns, orderID)
}

func orderItem(order repository.MedicalOrder, id uuid.UUID) (repository.MedicalOrderItem, bool) {
	for _, item := range order.Items {
		if item.ID == id {
			return item, true
		}
	}
	return repository.MedicalOrderItem{}, false
}

// approvedQuantities extracts the per-item quantities the analysis settled
// on, for mirroring onto the order item rows.
func approvedQuantities(result *authorization.AnalysisResult) map[uuid.UUID]int {
	quantities := make(map[uuid.UUID]int, len(result.Items))
	for _, item := range result.Items {
		quantities[item.ItemID] = item.ApprovedQuantity
	}
	return quantities
}

func toOrderInput(order repository.MedicalOrder) authorization.OrderInput {
	in := authorization.OrderInput{
		ID:            order.ID,
		Urgency:       order.Urgency,
		Diagnosis:     order.Diagnosis,
		Justification: order.Justification,
		TreatmentPlan: order.TreatmentPlan,
		EstimatedCost: order.EstimatedCost,
	}
	for _, item := range order.Items {
		in.Items = append(in.Items, authorization.ItemInput{
			ID:                item.ID,
			Name:              item.Name,
			Category:          item.Category,
			ItemType:          authorization.ItemType(item.ItemType),
			Justification:     item.Justification,
			RequestedQuantity: item.RequestedQuantity,
			UnitCost:          item.UnitCost,
		})
	}
	return in
}

func toOrderResponse(order repository.MedicalOrder, analysis *authorization.AnalysisResult) transport.OrderResponse {
	resp := transport.OrderResponse{
		ID:                 order.ID,
		PatientID:          order.PatientID,
		ProviderID:         order.ProviderID,
		Status:             order.Status.String(),
		Urgency:            order.Urgency,
		Diagnosis:          order.Diagnosis,
		Justification:      order.Justification,
		TreatmentPlan:      order.TreatmentPlan,
		EstimatedCost:      order.EstimatedCost,
		AuthorizedBy:       order.AuthorizedBy,
		AuthorizationNotes: order.AuthorizationNotes,
		AuthorizedAt:       order.AuthorizedAt,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
	if order.AuthorizationStatus != nil {
		status := string(*order.AuthorizationStatus)
		resp.AuthorizationStatus = &status
	}
	if order.AuthorizationType != nil {
		authType := string(*order.AuthorizationType)
		resp.AuthorizationType = &authType
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, transport.ItemResponse{
			ID:                item.ID,
			Name:              item.Name,
			Category:          item.Category,
			ItemType:          item.ItemType,
			Justification:     item.Justification,
			RequestedQuantity: item.RequestedQuantity,
			ApprovedQuantity:  item.ApprovedQuantity,
			UnitCost:          item.UnitCost,
		})
	}
	if analysis != nil {
		a := toAnalysisResponse(analysis)
		resp.CurrentAnalysis = &a
	}
	return resp
}

func toAnalysisResponse(result *authorization.AnalysisResult) transport.AnalysisResponse {
	resp := transport.AnalysisResponse{
		ID:           result.ID,
		OrderID:      result.OrderID,
		Decision:     string(result.Decision),
		Confidence:   result.Confidence,
		Reasoning:    result.Reasoning,
		AnalysisType: string(result.AnalysisType),
		ModelVersion: result.ModelVersion,
		LatencyMs:    result.LatencyMs,
		CreatedAt:    result.CreatedAt,
	}
	for _, item := range result.Items {
		resp.Items = append(resp.Items, transport.ItemAnalysisResponse{
			ItemID:                 item.ItemID,
			Decision:               string(item.Decision),
			ApprovedQuantity:       item.ApprovedQuantity,
			Reasoning:              item.Reasoning,
			MedicalScore:           item.MedicalScore,
			DosageScore:            item.DosageScore,
			CostEffectivenessScore: item.CostEffectivenessScore,
			DrugInteraction:        item.DrugInteraction,
			DosageConcern:          item.DosageConcern,
			MedicalInconsistency:   item.MedicalInconsistency,
			CostConcern:            item.CostConcern,
		})
	}
	for _, rf := range result.RiskFactors {
		resp.RiskFactors = append(resp.RiskFactors, transport.RiskFactorResponse{
			Type:                 rf.Type,
			Level:                string(rf.Level),
			Description:          rf.Description,
			ItemIDs:              rf.ItemIDs,
			ClinicalSignificance: string(rf.ClinicalSignificance),
		})
	}
	for _, rec := range result.Recommendations {
		resp.Recommendations = append(resp.Recommendations, transport.RecommendationResponse{
			Type:            rec.Type,
			Priority:        rec.Priority,
			Title:           rec.Title,
			Description:     rec.Description,
			SuggestedAction: rec.SuggestedAction,
			ItemIDs:         rec.ItemIDs,
		})
	}
	return resp
}
