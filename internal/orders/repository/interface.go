package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"medorders_backend/internal/authorization"
	"medorders_backend/internal/orders/domain"
)

// MedicalOrder is the persisted order row. Version is the optimistic lock;
// CurrentAnalysisID is an explicit pointer to the authoritative analysis,
// not "latest row by timestamp".
type MedicalOrder struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	ProviderID        uuid.UUID
	Status            domain.Status
	Urgency           int
	Diagnosis         string
	Justification     string
	TreatmentPlan     string
	EstimatedCost     float64
	CurrentAnalysisID *uuid.UUID
	Version           int

	AuthorizationStatus *domain.AuthorizationStatus
	AuthorizationType   *domain.AuthorizationType
	AuthorizedBy        *uuid.UUID
	AuthorizationNotes  *string
	AuthorizedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Items []MedicalOrderItem
}

// MedicalOrderItem is one persisted order line.
type MedicalOrderItem struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	Name              string
	Category          string
	ItemType          string
	Justification     string
	RequestedQuantity int
	ApprovedQuantity  *int
	UnitCost          float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HistoryEvent is one append-only audit record of a lifecycle transition.
type HistoryEvent struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	Action    string
	ActorID   *uuid.UUID
	Note      string
	Details   map[string]any
	CreatedAt time.Time
}

// CorrectionSuggestion is a stored pointer from a correction back to the
// analysis finding that motivated it.
type CorrectionSuggestion struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	ItemID    *uuid.UUID
	Kind      string
	Note      string
	CreatedAt time.Time
}

// CreateOrderParams contains data for creating an order with its items.
type CreateOrderParams struct {
	PatientID     uuid.UUID
	ProviderID    uuid.UUID
	Urgency       int
	Diagnosis     string
	Justification string
	TreatmentPlan string
	Items         []CreateItemParams
}

// CreateItemParams contains data for one new order line.
type CreateItemParams struct {
	Name              string
	Category          string
	ItemType          string
	Justification     string
	RequestedQuantity int
	UnitCost          float64
}

// CommitAnalysisParams moves the order to the state implied by a completed
// analysis and installs the analysis as current, under the version check.
type CommitAnalysisParams struct {
	OrderID             uuid.UUID
	ExpectedVersion     int
	Status              domain.Status
	AnalysisID          uuid.UUID
	AuthorizationStatus *domain.AuthorizationStatus
	AuthorizationType   *domain.AuthorizationType
	ItemQuantities      map[uuid.UUID]int
	History             HistoryEvent
}

// CommitManualAuthorizationParams records an auditor's decision.
type CommitManualAuthorizationParams struct {
	OrderID             uuid.UUID
	ExpectedVersion     int
	Status              domain.Status
	AuthorizationStatus domain.AuthorizationStatus
	AuthorizationType   domain.AuthorizationType
	AuthorizedBy        uuid.UUID
	Notes               string
	ItemQuantities      map[uuid.UUID]int
	History             HistoryEvent
}

// ItemCorrection describes one line-level amendment in a correction.
type ItemCorrection struct {
	// Action is one of "modify", "replace", "remove".
	Action string
	ItemID uuid.UUID
	// Replacement applies to "modify" and "replace".
	Replacement *CreateItemParams
}

// CommitCorrectionParams reopens a terminal or under-review order.
type CommitCorrectionParams struct {
	OrderID         uuid.UUID
	ExpectedVersion int
	Diagnosis       *string
	Justification   *string
	TreatmentPlan   *string
	Urgency         *int
	// ClearAnalysis detaches the current analysis pointer. Set only when
	// item-level corrections were supplied.
	ClearAnalysis bool
	Corrections   []ItemCorrection
	Suggestions   []CorrectionSuggestion
	History       HistoryEvent
}

// Repository defines order storage operations. Multi-row writes are atomic;
// order mutations are guarded by the optimistic version and return a
// conflict error when the row moved underneath the caller.
type Repository interface {
	CreateOrder(ctx context.Context, params CreateOrderParams) (MedicalOrder, error)
	GetOrder(ctx context.Context, id uuid.UUID) (MedicalOrder, error)
	ListOrders(ctx context.Context, params ListOrdersParams) ([]MedicalOrder, int, error)

	// SaveAnalysis persists the result tree (result, items, risk factors,
	// recommendations) in one transaction.
	SaveAnalysis(ctx context.Context, result *authorization.AnalysisResult) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*authorization.AnalysisResult, error)
	GetCurrentAnalysis(ctx context.Context, orderID uuid.UUID) (*authorization.AnalysisResult, error)
	ListAnalyses(ctx context.Context, orderID uuid.UUID) ([]*authorization.AnalysisResult, error)
	// UpdateAnalysisReconciliation rewrites the reconciled fields of a stored
	// analysis in place. Used by the standalone refresh operation.
	UpdateAnalysisReconciliation(ctx context.Context, result *authorization.AnalysisResult) error

	CommitAnalysis(ctx context.Context, params CommitAnalysisParams) (MedicalOrder, error)
	CommitManualAuthorization(ctx context.Context, params CommitManualAuthorizationParams) (MedicalOrder, error)
	CommitCorrection(ctx context.Context, params CommitCorrectionParams) (MedicalOrder, error)

	ListHistory(ctx context.Context, orderID uuid.UUID) ([]HistoryEvent, error)
	ListCorrectionSuggestions(ctx context.Context, orderID uuid.UUID) ([]CorrectionSuggestion, error)
}

// ListOrdersParams defines filters for listing orders.
type ListOrdersParams struct {
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	Status     *domain.Status
	Offset     int
	Limit      int
}
