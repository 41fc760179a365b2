// Package transport defines the request and response shapes of the orders
// API.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// CreateOrderRequest creates a medical order with its line items.
type CreateOrderRequest struct {
	PatientID     uuid.UUID           `json:"patientId" binding:"required"`
	Urgency       int                 `json:"urgency" binding:"required,min=1,max=5"`
	Diagnosis     string              `json:"diagnosis" binding:"required"`
	Justification string              `json:"justification" binding:"required"`
	TreatmentPlan string              `json:"treatmentPlan"`
	Items         []CreateItemRequest `json:"items" binding:"required,min=1,dive"`
}

// CreateItemRequest is one requested line item.
type CreateItemRequest struct {
	Name              string  `json:"name" binding:"required"`
	Category          string  `json:"category"`
	ItemType          string  `json:"itemType" binding:"required,oneof=medication equipment supply"`
	Justification     string  `json:"justification"`
	RequestedQuantity int     `json:"requestedQuantity" binding:"required,min=1"`
	UnitCost          float64 `json:"unitCost" binding:"min=0"`
}

// ManualAuthorizationRequest records an auditor's decision.
type ManualAuthorizationRequest struct {
	Decision string              `json:"decision" binding:"required,oneof=approved rejected partial"`
	Notes    string              `json:"notes"`
	Items    []ItemApprovalInput `json:"items" binding:"omitempty,dive"`
}

// ItemApprovalInput overrides the approved quantity of one item in a manual
// decision.
type ItemApprovalInput struct {
	ItemID           uuid.UUID `json:"itemId" binding:"required"`
	ApprovedQuantity int       `json:"approvedQuantity" binding:"min=0"`
}

// CorrectOrderRequest reopens a terminal or under-review order.
type CorrectOrderRequest struct {
	Diagnosis          *string                 `json:"diagnosis"`
	Justification      *string                 `json:"justification"`
	TreatmentPlan      *string                 `json:"treatmentPlan"`
	Urgency            *int                    `json:"urgency" binding:"omitempty,min=1,max=5"`
	ItemCorrections    []ItemCorrectionRequest `json:"itemCorrections" binding:"omitempty,dive"`
	RequestNewAnalysis bool                    `json:"requestNewAnalysis"`
}

// ItemCorrectionRequest amends one line item during a correction.
type ItemCorrectionRequest struct {
	Action string             `json:"action" binding:"required,oneof=modify replace remove"`
	ItemID uuid.UUID          `json:"itemId" binding:"required"`
	Item   *CreateItemRequest `json:"item"`
}

// ListOrdersRequest filters the order listing.
type ListOrdersRequest struct {
	PatientID *uuid.UUID `form:"patientId"`
	Status    *int       `form:"status"`
	Page      int        `form:"page"`
	PageSize  int        `form:"pageSize"`
}

// OrderResponse is the full caller-facing order view.
type OrderResponse struct {
	ID                  uuid.UUID           `json:"id"`
	PatientID           uuid.UUID           `json:"patientId"`
	ProviderID          uuid.UUID           `json:"providerId"`
	Status              string              `json:"status"`
	Urgency             int                 `json:"urgency"`
	Diagnosis           string              `json:"diagnosis"`
	Justification       string              `json:"justification"`
	TreatmentPlan       string              `json:"treatmentPlan,omitempty"`
	EstimatedCost       float64             `json:"estimatedCost"`
	AuthorizationStatus *string             `json:"authorizationStatus,omitempty"`
	AuthorizationType   *string             `json:"authorizationType,omitempty"`
	AuthorizedBy        *uuid.UUID          `json:"authorizedBy,omitempty"`
	AuthorizationNotes  *string             `json:"authorizationNotes,omitempty"`
	AuthorizedAt        *time.Time          `json:"authorizedAt,omitempty"`
	Items               []ItemResponse      `json:"items"`
	CurrentAnalysis     *AnalysisResponse   `json:"currentAnalysis,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// ItemResponse is one line item in the order view.
type ItemResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Category          string    `json:"category,omitempty"`
	ItemType          string    `json:"itemType"`
	Justification     string    `json:"justification,omitempty"`
	RequestedQuantity int       `json:"requestedQuantity"`
	ApprovedQuantity  *int      `json:"approvedQuantity,omitempty"`
	UnitCost          float64   `json:"unitCost"`
}

// AnalysisResponse is the caller-facing analysis view.
type AnalysisResponse struct {
	ID              uuid.UUID                `json:"id"`
	OrderID         uuid.UUID                `json:"orderId"`
	Decision        string                   `json:"decision"`
	Confidence      float64                  `json:"confidence"`
	Reasoning       string                   `json:"reasoning"`
	AnalysisType    string                   `json:"analysisType"`
	ModelVersion    string                   `json:"modelVersion"`
	LatencyMs       int64                    `json:"latencyMs"`
	Items           []ItemAnalysisResponse   `json:"items"`
	RiskFactors     []RiskFactorResponse     `json:"riskFactors"`
	Recommendations []RecommendationResponse `json:"recommendations"`
	CreatedAt       time.Time                `json:"createdAt"`
}

// ItemAnalysisResponse is the per-item analysis view.
type ItemAnalysisResponse struct {
	ItemID                 uuid.UUID `json:"itemId"`
	Decision               string    `json:"decision"`
	ApprovedQuantity       int       `json:"approvedQuantity"`
	Reasoning              string    `json:"reasoning"`
	MedicalScore           float64   `json:"medicalScore"`
	DosageScore            float64   `json:"dosageScore"`
	CostEffectivenessScore float64   `json:"costEffectivenessScore"`
	DrugInteraction        bool      `json:"drugInteraction"`
	DosageConcern          bool      `json:"dosageConcern"`
	MedicalInconsistency   bool      `json:"medicalInconsistency"`
	CostConcern            bool      `json:"costConcern"`
}

// RiskFactorResponse is one risk factor in the analysis view.
type RiskFactorResponse struct {
	Type                 string      `json:"type"`
	Level                string      `json:"level"`
	Description          string      `json:"description"`
	ItemIDs              []uuid.UUID `json:"itemIds,omitempty"`
	ClinicalSignificance string      `json:"clinicalSignificance"`
}

// RecommendationResponse is one recommendation in the analysis view.
type RecommendationResponse struct {
	Type            string      `json:"type"`
	Priority        string      `json:"priority"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	SuggestedAction string      `json:"suggestedAction"`
	ItemIDs         []uuid.UUID `json:"itemIds,omitempty"`
}

// OrderListResponse is a paginated order listing.
type OrderListResponse struct {
	Orders   []OrderResponse `json:"orders"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// HistoryEventResponse is one audit record in the history view.
type HistoryEventResponse struct {
	ID        uuid.UUID      `json:"id"`
	Action    string         `json:"action"`
	ActorID   *uuid.UUID     `json:"actorId,omitempty"`
	Note      string         `json:"note,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AnalysisHistoryResponse is the full analysis history of one order.
type AnalysisHistoryResponse struct {
	OrderID  uuid.UUID          `json:"orderId"`
	Analyses []AnalysisResponse `json:"analyses"`
}
