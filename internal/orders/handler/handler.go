// Package handler exposes the orders API over HTTP.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"medorders_backend/internal/orders/service"
	"medorders_backend/internal/orders/transport"
	"medorders_backend/platform/httpkit"
	"medorders_backend/platform/validator"
)

// Handler handles HTTP requests for medical orders.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidID        = "invalid order id"
)

// New creates a new orders handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// CreateOrder creates a medical order.
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req transport.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	providerID, ok := currentUserID(c)
	if !ok {
		return
	}

	result, err := h.svc.CreateOrder(c.Request.Context(), providerID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, result)
}

// GetOrder retrieves one order with its current analysis.
// GET /api/v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	result, err := h.svc.GetOrder(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ListOrders lists orders with filters.
// GET /api/v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	var req transport.ListOrdersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	result, err := h.svc.ListOrders(c.Request.Context(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// AuthorizeAutomatically runs the analysis pipeline on the order.
// POST /api/v1/orders/:id/authorize/automatic
func (h *Handler) AuthorizeAutomatically(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	result, err := h.svc.AuthorizeAutomatically(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// AuthorizeManually records an auditor's decision.
// POST /api/v1/orders/:id/authorize/manual
func (h *Handler) AuthorizeManually(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req transport.ManualAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	actorID, ok := currentUserID(c)
	if !ok {
		return
	}

	result, err := h.svc.AuthorizeManually(c.Request.Context(), id, actorID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// Correct reopens a terminal or under-review order.
// POST /api/v1/orders/:id/correct
func (h *Handler) Correct(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req transport.CorrectOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	actorID, ok := currentUserID(c)
	if !ok {
		return
	}

	result, err := h.svc.Correct(c.Request.Context(), id, actorID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// RefreshAnalysis re-applies reconciliation to the stored current analysis.
// POST /api/v1/orders/:id/analysis/refresh
func (h *Handler) RefreshAnalysis(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	result, err := h.svc.RefreshAnalysis(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// GetCurrentAnalysis retrieves the order's current analysis.
// GET /api/v1/orders/:id/analysis
func (h *Handler) GetCurrentAnalysis(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	result, err := h.svc.GetCurrentAnalysis(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// GetAnalysisHistory lists every analysis produced for the order.
// GET /api/v1/orders/:id/analysis/history
func (h *Handler) GetAnalysisHistory(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	result, err := h.svc.GetAnalysisHistory(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// GetHistory lists the order's lifecycle audit trail.
// GET /api/v1/orders/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	result, err := h.svc.GetHistory(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

func orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return uuid.Nil, false
	}
	return id, true
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get(httpkit.ContextUserIDKey)
	if !exists {
		httpkit.Error(c, http.StatusUnauthorized, "missing identity", nil)
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	if !ok {
		httpkit.Error(c, http.StatusUnauthorized, "missing identity", nil)
		return uuid.Nil, false
	}
	return id, true
}
