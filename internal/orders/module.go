// Package orders provides the medical order bounded context module.
package orders

import (
	apphttp "medorders_backend/internal/http"
	"medorders_backend/internal/orders/handler"
	"medorders_backend/internal/orders/repository"
	"medorders_backend/internal/orders/service"
	"medorders_backend/platform/events"
	"medorders_backend/platform/logger"
	"medorders_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the orders bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	repo    repository.Repository
}

// NewModule creates and initializes the orders module.
func NewModule(pool *pgxpool.Pool, eng service.Analyzer, bus events.Bus, val *validator.Validator, log *logger.Logger) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, eng, bus, log)
	h := handler.New(svc, val)

	return &Module{
		handler: h,
		service: svc,
		repo:    repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "orders"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts order routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Protected.Group("/orders")
	group.POST("", m.handler.CreateOrder)
	group.GET("", m.handler.ListOrders)
	group.GET("/:id", m.handler.GetOrder)
	group.GET("/:id/analysis", m.handler.GetCurrentAnalysis)
	group.GET("/:id/analysis/history", m.handler.GetAnalysisHistory)
	group.GET("/:id/history", m.handler.GetHistory)
	group.POST("/:id/authorize/automatic", m.handler.AuthorizeAutomatically)
	group.POST("/:id/correct", m.handler.Correct)

	// Auditor-only decisions and repairs.
	auditorGroup := ctx.Auditor.Group("/orders")
	auditorGroup.POST("/:id/authorize/manual", m.handler.AuthorizeManually)
	auditorGroup.POST("/:id/analysis/refresh", m.handler.RefreshAnalysis)
}

// Compile-time check that Module implements http.Module.
var _ apphttp.Module = (*Module)(nil)
