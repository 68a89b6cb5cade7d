package handlers

import (
	"context"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/service"
	"github.com/mlbatch/batchd/internal/version"
)

// HealthHandler handles the health endpoints.
type HealthHandler struct {
	healthSvc *service.HealthService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(healthSvc *service.HealthService) *HealthHandler {
	return &HealthHandler{healthSvc: healthSvc}
}

// GetHealthOutput represents the full health response.
type GetHealthOutput struct {
	Body struct {
		service.HealthReport
		Version string `json:"version"`
	}
}

// GetHealth reports device, worker, and queue health.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*GetHealthOutput, error) {
	out := &GetHealthOutput{}
	out.Body.HealthReport = *h.healthSvc.Check(ctx)
	out.Body.Version = version.Get().Version
	return out, nil
}

// LivezOutput represents the liveness probe response.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Livez is the liveness probe. It only confirms the process serves requests.
func Livez(ctx context.Context, _ *struct{}) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// Readyz is the readiness probe. It fails while the database is unreachable.
func (h *HealthHandler) Readyz(ctx context.Context, _ *struct{}) (*LivezOutput, error) {
	if err := h.healthSvc.Ready(ctx); err != nil {
		return nil, apiError(apperr.Wrap(apperr.CodeServiceUnavailable, "database unavailable", err))
	}
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}
