// Package handlers contains the HTTP handlers for the batch API.
package handlers

import (
	"log/slog"

	"github.com/mlbatch/batchd/internal/admission"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/service"
)

// Handlers bundles the handler groups for route registration.
type Handlers struct {
	Batch  *BatchHandler
	File   *FileHandler
	Model  *ModelHandler
	Health *HealthHandler
}

// New creates all handler groups.
func New(cfg *config.Config, svcs *service.Services, ctrl *admission.Controller, reg *registry.Registry, logger *slog.Logger) *Handlers {
	return &Handlers{
		Batch:  NewBatchHandler(cfg, svcs.Job, ctrl, logger),
		File:   NewFileHandler(svcs.File, logger),
		Model:  NewModelHandler(reg),
		Health: NewHealthHandler(svcs.Health),
	}
}
