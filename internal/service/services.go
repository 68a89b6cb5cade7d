// Package service contains the business logic layer between the HTTP
// handlers and the repositories.
package service

import (
	"log/slog"

	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/repository"
	"github.com/mlbatch/batchd/internal/webhook"
)

// Services holds all service instances.
type Services struct {
	Job       *JobService
	File      *FileService
	Health    *HealthService
	Retention *RetentionService
}

// NewServices creates all service instances.
func NewServices(cfg *config.Config, repos *repository.Repositories, store *blob.LocalStore, mirror *blob.Mirror, reg *registry.Registry, probe gpu.Probe, dispatcher *webhook.Dispatcher, logger *slog.Logger) *Services {
	fileSvc := NewFileService(cfg, repos, store, mirror, logger)
	return &Services{
		Job:       NewJobService(cfg, repos, store, dispatcher, logger),
		File:      fileSvc,
		Health:    NewHealthService(cfg, repos, probe, logger),
		Retention: NewRetentionService(cfg, repos, store, mirror, logger),
	}
}
