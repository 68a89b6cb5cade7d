package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
)

// GPUHealth is the device section of a health report.
type GPUHealth struct {
	Available       bool    `json:"available"`
	MemoryUsedMB    int     `json:"memory_used_mb"`
	MemoryTotalMB   int     `json:"memory_total_mb"`
	MemoryFraction  float64 `json:"memory_fraction"`
	TemperatureC    int     `json:"temperature_c"`
	ProcessCount    int     `json:"process_count"`
	OverMemoryLimit bool    `json:"over_memory_limit"`
	OverTemperature bool    `json:"over_temperature"`
}

// WorkerHealth is the scheduler section of a health report.
type WorkerHealth struct {
	WorkerID    string  `json:"worker_id"`
	Status      string  `json:"status"`
	Alive       bool    `json:"alive"`
	CurrentJob  *string `json:"current_job_id"`
	LoadedModel *string `json:"loaded_model"`
	LastSeenAgo string  `json:"last_seen_ago"`
}

// QueueHealth is the admission section of a health report.
type QueueHealth struct {
	Depth          int `json:"depth"`
	QueuedRequests int `json:"queued_requests"`
	MaxDepth       int `json:"max_depth"`
}

// HealthReport is the full health response.
type HealthReport struct {
	Status string        `json:"status"`
	GPU    *GPUHealth    `json:"gpu"`
	Worker *WorkerHealth `json:"worker"`
	Queue  QueueHealth   `json:"queue"`
}

// HealthService aggregates device, worker, and queue health.
type HealthService struct {
	cfg    *config.Config
	repos  *repository.Repositories
	probe  gpu.Probe
	logger *slog.Logger
}

// NewHealthService creates a health service.
func NewHealthService(cfg *config.Config, repos *repository.Repositories, probe gpu.Probe, logger *slog.Logger) *HealthService {
	return &HealthService{cfg: cfg, repos: repos, probe: probe, logger: logger}
}

// Ready reports whether the database answers queries.
func (s *HealthService) Ready(ctx context.Context) error {
	_, err := s.repos.Job.CountQueued(ctx)
	return err
}

// Check builds a health report. Degraded means the service accepts requests
// but the device or worker is in trouble.
func (s *HealthService) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: "ok"}

	if reading, err := s.probe.Probe(ctx); err == nil {
		g := &GPUHealth{
			Available:       true,
			MemoryUsedMB:    reading.MemoryUsedMB,
			MemoryTotalMB:   reading.MemoryTotalMB,
			MemoryFraction:  reading.MemoryFraction(),
			TemperatureC:    reading.TemperatureC,
			ProcessCount:    reading.ProcessCount,
			OverMemoryLimit: reading.MemoryFraction() > s.cfg.GpuMemoryMaxFraction,
			OverTemperature: reading.TemperatureC > s.cfg.GpuTempMaxC,
		}
		report.GPU = g
		if g.OverMemoryLimit || g.OverTemperature {
			report.Status = "degraded"
		}
	} else {
		report.GPU = &GPUHealth{Available: false}
		report.Status = "degraded"
	}

	if hb, err := s.repos.Heartbeat.Get(ctx, s.cfg.WorkerID); err == nil && hb != nil {
		age := time.Since(hb.LastSeenAt)
		alive := hb.Status != models.WorkerStatusDead && age < s.cfg.HeartbeatDeadThreshold
		report.Worker = &WorkerHealth{
			WorkerID:    hb.WorkerID,
			Status:      string(hb.Status),
			Alive:       alive,
			CurrentJob:  hb.CurrentJobID,
			LoadedModel: hb.LoadedModel,
			LastSeenAgo: age.Round(time.Second).String(),
		}
		if !alive {
			report.Status = "degraded"
		}
	} else {
		report.Status = "degraded"
	}

	if depth, err := s.repos.Job.CountQueued(ctx); err == nil {
		report.Queue.Depth = depth
	}
	if queued, err := s.repos.Job.SumQueuedRequests(ctx); err == nil {
		report.Queue.QueuedRequests = queued
	}
	report.Queue.MaxDepth = s.cfg.MaxQueueDepth

	return report
}
