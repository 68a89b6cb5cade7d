package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
)

// RetentionService removes terminal jobs and their artifacts after the
// retention window. Disabled when RetentionMaxAge is zero.
type RetentionService struct {
	cfg    *config.Config
	repos  *repository.Repositories
	store  *blob.LocalStore
	mirror *blob.Mirror
	logger *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRetentionService creates a retention service.
func NewRetentionService(cfg *config.Config, repos *repository.Repositories, store *blob.LocalStore, mirror *blob.Mirror, logger *slog.Logger) *RetentionService {
	return &RetentionService{
		cfg:    cfg,
		repos:  repos,
		store:  store,
		mirror: mirror,
		logger: logger,
	}
}

// Start launches the periodic sweep.
func (s *RetentionService) Start(ctx context.Context) {
	if s.cfg.RetentionMaxAge <= 0 {
		s.logger.Info("retention sweep disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.RetentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.logger.Error("retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *RetentionService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep deletes terminal jobs older than the retention window, along with
// their files, blobs, dead-letter rows, and webhook deliveries.
func (s *RetentionService) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.RetentionMaxAge)

	// Collect file references before the rows go away.
	var fileIDs []string
	for _, status := range []models.JobStatus{
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusExpired,
		models.JobStatusCancelled,
	} {
		jobs, err := s.repos.Job.List(ctx, repository.JobFilter{Status: status, Limit: 1000})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
				continue
			}
			fileIDs = append(fileIDs, job.InputFileID)
			if job.OutputFileID != nil {
				fileIDs = append(fileIDs, *job.OutputFileID)
			}
			if job.ErrorFileID != nil {
				fileIDs = append(fileIDs, *job.ErrorFileID)
			}
		}
	}

	deleted, err := s.repos.Job.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}

	if err := s.repos.FailedRequest.DeleteByJobIDs(ctx, deleted); err != nil {
		s.logger.Warn("failed to delete dead-letter rows", "error", err)
	}
	if err := s.repos.WebhookDelivery.DeleteByJobIDs(ctx, deleted); err != nil {
		s.logger.Warn("failed to delete webhook deliveries", "error", err)
	}
	for _, jobID := range deleted {
		if err := s.store.Delete(blob.StagingKey(jobID)); err != nil {
			s.logger.Warn("failed to delete staging blob", "job_id", jobID, "error", err)
		}
	}
	for _, fileID := range fileIDs {
		file, err := s.repos.File.GetByID(ctx, fileID)
		if err != nil || file == nil {
			continue
		}
		if err := s.store.Delete(file.StorageKey); err != nil {
			s.logger.Warn("failed to delete blob", "file_id", fileID, "error", err)
		}
		if s.mirror != nil && s.mirror.IsEnabled() {
			if err := s.mirror.Delete(ctx, file.StorageKey); err != nil {
				s.logger.Warn("failed to delete mirrored blob", "file_id", fileID, "error", err)
			}
		}
		if err := s.repos.File.Delete(ctx, fileID); err != nil {
			s.logger.Warn("failed to delete file row", "file_id", fileID, "error", err)
		}
	}

	s.logger.Info("retention sweep removed jobs", "count", len(deleted), "cutoff", cutoff)
	return nil
}
