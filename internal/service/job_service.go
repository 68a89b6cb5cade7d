package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
	"github.com/mlbatch/batchd/internal/webhook"
)

// JobService handles batch job reads and lifecycle operations that the API
// surface exposes. Job execution itself belongs to the scheduler.
type JobService struct {
	cfg        *config.Config
	repos      *repository.Repositories
	store      *blob.LocalStore
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger
}

// NewJobService creates a new job service.
func NewJobService(cfg *config.Config, repos *repository.Repositories, store *blob.LocalStore, dispatcher *webhook.Dispatcher, logger *slog.Logger) *JobService {
	return &JobService{
		cfg:        cfg,
		repos:      repos,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.repos.Job.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "job %q not found", jobID)
	}
	return job, nil
}

// List retrieves jobs, newest first.
func (s *JobService) List(ctx context.Context, filter repository.JobFilter) ([]*models.Job, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return s.repos.Job.List(ctx, filter)
}

// Cancel cancels a job. A queued job is cancelled immediately; a running job
// gets a flag the scheduler observes between chunks. Terminal jobs and jobs
// already cancelling reject the call.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusValidating:
		ok, err := s.repos.Job.CancelQueued(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel job: %w", err)
		}
		if !ok {
			// Claimed between the read and the update; fall back to
			// the running-job path.
			return s.requestCancel(ctx, jobID)
		}
		s.logger.Info("queued job cancelled", "job_id", jobID)
		if job, err = s.Get(ctx, jobID); err != nil {
			return nil, err
		}
		if err := s.dispatcher.Enqueue(ctx, job); err != nil {
			s.logger.Error("failed to enqueue cancellation webhook", "job_id", jobID, "error", err)
		}
		return job, nil

	case models.JobStatusInProgress:
		return s.requestCancel(ctx, jobID)

	default:
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"job %s is %s and cannot be cancelled", jobID, job.Status)
	}
}

func (s *JobService) requestCancel(ctx context.Context, jobID string) (*models.Job, error) {
	ok, err := s.repos.Job.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	if !ok {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"job %s is %s and cannot be cancelled", jobID, job.Status)
	}
	s.logger.Info("cancellation requested", "job_id", jobID)
	return s.Get(ctx, jobID)
}

// Results opens the output file of a completed job.
func (s *JobService) Results(ctx context.Context, jobID string) (io.ReadCloser, *models.File, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, nil, apperr.Newf(apperr.CodePreconditionFailed,
			"job %s is %s; results are available once it completes", jobID, job.Status)
	}
	if job.OutputFileID == nil {
		return nil, nil, apperr.Newf(apperr.CodeNotFound, "job %s has no output file", jobID)
	}
	return s.openFile(ctx, *job.OutputFileID)
}

// Errors opens the error file of a job, when one exists. Available for any
// terminal state that produced one.
func (s *JobService) Errors(ctx context.Context, jobID string) (io.ReadCloser, *models.File, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.ErrorFileID == nil {
		return nil, nil, apperr.Newf(apperr.CodeNotFound, "job %s has no error file", jobID)
	}
	return s.openFile(ctx, *job.ErrorFileID)
}

func (s *JobService) openFile(ctx context.Context, fileID string) (io.ReadCloser, *models.File, error) {
	file, err := s.repos.File.GetByID(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up file: %w", err)
	}
	if file == nil {
		return nil, nil, apperr.Newf(apperr.CodeNotFound, "file %q not found", fileID)
	}
	r, err := s.store.Open(file.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file content: %w", err)
	}
	return r, file, nil
}

// FailedRequests lists the dead-letter rows of a job in input order.
func (s *JobService) FailedRequests(ctx context.Context, jobID string) ([]*models.FailedRequest, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repos.FailedRequest.ListByJob(ctx, jobID)
}

// Deliveries lists the webhook delivery attempts of a job.
func (s *JobService) Deliveries(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repos.WebhookDelivery.GetByJobID(ctx, jobID)
}
