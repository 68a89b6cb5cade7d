// Package repository defines repository interfaces for data access.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/mlbatch/batchd/internal/models"
)

// FileRepository defines methods for file metadata access.
type FileRepository interface {
	Create(ctx context.Context, f *models.File) error
	GetByID(ctx context.Context, id string) (*models.File, error)
	Update(ctx context.Context, f *models.File) error
	Delete(ctx context.Context, id string) error
}

// JobFilter narrows a job listing.
type JobFilter struct {
	Status models.JobStatus
	Model  string
	Limit  int
	Offset int
}

// JobRepository defines methods for batch job data access.
// All state transitions are compare-and-set against the current status so
// that a stale caller cannot resurrect a terminal job.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// ClaimNext atomically picks the next queued job (descending priority,
	// then ascending created_at, then id) and moves it to in_progress.
	// Returns nil when the queue is empty.
	ClaimNext(ctx context.Context) (*models.Job, error)

	// SetCheckpoint persists a resume-point correction. Checkpoint only
	// moves forward.
	SetCheckpoint(ctx context.Context, id string, checkpoint int) error

	// CommitChunk advances checkpoint by completed+failed and adjusts the
	// request counts in one transaction.
	CommitChunk(ctx context.Context, id string, completed, failed int) error

	// MarkFinalizing moves in_progress -> finalizing.
	MarkFinalizing(ctx context.Context, id string) (bool, error)

	// Finish moves a job into a terminal state and freezes it, recording
	// the output and error file ids. Returns false if the job was already
	// terminal.
	Finish(ctx context.Context, id string, status models.JobStatus, outputFileID, errorFileID *string) (bool, error)

	// Fail moves a job to failed with an error code and message.
	Fail(ctx context.Context, id string, code, message string) (bool, error)

	// CancelQueued moves validating -> cancelled immediately.
	CancelQueued(ctx context.Context, id string) (bool, error)

	// RequestCancel flags a running job; the scheduler observes the flag
	// between chunks. Moves in_progress -> cancelling.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// ResetInterrupted returns in_progress/finalizing/cancelling jobs to
	// validating after a crash. Returns the number of jobs reset.
	ResetInterrupted(ctx context.Context) (int64, error)

	// ExpireOverdue marks queued jobs past their deadline expired and
	// returns them so notifications can fire.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*models.Job, error)

	// CountQueued counts jobs in validating or in_progress.
	CountQueued(ctx context.Context) (int, error)

	// SumQueuedRequests sums total-checkpoint over queued jobs.
	SumQueuedRequests(ctx context.Context) (int, error)

	// DeleteTerminalOlderThan removes old terminal jobs, returning their ids.
	DeleteTerminalOlderThan(ctx context.Context, before time.Time) ([]string, error)
}

// FailedRequestRepository defines methods for the dead-letter queue.
type FailedRequestRepository interface {
	CreateBatch(ctx context.Context, reqs []*models.FailedRequest) error
	ListByJob(ctx context.Context, jobID string) ([]*models.FailedRequest, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
	DeleteByJobIDs(ctx context.Context, jobIDs []string) error
}

// HeartbeatRepository defines methods for the worker liveness row.
type HeartbeatRepository interface {
	Upsert(ctx context.Context, hb *models.WorkerHeartbeat) error
	Get(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error)
	Touch(ctx context.Context, workerID string, gpuMemoryFraction, gpuTemperatureC *float64) error
	MarkDead(ctx context.Context, workerID string) error
}

// WebhookDeliveryRepository defines methods for persisted webhook deliveries.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, d *models.WebhookDelivery) error
	Update(ctx context.Context, d *models.WebhookDelivery) error
	GetByJobID(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error)
	// GetDue returns non-terminal deliveries whose next attempt is due.
	GetDue(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	DeleteByJobIDs(ctx context.Context, jobIDs []string) error
}

// ModelRepository defines methods for the model registry table.
type ModelRepository interface {
	Upsert(ctx context.Context, spec *models.ModelSpec) error
	GetByName(ctx context.Context, name string) (*models.ModelSpec, error)
	List(ctx context.Context) ([]*models.ModelSpec, error)
	Count(ctx context.Context) (int, error)
}

// Repositories holds all repository instances.
type Repositories struct {
	File            FileRepository
	Job             JobRepository
	FailedRequest   FailedRequestRepository
	Heartbeat       HeartbeatRepository
	WebhookDelivery WebhookDeliveryRepository
	Model           ModelRepository
}

// NewRepositories creates all repositories using SQLite implementations.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		File:            NewSQLiteFileRepository(db),
		Job:             NewSQLiteJobRepository(db),
		FailedRequest:   NewSQLiteFailedRequestRepository(db),
		Heartbeat:       NewSQLiteHeartbeatRepository(db),
		WebhookDelivery: NewSQLiteWebhookDeliveryRepository(db),
		Model:           NewSQLiteModelRepository(db),
	}
}
