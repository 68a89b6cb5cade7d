// Package admission gates job submission. Every check runs before a row is
// written so a rejected job leaves no trace.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/jsonl"
	"github.com/mlbatch/batchd/internal/metrics"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/repository"
)

const defaultEndpoint = "/v1/chat/completions"

// SubmitParams are the caller-supplied fields of a new job.
type SubmitParams struct {
	InputFileID      string
	ModelName        string
	Endpoint         string
	CompletionWindow string
	Metadata         map[string]string
	WebhookURL       string
	WebhookSecret    string
	Priority         int
}

// Controller validates submissions and creates jobs in validating state.
type Controller struct {
	cfg      *config.Config
	files    repository.FileRepository
	jobs     repository.JobRepository
	registry *registry.Registry
	store    *blob.LocalStore
	probe    gpu.Probe
	logger   *slog.Logger
}

// New creates an admission controller.
func New(cfg *config.Config, repos *repository.Repositories, reg *registry.Registry, store *blob.LocalStore, probe gpu.Probe, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		files:    repos.File,
		jobs:     repos.Job,
		registry: reg,
		store:    store,
		probe:    probe,
		logger:   logger,
	}
}

// Submit runs the admission checks in order and creates the job. The checks
// run against a snapshot; the single scheduler is the only other writer, so
// the queue counters cannot race far.
func (c *Controller) Submit(ctx context.Context, params SubmitParams) (*models.Job, error) {
	file, err := c.files.GetByID(ctx, params.InputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up input file: %w", err)
	}
	if file == nil {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "input file %q does not exist", params.InputFileID)
	}
	if file.Purpose != models.FilePurposeInput {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "file %s has purpose %q, want input", file.ID, file.Purpose)
	}
	if file.SizeBytes == 0 {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "input file %s is empty", file.ID)
	}

	total, err := c.countRequests(file)
	if err != nil {
		return nil, err
	}

	spec, err := c.registry.Resolve(ctx, params.ModelName)
	if err != nil {
		return nil, err
	}

	if err := c.checkQueue(ctx, total); err != nil {
		return nil, err
	}
	if err := c.checkGPU(ctx); err != nil {
		return nil, err
	}

	endpoint := params.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if endpoint != defaultEndpoint {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "unsupported endpoint %q", endpoint)
	}

	window, windowStr, err := c.completionWindow(params.CompletionWindow)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(window)
	job := &models.Job{
		ID:               models.NewBatchID(),
		InputFileID:      file.ID,
		Endpoint:         endpoint,
		CompletionWindow: windowStr,
		ModelName:        spec.Name,
		Status:           models.JobStatusValidating,
		RequestCounts:    models.RequestCounts{Total: total},
		Priority:         params.Priority,
		Metadata:         params.Metadata,
		ExpiresAt:        &expiresAt,
		CreatedAt:        now,
	}
	if params.WebhookURL != "" {
		job.WebhookURL = &params.WebhookURL
	}
	if params.WebhookSecret != "" {
		job.WebhookSecret = &params.WebhookSecret
	}

	if err := c.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	c.logger.Info("job admitted",
		"job_id", job.ID,
		"model", job.ModelName,
		"requests", total,
		"priority", job.Priority,
	)
	return job, nil
}

// countRequests streams the input file once, validating every line.
func (c *Controller) countRequests(file *models.File) (int, error) {
	r, err := c.store.Open(file.StorageKey)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInvalidRequest, "input file content is missing", err)
	}
	defer r.Close()

	total, err := jsonl.ValidateAndCount(r, c.cfg.MaxRequestsPerJob)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (c *Controller) checkQueue(ctx context.Context, incoming int) error {
	depth, err := c.jobs.CountQueued(ctx)
	if err != nil {
		return fmt.Errorf("failed to count queued jobs: %w", err)
	}
	if depth >= c.cfg.MaxQueueDepth {
		return apperr.Newf(apperr.CodeQueueFull, "queue depth %d is at the limit, retry later", depth)
	}

	queued, err := c.jobs.SumQueuedRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to sum queued requests: %w", err)
	}
	metrics.SetQueueDepth(depth, queued)
	if queued+incoming > c.cfg.MaxTotalQueuedRequests {
		return apperr.Newf(apperr.CodeQueueFull,
			"%d queued requests plus %d incoming exceeds the limit, retry later", queued, incoming)
	}
	return nil
}

// checkGPU rejects submissions while the device is saturated or hot. A probe
// failure means unknown, not unhealthy; submissions pass with a warning.
func (c *Controller) checkGPU(ctx context.Context) error {
	reading, err := c.probe.Probe(ctx)
	if err != nil {
		c.logger.Warn("gpu probe failed during admission, allowing submission", "error", err)
		return nil
	}
	metrics.SetGPU(reading.MemoryFraction(), float64(reading.TemperatureC))

	if reading.MemoryFraction() > c.cfg.GpuMemoryMaxFraction {
		return apperr.Newf(apperr.CodeServiceUnavailable,
			"gpu memory at %.0f%%, retry later", reading.MemoryFraction()*100)
	}
	if reading.TemperatureC > c.cfg.GpuTempMaxC {
		return apperr.Newf(apperr.CodeServiceUnavailable,
			"gpu temperature at %d C, retry later", reading.TemperatureC)
	}
	return nil
}

func (c *Controller) completionWindow(s string) (time.Duration, string, error) {
	if s == "" {
		d := c.cfg.CompletionWindowDefault
		return d, d.String(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, "", apperr.Newf(apperr.CodeInvalidRequest, "invalid completion_window %q", s)
	}
	return d, s, nil
}
