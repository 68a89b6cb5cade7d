// Package scheduler drives the GPU. Exactly one scheduler instance runs per
// deployment; it claims one job at a time, executes it in chunks, and commits
// a durable checkpoint after every chunk so a crash never loses work.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/engine"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/jsonl"
	"github.com/mlbatch/batchd/internal/metrics"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/repository"
	"github.com/mlbatch/batchd/internal/webhook"
)

// errorRateMinSample is the number of processed requests before the error
// rate guard can fire.
const errorRateMinSample = 100

// Scheduler executes batch jobs one at a time against the inference engine.
type Scheduler struct {
	cfg        *config.Config
	jobs       repository.JobRepository
	files      repository.FileRepository
	dlq        repository.FailedRequestRepository
	heartbeats repository.HeartbeatRepository
	store      *blob.LocalStore
	mirror     *blob.Mirror
	engine     engine.Engine
	probe      gpu.Probe
	registry   *registry.Registry
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger

	// loadedModel is the engine id of the resident model. Process-local;
	// the heartbeat row mirrors it for observers.
	loadedModel string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler.
func New(cfg *config.Config, repos *repository.Repositories, store *blob.LocalStore, mirror *blob.Mirror, eng engine.Engine, probe gpu.Probe, reg *registry.Registry, dispatcher *webhook.Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		jobs:       repos.Job,
		files:      repos.File,
		dlq:        repos.FailedRequest,
		heartbeats: repos.Heartbeat,
		store:      store,
		mirror:     mirror,
		engine:     eng,
		probe:      probe,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start recovers interrupted state and launches the poll and heartbeat loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.beat(ctx)
			}
		}
	}()

	return nil
}

// Stop halts the loops. The in-flight chunk finishes; the job is left for
// crash recovery on the next start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// recover marks the previous incarnation's heartbeat dead and returns
// interrupted jobs to the queue. Their checkpoints and staging files make
// re-execution resume where the crash cut it off.
func (s *Scheduler) recover(ctx context.Context) error {
	prev, err := s.heartbeats.Get(ctx, s.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to read prior heartbeat: %w", err)
	}
	if prev != nil && prev.Status != models.WorkerStatusDead {
		if err := s.heartbeats.MarkDead(ctx, s.cfg.WorkerID); err != nil {
			return fmt.Errorf("failed to mark prior heartbeat dead: %w", err)
		}
		s.logger.Info("marked prior worker incarnation dead", "worker_id", s.cfg.WorkerID)
	}

	reset, err := s.jobs.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted jobs: %w", err)
	}
	if reset > 0 {
		s.logger.Info("requeued interrupted jobs", "count", reset)
	}

	return s.setHeartbeat(ctx, models.WorkerStatusIdle, nil)
}

// tick runs one scheduling round: expire overdue queued jobs, then claim and
// run the next job if any.
func (s *Scheduler) tick(ctx context.Context) {
	expired, err := s.jobs.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("failed to expire overdue jobs", "error", err)
	}
	for _, job := range expired {
		s.logger.Info("job expired in queue", "job_id", job.ID)
		metrics.IncJobFinished(string(models.JobStatusExpired))
		s.enqueueWebhook(ctx, job.ID)
	}

	job, err := s.jobs.ClaimNext(ctx)
	if err != nil {
		s.logger.Error("failed to claim next job", "error", err)
		return
	}
	if job == nil {
		return
	}
	s.runJob(ctx, job)
}

// runJob executes one claimed job to a terminal state. Panics are contained:
// the job fails, the scheduler survives.
func (s *Scheduler) runJob(ctx context.Context, job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during job execution", "job_id", job.ID, "panic", r)
			s.failJob(ctx, job.ID, apperr.CodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	s.logger.Info("job started",
		"job_id", job.ID,
		"model", job.ModelName,
		"total", job.RequestCounts.Total,
		"checkpoint", job.Checkpoint,
		"attempt", job.AttemptCount,
	)

	spec, err := s.registry.Resolve(ctx, job.ModelName)
	if err != nil {
		s.failJob(ctx, job.ID, apperr.CodeOf(err), err.Error())
		return
	}

	k, err := s.resumePoint(ctx, job)
	if err != nil {
		s.failJob(ctx, job.ID, apperr.CodeInternal, err.Error())
		return
	}

	if err := s.ensureModel(ctx, job, spec); err != nil {
		s.failJob(ctx, job.ID, apperr.CodeModelLoadFailed, err.Error())
		return
	}

	final, err := s.chunkLoop(ctx, job, spec, k)
	if err != nil {
		s.failJob(ctx, job.ID, apperr.CodeOf(err), err.Error())
		return
	}
	if final == "" {
		// Shutdown or a concurrent terminal transition: nothing to do,
		// crash recovery picks up an interrupted job.
		return
	}

	s.finalize(ctx, job, final)
}

// resumePoint reconciles the staging file with the stored checkpoint. The
// file is the source of truth: a crash between append and commit leaves the
// file ahead by at most one chunk, whose counts are recovered by rereading
// the extra lines.
func (s *Scheduler) resumePoint(ctx context.Context, job *models.Job) (int, error) {
	key := blob.StagingKey(job.ID)
	exists, err := s.store.Exists(key)
	if err != nil {
		return 0, fmt.Errorf("failed to stat staging file: %w", err)
	}
	if !exists {
		if job.Checkpoint != 0 {
			return 0, fmt.Errorf("checkpoint is %d but staging file is missing", job.Checkpoint)
		}
		return 0, nil
	}

	lines, err := s.store.LineCount(key)
	if err != nil {
		return 0, fmt.Errorf("failed to count staging lines: %w", err)
	}
	if lines < job.Checkpoint {
		return 0, fmt.Errorf("staging file has %d lines, checkpoint is %d", lines, job.Checkpoint)
	}
	if lines == job.Checkpoint {
		return lines, nil
	}

	// Recover the counts of lines written but never committed.
	completed, failed, err := s.recountTail(key, job.Checkpoint)
	if err != nil {
		return 0, err
	}
	if err := s.jobs.CommitChunk(ctx, job.ID, completed, failed); err != nil {
		return 0, fmt.Errorf("failed to commit recovered chunk: %w", err)
	}
	job.RequestCounts.Completed += completed
	job.RequestCounts.Failed += failed
	s.logger.Info("recovered uncommitted output lines",
		"job_id", job.ID,
		"from", job.Checkpoint,
		"to", lines,
	)
	return lines, nil
}

// recountTail classifies staging lines from index from onward.
func (s *Scheduler) recountTail(key string, from int) (completed, failed int, err error) {
	f, err := s.store.Open(key)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()
	return jsonl.TailCounts(f, from)
}

// ensureModel swaps the resident model when the job needs a different one.
// Memory is released before the next model allocates.
func (s *Scheduler) ensureModel(ctx context.Context, job *models.Job, spec *models.ModelSpec) error {
	if s.loadedModel == spec.EngineID {
		s.setHeartbeatForJob(ctx, models.WorkerStatusProcessing, job.ID)
		return nil
	}

	if s.loadedModel != "" {
		s.setHeartbeatForJob(ctx, models.WorkerStatusUnloading, job.ID)
		prev := &models.ModelSpec{EngineID: s.loadedModel}
		if err := s.engine.Unload(ctx, prev); err != nil {
			s.logger.Warn("failed to unload model, loading over it", "model", s.loadedModel, "error", err)
		}
		s.loadedModel = ""
	}

	s.setHeartbeatForJob(ctx, models.WorkerStatusLoading, job.ID)
	s.logger.Info("loading model", "job_id", job.ID, "model", spec.EngineID)
	if err := s.engine.Load(ctx, spec); err != nil {
		return err
	}
	s.loadedModel = spec.EngineID
	s.setHeartbeatForJob(ctx, models.WorkerStatusProcessing, job.ID)
	return nil
}

// chunkLoop runs the job from request index k to the end. Returns the final
// status, or "" when shutdown interrupted the job, or an error that fails it.
func (s *Scheduler) chunkLoop(ctx context.Context, job *models.Job, spec *models.ModelSpec, k int) (models.JobStatus, error) {
	in, err := s.openInput(ctx, job)
	if err != nil {
		return "", err
	}
	defer in.close()

	if err := in.reader.Skip(k); err != nil {
		return "", fmt.Errorf("failed to seek input to request %d: %w", k, err)
	}

	stagingKey := blob.StagingKey(job.ID)
	done := k

	for done < job.RequestCounts.Total {
		if ctx.Err() != nil {
			return "", nil
		}

		if err := s.healthGate(ctx); err != nil {
			return "", err
		}

		// Cancellation and expiry are observed between chunks.
		current, err := s.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return "", fmt.Errorf("failed to refresh job: %w", err)
		}
		if current == nil || current.Status.IsTerminal() {
			return "", nil
		}
		if current.CancelRequested {
			s.logger.Info("cancel observed", "job_id", job.ID, "checkpoint", done)
			return models.JobStatusCancelled, nil
		}
		if current.ExpiresAt != nil && time.Now().UTC().After(*current.ExpiresAt) {
			s.logger.Info("deadline passed mid-job", "job_id", job.ID, "checkpoint", done)
			return models.JobStatusExpired, nil
		}

		size := s.cfg.ChunkSize
		if remaining := job.RequestCounts.Total - done; remaining < size {
			size = remaining
		}
		lines, err := in.reader.ReadWindow(size)
		if err != nil {
			return "", fmt.Errorf("failed to read input window: %w", err)
		}
		if len(lines) == 0 {
			return "", fmt.Errorf("input file ended at request %d, expected %d", done, job.RequestCounts.Total)
		}

		start := time.Now()
		results, fatal := s.generateChunk(ctx, spec, lines)
		if fatal != nil {
			if ctx.Err() != nil {
				// Shutdown mid-chunk. Nothing was appended, so the next
				// incarnation re-runs this window from the committed
				// checkpoint.
				s.logger.Info("shutdown interrupted chunk", "job_id", job.ID, "checkpoint", done)
				return "", nil
			}
			return "", fatal
		}

		completed, failed, dlqRows := tally(job.ID, lines, results)

		encoded, err := jsonl.EncodeResults(results)
		if err != nil {
			return "", err
		}
		// Durable append first; the checkpoint must never run ahead of
		// the file.
		if err := s.store.Append(stagingKey, encoded); err != nil {
			return "", fmt.Errorf("failed to append output: %w", err)
		}
		if len(dlqRows) > 0 {
			if err := s.dlq.CreateBatch(ctx, dlqRows); err != nil {
				return "", fmt.Errorf("failed to record failed requests: %w", err)
			}
		}
		if err := s.jobs.CommitChunk(ctx, job.ID, completed, failed); err != nil {
			return "", fmt.Errorf("failed to commit chunk: %w", err)
		}
		done += len(results)
		job.RequestCounts.Completed += completed
		job.RequestCounts.Failed += failed
		s.setHeartbeatForJob(ctx, models.WorkerStatusProcessing, job.ID)

		metrics.ObserveChunk("ok", time.Since(start))
		metrics.AddRequests(completed, failed)
		s.logger.Debug("chunk committed",
			"job_id", job.ID,
			"checkpoint", done,
			"completed", completed,
			"failed", failed,
		)

		if processed := job.RequestCounts.Completed + job.RequestCounts.Failed; processed >= errorRateMinSample {
			rate := float64(job.RequestCounts.Failed) / float64(processed)
			if rate > s.cfg.ErrorRateAbort {
				return "", apperr.Newf(apperr.CodeExcessiveErrors,
					"%.0f%% of %d requests failed", rate*100, processed)
			}
		}
	}

	return models.JobStatusCompleted, nil
}

// healthGate blocks until the device is usable. A failed probe is unknown
// state and counts as a pause. After HealthBackoffMax pauses the job fails.
func (s *Scheduler) healthGate(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		reading, err := s.probe.Probe(ctx)
		if err == nil {
			metrics.SetGPU(reading.MemoryFraction(), float64(reading.TemperatureC))
			if reading.MemoryFraction() <= s.cfg.GpuMemoryAbortFraction &&
				reading.TemperatureC <= s.cfg.GpuTempMaxC {
				return nil
			}
			s.logger.Warn("gpu unhealthy, pausing",
				"memory_fraction", reading.MemoryFraction(),
				"temperature_c", reading.TemperatureC,
				"attempt", attempt+1,
			)
		} else {
			s.logger.Warn("gpu probe failed, pausing", "error", err, "attempt", attempt+1)
		}

		if attempt+1 >= s.cfg.HealthBackoffMax {
			return apperr.New(apperr.CodeGpuUnhealthy, "gpu did not recover within the backoff budget")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.HealthBackoff):
		}
	}
}

// generateChunk runs one window of requests in input order. Per-request
// failures become error result lines; transient engine failures are retried
// a bounded number of times, after which the rest of the window is error
// filled to preserve ordering. Fatal engine errors abort the job; parent
// cancellation abandons the window so restart re-runs it.
func (s *Scheduler) generateChunk(ctx context.Context, spec *models.ModelSpec, lines []jsonl.Line) ([]models.BatchResultLine, error) {
	timeout := time.Duration(len(lines)) * s.cfg.ChunkTimeoutPerRequest
	chunkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]models.BatchResultLine, 0, len(lines))
	retries := 0
	i := 0
	for i < len(lines) {
		line := lines[i]
		if line.Err != nil {
			results = append(results, errorLine(customID(line), apperr.CodeBadRequestLine, line.Err.Error()))
			i++
			continue
		}
		if chunkCtx.Err() != nil && ctx.Err() == nil {
			// Chunk deadline: error-fill the remainder so the output
			// file keeps input order.
			for ; i < len(lines); i++ {
				results = append(results, errorLine(customID(lines[i]), apperr.CodeChunkTimeout, "chunk deadline exceeded"))
			}
			break
		}

		comp, err := s.engine.Generate(chunkCtx, spec, line.Req)
		if err == nil {
			results = append(results, okLine(line.Req.CustomID, comp))
			i++
			retries = 0
			continue
		}

		switch code := apperr.CodeOf(err); code {
		case apperr.CodeTokenLimit, apperr.CodeGenerationError, apperr.CodeBadRequestLine:
			results = append(results, errorLine(line.Req.CustomID, code, err.Error()))
			i++
			retries = 0
		case apperr.CodeInferenceFatal, apperr.CodeModelLoadFailed:
			return nil, err
		default:
			if ctx.Err() != nil {
				// Shutdown, not an engine fault; the window must stay
				// uncommitted so its requests are not charged an error.
				return nil, ctx.Err()
			}
			retries++
			if retries > s.cfg.ChunkRetryMax {
				s.logger.Warn("chunk retries exhausted, error-filling remainder",
					"at", i, "of", len(lines), "error", err)
				for ; i < len(lines); i++ {
					results = append(results, errorLine(customID(lines[i]), apperr.CodeInferenceTransient, err.Error()))
				}
				break
			}
			s.logger.Warn("transient inference failure, retrying", "retry", retries, "error", err)
			select {
			case <-chunkCtx.Done():
			case <-time.After(time.Duration(retries) * time.Second):
			}
		}
	}
	return results, nil
}

func customID(line jsonl.Line) string {
	if line.Req != nil {
		return line.Req.CustomID
	}
	return fmt.Sprintf("line-%d", line.Index+1)
}

func okLine(customID string, comp *models.ChatCompletion) models.BatchResultLine {
	return models.BatchResultLine{
		CustomID: customID,
		Response: &models.ResultResponse{
			StatusCode: 200,
			RequestID:  models.NewID(),
			Body:       comp,
		},
	}
}

func errorLine(customID string, code apperr.Code, message string) models.BatchResultLine {
	return models.BatchResultLine{
		CustomID: customID,
		Response: &models.ResultResponse{StatusCode: apperr.HTTPStatus(code), RequestID: models.NewID()},
		Error:    &models.LineError{Code: string(code), Message: message},
	}
}

// tally splits a chunk's results into counters and DLQ rows.
func tally(jobID string, lines []jsonl.Line, results []models.BatchResultLine) (completed, failed int, dlqRows []*models.FailedRequest) {
	for i, res := range results {
		if res.Error == nil {
			completed++
			continue
		}
		failed++
		dlqRows = append(dlqRows, &models.FailedRequest{
			JobID:        jobID,
			CustomID:     res.CustomID,
			RequestIndex: lines[i].Index,
			ErrorCode:    res.Error.Code,
			ErrorMessage: res.Error.Message,
		})
	}
	return completed, failed, dlqRows
}

// finalize moves the job to its terminal state, registering the output and
// error files. Partial output of a cancelled or expired job is preserved.
func (s *Scheduler) finalize(ctx context.Context, job *models.Job, status models.JobStatus) {
	if status == models.JobStatusCompleted {
		ok, err := s.jobs.MarkFinalizing(ctx, job.ID)
		if err != nil || !ok {
			s.logger.Error("failed to mark job finalizing", "job_id", job.ID, "error", err)
			return
		}
	}

	outputFileID, err := s.registerOutputFile(ctx, job)
	if err != nil {
		s.failJob(ctx, job.ID, apperr.CodeInternal, err.Error())
		return
	}
	errorFileID, err := s.writeErrorFile(ctx, job)
	if err != nil {
		s.failJob(ctx, job.ID, apperr.CodeInternal, err.Error())
		return
	}

	ok, err := s.jobs.Finish(ctx, job.ID, status, outputFileID, errorFileID)
	if err != nil {
		s.logger.Error("failed to finish job", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		s.logger.Warn("job reached terminal state concurrently", "job_id", job.ID)
		return
	}

	metrics.IncJobFinished(string(status))
	s.logger.Info("job finished",
		"job_id", job.ID,
		"status", status,
		"completed", job.RequestCounts.Completed,
		"failed", job.RequestCounts.Failed,
	)
	s.enqueueWebhook(ctx, job.ID)
	s.setHeartbeat(ctx, models.WorkerStatusIdle, nil)
}

// registerOutputFile turns the staging blob into a readable output file.
// Jobs with no output lines get no output file.
func (s *Scheduler) registerOutputFile(ctx context.Context, job *models.Job) (*string, error) {
	key := blob.StagingKey(job.ID)
	exists, err := s.store.Exists(key)
	if err != nil || !exists {
		return nil, err
	}
	size, err := s.store.Size(key)
	if err != nil {
		return nil, err
	}
	lineCount, err := s.store.LineCount(key)
	if err != nil {
		return nil, err
	}
	if lineCount == 0 {
		return nil, nil
	}

	file := &models.File{
		ID:         models.NewFileID(),
		Purpose:    models.FilePurposeOutput,
		Filename:   job.ID + "_output.jsonl",
		SizeBytes:  size,
		LineCount:  lineCount,
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.files.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to register output file: %w", err)
	}
	s.mirrorBlob(ctx, key)
	return &file.ID, nil
}

// writeErrorFile renders the DLQ rows of a job as a compact error file.
func (s *Scheduler) writeErrorFile(ctx context.Context, job *models.Job) (*string, error) {
	rows, err := s.dlq.ListByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed requests: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	lines := make([]models.BatchResultLine, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, models.BatchResultLine{
			CustomID: row.CustomID,
			Error:    &models.LineError{Code: row.ErrorCode, Message: row.ErrorMessage},
		})
	}
	encoded, err := jsonl.EncodeResults(lines)
	if err != nil {
		return nil, err
	}

	fileID := models.NewFileID()
	key := blob.FileKey(fileID)
	size, err := s.store.Put(key, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to write error file: %w", err)
	}

	file := &models.File{
		ID:         fileID,
		Purpose:    models.FilePurposeError,
		Filename:   job.ID + "_errors.jsonl",
		SizeBytes:  size,
		LineCount:  len(lines),
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.files.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to register error file: %w", err)
	}
	s.mirrorBlob(ctx, key)
	return &file.ID, nil
}

func (s *Scheduler) mirrorBlob(ctx context.Context, key string) {
	if s.mirror == nil || !s.mirror.IsEnabled() {
		return
	}
	r, err := s.store.Open(key)
	if err != nil {
		s.logger.Warn("failed to open blob for mirroring", "key", key, "error", err)
		return
	}
	defer r.Close()
	if err := s.mirror.Upload(ctx, key, r); err != nil {
		s.logger.Warn("failed to mirror blob", "key", key, "error", err)
	}
}

// failJob moves a job to failed and fires its webhook. Never panics and
// never returns an error; a scheduler must outlive every job.
func (s *Scheduler) failJob(ctx context.Context, jobID string, code apperr.Code, message string) {
	ok, err := s.jobs.Fail(ctx, jobID, string(code), message)
	if err != nil {
		s.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		return
	}
	metrics.IncJobFinished(string(models.JobStatusFailed))
	s.logger.Error("job failed", "job_id", jobID, "code", code, "error", message)
	s.enqueueWebhook(ctx, jobID)
	s.setHeartbeat(ctx, models.WorkerStatusIdle, nil)
}

func (s *Scheduler) enqueueWebhook(ctx context.Context, jobID string) {
	if s.dispatcher == nil {
		return
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		s.logger.Error("failed to load job for webhook", "job_id", jobID, "error", err)
		return
	}
	if err := s.dispatcher.Enqueue(ctx, job); err != nil {
		s.logger.Error("failed to enqueue webhook", "job_id", jobID, "error", err)
	}
}

// beat refreshes last_seen_at and the latest GPU reading. Status and job
// fields are untouched; they belong to the execution goroutine.
func (s *Scheduler) beat(ctx context.Context) {
	var frac, temp *float64
	if reading, err := s.probe.Probe(ctx); err == nil {
		f := reading.MemoryFraction()
		c := float64(reading.TemperatureC)
		frac, temp = &f, &c
		metrics.SetGPU(f, c)
	}
	if err := s.heartbeats.Touch(ctx, s.cfg.WorkerID, frac, temp); err != nil {
		s.logger.Error("failed to touch heartbeat", "error", err)
	}
}

func (s *Scheduler) setHeartbeat(ctx context.Context, status models.WorkerStatus, jobID *string) error {
	hb := &models.WorkerHeartbeat{
		WorkerID:     s.cfg.WorkerID,
		Status:       status,
		CurrentJobID: jobID,
		LastSeenAt:   time.Now().UTC(),
	}
	if s.loadedModel != "" {
		hb.LoadedModel = &s.loadedModel
	}
	if err := s.heartbeats.Upsert(ctx, hb); err != nil {
		s.logger.Error("failed to write heartbeat", "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) setHeartbeatForJob(ctx context.Context, status models.WorkerStatus, jobID string) {
	s.setHeartbeat(ctx, status, &jobID)
}

// inputFile bundles the open input stream with its reader.
type inputFile struct {
	rc     io.ReadCloser
	reader *jsonl.Reader
}

func (f *inputFile) close() { _ = f.rc.Close() }

func (s *Scheduler) openInput(ctx context.Context, job *models.Job) (*inputFile, error) {
	file, err := s.files.GetByID(ctx, job.InputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up input file: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("input file %s is gone", job.InputFileID)
	}
	rc, err := s.store.Open(file.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return &inputFile{rc: rc, reader: jsonl.NewReader(rc)}, nil
}
