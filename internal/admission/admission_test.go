package admission

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/repository"
)

type stubFileRepo struct {
	repository.FileRepository
	files map[string]*models.File
}

func (s *stubFileRepo) GetByID(_ context.Context, id string) (*models.File, error) {
	return s.files[id], nil
}

type stubJobRepo struct {
	repository.JobRepository
	created        []*models.Job
	queuedJobs     int
	queuedRequests int
}

func (s *stubJobRepo) Create(_ context.Context, job *models.Job) error {
	s.created = append(s.created, job)
	return nil
}

func (s *stubJobRepo) CountQueued(_ context.Context) (int, error) {
	return s.queuedJobs, nil
}

func (s *stubJobRepo) SumQueuedRequests(_ context.Context) (int, error) {
	return s.queuedRequests, nil
}

type stubModelRepo struct {
	repository.ModelRepository
	specs map[string]*models.ModelSpec
}

func (s *stubModelRepo) GetByName(_ context.Context, name string) (*models.ModelSpec, error) {
	return s.specs[name], nil
}

type stubProbe struct {
	reading gpu.Reading
	err     error
}

func (s *stubProbe) Probe(_ context.Context) (gpu.Reading, error) {
	return s.reading, s.err
}

const validInput = `{"custom_id":"req-1","method":"POST","url":"/v1/chat/completions","body":{"messages":[{"role":"user","content":"2+2?"}]}}
{"custom_id":"req-2","method":"POST","url":"/v1/chat/completions","body":{"messages":[{"role":"user","content":"3+3?"}]}}
{"custom_id":"req-3","method":"POST","url":"/v1/chat/completions","body":{"messages":[{"role":"user","content":"4+4?"}]}}
`

type fixture struct {
	ctrl  *Controller
	files *stubFileRepo
	jobs  *stubJobRepo
	probe *stubProbe
	store *blob.LocalStore
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	files := &stubFileRepo{files: make(map[string]*models.File)}
	jobs := &stubJobRepo{}
	modelRepo := &stubModelRepo{specs: map[string]*models.ModelSpec{
		"gemma-3-4b": {Name: "gemma-3-4b", EngineID: "gemma3:4b"},
	}}
	probe := &stubProbe{reading: gpu.Reading{MemoryUsedMB: 1000, MemoryTotalMB: 16000, TemperatureC: 50}}

	cfg := &config.Config{
		MaxRequestsPerJob:       50000,
		MaxQueueDepth:           20,
		MaxTotalQueuedRequests:  1000000,
		GpuMemoryMaxFraction:    0.95,
		GpuTempMaxC:             85,
		CompletionWindowDefault: 24 * time.Hour,
	}

	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(modelRepo, logger)
	repos := &repository.Repositories{File: files, Job: jobs, Model: modelRepo}

	return &fixture{
		ctrl:  New(cfg, repos, reg, store, probe, logger),
		files: files,
		jobs:  jobs,
		probe: probe,
		store: store,
		cfg:   cfg,
	}
}

func (f *fixture) addInputFile(t *testing.T, id, content string) {
	t.Helper()
	key := blob.FileKey(id)
	n, err := f.store.Put(key, strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	f.files.files[id] = &models.File{
		ID:         id,
		Purpose:    models.FilePurposeInput,
		SizeBytes:  n,
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)

	job, err := f.ctrl.Submit(context.Background(), SubmitParams{
		InputFileID: "file-in",
		ModelName:   "gemma-3-4b",
		Metadata:    map[string]string{"team": "research"},
		Priority:    3,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if job.Status != models.JobStatusValidating {
		t.Errorf("status = %s, want validating", job.Status)
	}
	if job.RequestCounts.Total != 3 {
		t.Errorf("total = %d, want 3", job.RequestCounts.Total)
	}
	if job.Checkpoint != 0 || job.RequestCounts.Completed != 0 || job.RequestCounts.Failed != 0 {
		t.Errorf("fresh job has progress: %+v checkpoint=%d", job.RequestCounts, job.Checkpoint)
	}
	if job.Endpoint != defaultEndpoint {
		t.Errorf("endpoint = %q", job.Endpoint)
	}
	if job.Priority != 3 {
		t.Errorf("priority = %d, want 3", job.Priority)
	}
	if job.ExpiresAt == nil {
		t.Fatal("expires_at not set")
	}
	wantExpiry := time.Now().Add(24 * time.Hour)
	if diff := job.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expires_at = %v, want about %v", job.ExpiresAt, wantExpiry)
	}
	if len(f.jobs.created) != 1 {
		t.Errorf("created %d jobs, want 1", len(f.jobs.created))
	}
}

func TestSubmitFileChecks(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)
	f.files.files["file-out"] = &models.File{ID: "file-out", Purpose: models.FilePurposeOutput, SizeBytes: 10}
	f.files.files["file-empty"] = &models.File{ID: "file-empty", Purpose: models.FilePurposeInput, SizeBytes: 0}

	for _, id := range []string{"file-missing", "file-out", "file-empty"} {
		_, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: id, ModelName: "gemma-3-4b"})
		if apperr.CodeOf(err) != apperr.CodeInvalidRequest {
			t.Errorf("Submit(%s) err = %v, want invalid_request", id, err)
		}
	}
}

func TestSubmitMalformedFile(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-bad", "{\"custom_id\":\"req-1\"}\nnot json\n")

	_, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-bad", ModelName: "gemma-3-4b"})
	if apperr.CodeOf(err) != apperr.CodeMalformedInputFile {
		t.Errorf("err = %v, want malformed_input_file", err)
	}
	if len(f.jobs.created) != 0 {
		t.Error("rejected submission created a job")
	}
}

func TestSubmitRequestCountExceeded(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxRequestsPerJob = 2
	f.addInputFile(t, "file-in", validInput)

	_, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gemma-3-4b"})
	if apperr.CodeOf(err) != apperr.CodeRequestCountExceeded {
		t.Errorf("err = %v, want request_count_exceeded", err)
	}
}

func TestSubmitUnknownModel(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)

	_, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gpt-99"})
	if apperr.CodeOf(err) != apperr.CodeUnknownModel {
		t.Errorf("err = %v, want unknown_model", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)

	f.jobs.queuedJobs = 20
	_, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gemma-3-4b"})
	if apperr.CodeOf(err) != apperr.CodeQueueFull {
		t.Errorf("depth limit err = %v, want queue_full", err)
	}

	f.jobs.queuedJobs = 1
	f.jobs.queuedRequests = 999999
	_, err = f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gemma-3-4b"})
	if apperr.CodeOf(err) != apperr.CodeQueueFull {
		t.Errorf("request sum err = %v, want queue_full", err)
	}
}

func TestSubmitGPUUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)

	f.probe.reading = gpu.Reading{MemoryUsedMB: 15500, MemoryTotalMB: 16000, TemperatureC: 50}
	_, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gemma-3-4b"})
	if apperr.CodeOf(err) != apperr.CodeServiceUnavailable {
		t.Errorf("memory err = %v, want service_unavailable", err)
	}

	f.probe.reading = gpu.Reading{MemoryUsedMB: 1000, MemoryTotalMB: 16000, TemperatureC: 90}
	_, err = f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gemma-3-4b"})
	if apperr.CodeOf(err) != apperr.CodeServiceUnavailable {
		t.Errorf("temperature err = %v, want service_unavailable", err)
	}
}

func TestSubmitProbeFailureAllows(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)
	f.probe.err = context.DeadlineExceeded

	// Unknown device state does not block submission.
	if _, err := f.ctrl.Submit(context.Background(), SubmitParams{InputFileID: "file-in", ModelName: "gemma-3-4b"}); err != nil {
		t.Errorf("Submit failed on probe error: %v", err)
	}
}

func TestSubmitCompletionWindow(t *testing.T) {
	f := newFixture(t)
	f.addInputFile(t, "file-in", validInput)

	job, err := f.ctrl.Submit(context.Background(), SubmitParams{
		InputFileID:      "file-in",
		ModelName:        "gemma-3-4b",
		CompletionWindow: "1h",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.CompletionWindow != "1h" {
		t.Errorf("completion_window = %q, want 1h", job.CompletionWindow)
	}

	_, err = f.ctrl.Submit(context.Background(), SubmitParams{
		InputFileID:      "file-in",
		ModelName:        "gemma-3-4b",
		CompletionWindow: "soon",
	})
	if apperr.CodeOf(err) != apperr.CodeInvalidRequest {
		t.Errorf("err = %v, want invalid_request", err)
	}
}
