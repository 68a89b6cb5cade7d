package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/database/migrations"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/logging"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/repository"
	"github.com/mlbatch/batchd/internal/webhook"
)

type stubProbe struct {
	reading gpu.Reading
	err     error
}

func (s *stubProbe) Probe(_ context.Context) (gpu.Reading, error) {
	return s.reading, s.err
}

type fixture struct {
	svcs  *Services
	repos *repository.Repositories
	store *blob.LocalStore
	probe *stubProbe
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatal(err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repos := repository.NewRepositories(db)
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		BaseURL:                "http://localhost:8080",
		WorkerID:               "batchd-test",
		MaxQueueDepth:          20,
		GpuMemoryMaxFraction:   0.95,
		GpuTempMaxC:            85,
		HeartbeatDeadThreshold: time.Minute,
		RetentionMaxAge:        30 * 24 * time.Hour,
		RetentionInterval:      time.Hour,
		WebhookMaxAttempts:     3,
		WebhookBaseBackoff:     time.Second,
		WebhookMaxBackoff:      time.Minute,
		WebhookAttemptTimeout:  time.Second,
	}

	logger := logging.Discard()
	probe := &stubProbe{reading: gpu.Reading{MemoryUsedMB: 1000, MemoryTotalMB: 16000, TemperatureC: 50}}
	reg := registry.New(repos.Model, logger)
	dispatcher := webhook.NewDispatcher(cfg, repos, logger)

	svcs := NewServices(cfg, repos, store, nil, reg, probe, dispatcher, logger)
	return &fixture{svcs: svcs, repos: repos, store: store, probe: probe, cfg: cfg}
}

func (f *fixture) addInputFile(t *testing.T, id, content string) *models.File {
	t.Helper()
	key := blob.FileKey(id)
	size, err := f.store.Put(key, strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	file := &models.File{
		ID:         id,
		Purpose:    models.FilePurposeInput,
		SizeBytes:  size,
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.repos.File.Create(context.Background(), file); err != nil {
		t.Fatal(err)
	}
	return file
}

func (f *fixture) addJob(t *testing.T, id string, status models.JobStatus) *models.Job {
	t.Helper()
	f.addInputFile(t, "file-"+id, "{\"custom_id\":\"req-1\"}\n")
	hookURL := "https://example.com/hook"
	job := &models.Job{
		ID:               id,
		InputFileID:      "file-" + id,
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
		ModelName:        "gemma-3-4b",
		Status:           models.JobStatusValidating,
		RequestCounts:    models.RequestCounts{Total: 1},
		WebhookURL:       &hookURL,
		CreatedAt:        time.Now().UTC(),
	}
	if err := f.repos.Job.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	switch status {
	case models.JobStatusValidating:
	case models.JobStatusInProgress:
		if _, err := f.repos.Job.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
	case models.JobStatusCompleted:
		if _, err := f.repos.Job.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
		if err := f.repos.Job.CommitChunk(ctx, id, 1, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := f.repos.Job.Finish(ctx, id, models.JobStatusCompleted, nil, nil); err != nil {
			t.Fatal(err)
		}
	default:
		t.Fatalf("unsupported fixture status %s", status)
	}
	got, err := f.repos.Job.GetByID(ctx, id)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	return got
}
