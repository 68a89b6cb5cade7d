package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/mlbatch/batchd/internal/database/migrations"
	"github.com/mlbatch/batchd/internal/models"
)

// setupTestDB creates an in-memory SQLite database for testing.
// It runs migrations and returns a database connection that will be cleaned up
// when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories using a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	db := setupTestDB(t)
	return NewRepositories(db)
}

// insertTestFile inserts a file row and returns its id.
func insertTestFile(t *testing.T, repos *Repositories, id string, purpose models.FilePurpose) string {
	t.Helper()
	err := repos.File.Create(context.Background(), &models.File{
		ID:         id,
		Purpose:    purpose,
		SizeBytes:  128,
		LineCount:  3,
		StorageKey: "files/" + id + ".jsonl",
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to insert test file: %v", err)
	}
	return id
}

// insertTestJob inserts a queued job bound to inputFileID and returns it.
func insertTestJob(t *testing.T, repos *Repositories, id, inputFileID string, total int) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:               id,
		InputFileID:      inputFileID,
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
		ModelName:        "gemma-3-4b",
		Status:           models.JobStatusValidating,
		RequestCounts:    models.RequestCounts{Total: total},
		CreatedAt:        time.Now().UTC(),
	}
	if err := repos.Job.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to insert test job: %v", err)
	}
	return job
}
