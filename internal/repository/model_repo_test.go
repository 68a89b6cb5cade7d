package repository

import (
	"context"
	"testing"

	"github.com/mlbatch/batchd/internal/models"
)

func TestModelRepositoryUpsertAndGet(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	temp := 0.7
	spec := &models.ModelSpec{
		Name:               "gemma-3-4b",
		EngineID:           "gemma3:4b",
		MaxContextTokens:   8192,
		EstimatedVramGB:    4.2,
		DefaultTemperature: &temp,
	}
	if err := repos.Model.Upsert(ctx, spec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := repos.Model.GetByName(ctx, "gemma-3-4b")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected spec, got nil")
	}
	if got.EngineID != "gemma3:4b" || got.MaxContextTokens != 8192 {
		t.Errorf("got %+v", got)
	}
	if got.DefaultTemperature == nil || *got.DefaultTemperature != 0.7 {
		t.Errorf("default_temperature = %v, want 0.7", got.DefaultTemperature)
	}

	// Upsert overwrites in place.
	spec.MaxContextTokens = 32768
	if err := repos.Model.Upsert(ctx, spec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, _ = repos.Model.GetByName(ctx, "gemma-3-4b")
	if got.MaxContextTokens != 32768 {
		t.Errorf("max_context_tokens = %d, want 32768", got.MaxContextTokens)
	}

	count, err := repos.Model.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	missing, err := repos.Model.GetByName(ctx, "nope")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown model, got %+v", missing)
	}
}
