// Package registry maps model names to engine parameters. The models table
// is the source of truth; a built-in list seeds an empty table on startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
)

// Registry resolves model names for admission and the scheduler.
type Registry struct {
	repo   repository.ModelRepository
	logger *slog.Logger
}

// New creates a registry backed by the models table.
func New(repo repository.ModelRepository, logger *slog.Logger) *Registry {
	return &Registry{repo: repo, logger: logger}
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

// builtinModels seeds a fresh deployment. Operators add or override rows
// through the models table.
var builtinModels = []*models.ModelSpec{
	{
		Name:               "gemma-3-4b",
		EngineID:           "gemma3:4b",
		MaxContextTokens:   131072,
		EstimatedVramGB:    5.0,
		DefaultTemperature: floatPtr(0.7),
		DefaultTopP:        floatPtr(0.9),
		DefaultMaxTokens:   intPtr(2048),
	},
	{
		Name:               "gemma-3-12b",
		EngineID:           "gemma3:12b",
		MaxContextTokens:   131072,
		EstimatedVramGB:    9.5,
		DefaultTemperature: floatPtr(0.7),
		DefaultTopP:        floatPtr(0.9),
		DefaultMaxTokens:   intPtr(2048),
	},
	{
		Name:               "llama-3.1-8b",
		EngineID:           "llama3.1:8b",
		MaxContextTokens:   131072,
		EstimatedVramGB:    6.5,
		DefaultTemperature: floatPtr(0.6),
		DefaultTopP:        floatPtr(0.9),
		DefaultMaxTokens:   intPtr(2048),
	},
	{
		Name:               "qwen-2.5-7b",
		EngineID:           "qwen2.5:7b",
		MaxContextTokens:   32768,
		EstimatedVramGB:    6.0,
		DefaultTemperature: floatPtr(0.7),
		DefaultTopP:        floatPtr(0.8),
		DefaultMaxTokens:   intPtr(2048),
	},
}

// Seed inserts the built-in models when the table is empty. Existing rows
// are never overwritten.
func (r *Registry) Seed(ctx context.Context) error {
	count, err := r.repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count models: %w", err)
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, spec := range builtinModels {
		s := *spec
		s.CreatedAt = now
		s.UpdatedAt = now
		if err := r.repo.Upsert(ctx, &s); err != nil {
			return fmt.Errorf("failed to seed model %s: %w", s.Name, err)
		}
	}
	r.logger.Info("seeded model registry", "models", len(builtinModels))
	return nil
}

// Resolve looks up a model by name. Unknown names are an error, never a
// pass-through.
func (r *Registry) Resolve(ctx context.Context, name string) (*models.ModelSpec, error) {
	spec, err := r.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up model %s: %w", name, err)
	}
	if spec == nil {
		return nil, apperr.Newf(apperr.CodeUnknownModel, "model %q is not in the registry", name)
	}
	return spec, nil
}

// List returns all registered models.
func (r *Registry) List(ctx context.Context) ([]*models.ModelSpec, error) {
	return r.repo.List(ctx)
}
