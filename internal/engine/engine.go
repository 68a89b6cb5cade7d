// Package engine binds the scheduler to an inference backend. Exactly one
// model is resident at a time; the scheduler drives Load/Unload around jobs.
package engine

import (
	"context"

	"github.com/mlbatch/batchd/internal/models"
)

// Engine is a single-model inference backend.
type Engine interface {
	// Load makes the model resident, evicting nothing on its own. Load of
	// an already resident model is a no-op on the backend side.
	Load(ctx context.Context, spec *models.ModelSpec) error

	// Unload releases the model's memory.
	Unload(ctx context.Context, spec *models.ModelSpec) error

	// Loaded returns the engine id of the resident model, or "" when none.
	Loaded(ctx context.Context) (string, error)

	// Generate runs one chat completion. Per-request failures (bad input,
	// context overflow) come back as apperr values with non-retriable
	// codes; transport and backend failures are retriable.
	Generate(ctx context.Context, spec *models.ModelSpec, req *models.BatchRequestLine) (*models.ChatCompletion, error)
}
