package handlers

import (
	"context"

	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/registry"
)

// ModelHandler handles the model catalog endpoint.
type ModelHandler struct {
	registry *registry.Registry
}

// NewModelHandler creates a new model handler.
func NewModelHandler(reg *registry.Registry) *ModelHandler {
	return &ModelHandler{registry: reg}
}

// ModelResponse represents a registered model in API responses.
type ModelResponse struct {
	ID                 string   `json:"id" example:"gemma-3-4b" doc:"Model name used in batch submissions"`
	Object             string   `json:"object" example:"model"`
	MaxContextTokens   int      `json:"max_context_tokens"`
	EstimatedVramGB    float64  `json:"estimated_vram_gb"`
	DefaultTemperature *float64 `json:"default_temperature,omitempty"`
	DefaultTopP        *float64 `json:"default_top_p,omitempty"`
	DefaultMaxTokens   *int     `json:"default_max_tokens,omitempty"`
	CreatedAt          int64    `json:"created"`
}

// ListModelsOutput represents model listing response.
type ListModelsOutput struct {
	Body struct {
		Object string          `json:"object" example:"list"`
		Data   []ModelResponse `json:"data"`
	}
}

// ListModels returns the registered models.
func (h *ModelHandler) ListModels(ctx context.Context, _ *struct{}) (*ListModelsOutput, error) {
	specs, err := h.registry.List(ctx)
	if err != nil {
		return nil, apiError(err)
	}

	data := make([]ModelResponse, 0, len(specs))
	for _, spec := range specs {
		data = append(data, toModelResponse(spec))
	}

	out := &ListModelsOutput{}
	out.Body.Object = "list"
	out.Body.Data = data
	return out, nil
}

func toModelResponse(spec *models.ModelSpec) ModelResponse {
	return ModelResponse{
		ID:                 spec.Name,
		Object:             "model",
		MaxContextTokens:   spec.MaxContextTokens,
		EstimatedVramGB:    spec.EstimatedVramGB,
		DefaultTemperature: spec.DefaultTemperature,
		DefaultTopP:        spec.DefaultTopP,
		DefaultMaxTokens:   spec.DefaultMaxTokens,
		CreatedAt:          spec.CreatedAt.Unix(),
	}
}
