package handlers

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// Register wires every API route. Streaming endpoints are raw chi handlers;
// everything else goes through Huma for validation and OpenAPI docs.
func Register(api huma.API, router chi.Router, h *Handlers) {
	// Batches
	huma.Post(api, "/v1/batches", h.Batch.CreateBatch)
	huma.Get(api, "/v1/batches", h.Batch.ListBatches)
	huma.Get(api, "/v1/batches/{id}", h.Batch.GetBatch)
	huma.Delete(api, "/v1/batches/{id}", h.Batch.CancelBatch)
	huma.Get(api, "/v1/batches/{id}/requests/failed", h.Batch.ListFailedRequests)
	huma.Get(api, "/v1/batches/{id}/webhooks", h.Batch.ListDeliveries)

	// Files
	huma.Get(api, "/v1/files/{id}", h.File.GetFile)

	// Models and health
	huma.Get(api, "/v1/models", h.Model.ListModels)
	huma.Get(api, "/v1/health", h.Health.GetHealth)
	huma.Get(api, "/healthz", Livez)
	huma.Get(api, "/readyz", h.Health.Readyz)

	// Raw HTTP handlers for multipart upload and JSONL streaming
	router.Post("/v1/files", h.File.Upload)
	router.Get("/v1/files/{id}/content", h.File.Content)
	router.Get("/v1/batches/{id}/results", h.Batch.Results)
	router.Get("/v1/batches/{id}/errors", h.Batch.Errors)
}
