package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/mlbatch/batchd/internal/admission"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
	"github.com/mlbatch/batchd/internal/service"
)

// BatchHandler handles batch job endpoints.
type BatchHandler struct {
	cfg    *config.Config
	jobSvc *service.JobService
	ctrl   *admission.Controller
	logger *slog.Logger
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(cfg *config.Config, jobSvc *service.JobService, ctrl *admission.Controller, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{cfg: cfg, jobSvc: jobSvc, ctrl: ctrl, logger: logger}
}

// BatchError carries the failure reason of a terminal job.
type BatchError struct {
	Code    string `json:"code" doc:"Stable error code"`
	Message string `json:"message" doc:"Human-readable failure reason"`
}

// BatchResponse represents a batch job in API responses. Timestamps are unix
// seconds, matching the OpenAI batch object.
type BatchResponse struct {
	ID               string               `json:"id" example:"batch-01HXYZ123ABC456DEF789" doc:"Batch ID"`
	Object           string               `json:"object" example:"batch" doc:"Always \"batch\""`
	Endpoint         string               `json:"endpoint" example:"/v1/chat/completions" doc:"Target endpoint"`
	InputFileID      string               `json:"input_file_id" doc:"Uploaded input file ID"`
	OutputFileID     *string              `json:"output_file_id,omitempty" doc:"Output file ID, set on completion"`
	ErrorFileID      *string              `json:"error_file_id,omitempty" doc:"Error file ID, set when requests failed"`
	Model            string               `json:"model" example:"gemma-3-4b" doc:"Model the batch runs against"`
	Status           string               `json:"status" example:"in_progress" doc:"Batch status"`
	CompletionWindow string               `json:"completion_window" example:"24h" doc:"Requested completion window"`
	RequestCounts    models.RequestCounts `json:"request_counts" doc:"Per-request progress"`
	Progress         float64              `json:"progress" example:"0.5" doc:"Committed fraction of the input, checkpoint over total"`
	Priority         int                  `json:"priority,omitempty" doc:"Scheduling priority, higher runs first"`
	Metadata         map[string]string    `json:"metadata,omitempty" doc:"Caller-supplied metadata"`
	Error            *BatchError          `json:"error,omitempty" doc:"Failure reason for failed batches"`
	CreatedAt        int64                `json:"created_at" doc:"Creation time, unix seconds"`
	InProgressAt     *int64               `json:"in_progress_at,omitempty" doc:"When the worker claimed the batch"`
	ExpiresAt        *int64               `json:"expires_at,omitempty" doc:"Completion window deadline"`
	CompletedAt      *int64               `json:"completed_at,omitempty" doc:"When the batch reached a terminal state"`
}

func toBatchResponse(job *models.Job) BatchResponse {
	resp := BatchResponse{
		ID:               job.ID,
		Object:           "batch",
		Endpoint:         job.Endpoint,
		InputFileID:      job.InputFileID,
		OutputFileID:     job.OutputFileID,
		ErrorFileID:      job.ErrorFileID,
		Model:            job.ModelName,
		Status:           string(job.Status),
		CompletionWindow: job.CompletionWindow,
		RequestCounts:    job.RequestCounts,
		Progress:         job.Progress(),
		Priority:         job.Priority,
		Metadata:         job.Metadata,
		CreatedAt:        job.CreatedAt.Unix(),
		InProgressAt:     unixOrNil(job.StartedAt),
		ExpiresAt:        unixOrNil(job.ExpiresAt),
		CompletedAt:      unixOrNil(job.FinishedAt),
	}
	if job.ErrorCode != nil {
		resp.Error = &BatchError{Code: *job.ErrorCode}
		if job.ErrorMessage != nil {
			resp.Error.Message = *job.ErrorMessage
		}
	}
	return resp
}

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

// CreateBatchInput represents batch creation request.
type CreateBatchInput struct {
	Body struct {
		InputFileID      string            `json:"input_file_id" minLength:"1" doc:"ID of an uploaded input file"`
		Endpoint         string            `json:"endpoint" example:"/v1/chat/completions" doc:"Target endpoint, currently only /v1/chat/completions"`
		Model            string            `json:"model" minLength:"1" example:"gemma-3-4b" doc:"Registered model name"`
		CompletionWindow string            `json:"completion_window,omitempty" example:"24h" doc:"Go duration the batch must finish within; defaults to the server window"`
		Metadata         map[string]string `json:"metadata,omitempty" doc:"Opaque metadata echoed back on the batch and its webhooks"`
		WebhookURL       string            `json:"webhook_url,omitempty" format:"uri" doc:"URL to receive a POST when the batch reaches a terminal state"`
		WebhookSecret    string            `json:"webhook_secret,omitempty" doc:"HMAC secret for webhook signatures"`
		Priority         int               `json:"priority,omitempty" doc:"Scheduling priority, higher runs first"`
	}
}

// CreateBatchOutput represents batch creation response.
type CreateBatchOutput struct {
	Body BatchResponse
}

// CreateBatch validates a submission and enqueues the batch.
func (h *BatchHandler) CreateBatch(ctx context.Context, input *CreateBatchInput) (*CreateBatchOutput, error) {
	job, err := h.ctrl.Submit(ctx, admission.SubmitParams{
		InputFileID:      input.Body.InputFileID,
		ModelName:        input.Body.Model,
		Endpoint:         input.Body.Endpoint,
		CompletionWindow: input.Body.CompletionWindow,
		Metadata:         input.Body.Metadata,
		WebhookURL:       input.Body.WebhookURL,
		WebhookSecret:    input.Body.WebhookSecret,
		Priority:         input.Body.Priority,
	})
	if err != nil {
		return nil, apiError(err)
	}
	h.logger.Info("batch accepted", "batch_id", job.ID, "model", job.ModelName, "requests", job.RequestCounts.Total)
	return &CreateBatchOutput{Body: toBatchResponse(job)}, nil
}

// GetBatchInput represents get batch request.
type GetBatchInput struct {
	ID string `path:"id" doc:"Batch ID"`
}

// GetBatchOutput represents get batch response.
type GetBatchOutput struct {
	Body BatchResponse
}

// GetBatch returns a single batch.
func (h *BatchHandler) GetBatch(ctx context.Context, input *GetBatchInput) (*GetBatchOutput, error) {
	job, err := h.jobSvc.Get(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &GetBatchOutput{Body: toBatchResponse(job)}, nil
}

// ListBatchesInput represents batch listing request.
type ListBatchesInput struct {
	Status string `query:"status" doc:"Filter by status"`
	Model  string `query:"model" doc:"Filter by model name"`
	Limit  int    `query:"limit" default:"20" maximum:"100" doc:"Number of batches to return"`
	Offset int    `query:"offset" default:"0" doc:"Offset for pagination"`
}

// ListBatchesOutput represents batch listing response.
type ListBatchesOutput struct {
	Body struct {
		Object string          `json:"object" example:"list"`
		Data   []BatchResponse `json:"data"`
	}
}

// ListBatches returns batches, newest first.
func (h *BatchHandler) ListBatches(ctx context.Context, input *ListBatchesInput) (*ListBatchesOutput, error) {
	jobs, err := h.jobSvc.List(ctx, repository.JobFilter{
		Status: models.JobStatus(input.Status),
		Model:  input.Model,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, apiError(err)
	}

	data := make([]BatchResponse, 0, len(jobs))
	for _, job := range jobs {
		data = append(data, toBatchResponse(job))
	}

	out := &ListBatchesOutput{}
	out.Body.Object = "list"
	out.Body.Data = data
	return out, nil
}

// CancelBatchInput represents batch cancellation request.
type CancelBatchInput struct {
	ID string `path:"id" doc:"Batch ID"`
}

// CancelBatchOutput represents batch cancellation response.
type CancelBatchOutput struct {
	Body BatchResponse
}

// CancelBatch cancels a batch. Queued batches cancel immediately; a running
// batch moves to cancelling until the worker observes the flag.
func (h *BatchHandler) CancelBatch(ctx context.Context, input *CancelBatchInput) (*CancelBatchOutput, error) {
	job, err := h.jobSvc.Cancel(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &CancelBatchOutput{Body: toBatchResponse(job)}, nil
}

// FailedRequestEntry represents one dead-letter row.
type FailedRequestEntry struct {
	CustomID     string `json:"custom_id" doc:"Caller-supplied request ID"`
	RequestIndex int    `json:"request_index" doc:"Zero-based line number in the input file"`
	ErrorCode    string `json:"error_code" doc:"Stable error code"`
	ErrorMessage string `json:"error_message" doc:"Failure detail"`
	RetryCount   int    `json:"retry_count" doc:"Transient retries spent on the request"`
}

// ListFailedRequestsInput represents failed requests listing request.
type ListFailedRequestsInput struct {
	ID string `path:"id" doc:"Batch ID"`
}

// ListFailedRequestsOutput represents failed requests listing response.
type ListFailedRequestsOutput struct {
	Body struct {
		BatchID string               `json:"batch_id"`
		Total   int                  `json:"total"`
		Data    []FailedRequestEntry `json:"data"`
	}
}

// ListFailedRequests returns the dead-letter rows of a batch in input order.
func (h *BatchHandler) ListFailedRequests(ctx context.Context, input *ListFailedRequestsInput) (*ListFailedRequestsOutput, error) {
	rows, err := h.jobSvc.FailedRequests(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}

	data := make([]FailedRequestEntry, 0, len(rows))
	for _, r := range rows {
		data = append(data, FailedRequestEntry{
			CustomID:     r.CustomID,
			RequestIndex: r.RequestIndex,
			ErrorCode:    r.ErrorCode,
			ErrorMessage: r.ErrorMessage,
			RetryCount:   r.RetryCount,
		})
	}

	out := &ListFailedRequestsOutput{}
	out.Body.BatchID = input.ID
	out.Body.Total = len(data)
	out.Body.Data = data
	return out, nil
}

// DeliveryEntry represents one webhook delivery record.
type DeliveryEntry struct {
	ID             string  `json:"id"`
	Event          string  `json:"event" doc:"Terminal status that triggered the delivery"`
	URL            string  `json:"url"`
	Status         string  `json:"status" doc:"pending, retrying, delivered, or failed"`
	AttemptCount   int     `json:"attempt_count"`
	LastStatusCode *int    `json:"last_status_code,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	DeliveredAt    *int64  `json:"delivered_at,omitempty"`
}

// ListDeliveriesInput represents webhook deliveries listing request.
type ListDeliveriesInput struct {
	ID string `path:"id" doc:"Batch ID"`
}

// ListDeliveriesOutput represents webhook deliveries listing response.
type ListDeliveriesOutput struct {
	Body struct {
		BatchID string          `json:"batch_id"`
		Data    []DeliveryEntry `json:"data"`
	}
}

// ListDeliveries returns the webhook delivery attempts for a batch.
func (h *BatchHandler) ListDeliveries(ctx context.Context, input *ListDeliveriesInput) (*ListDeliveriesOutput, error) {
	rows, err := h.jobSvc.Deliveries(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}

	data := make([]DeliveryEntry, 0, len(rows))
	for _, d := range rows {
		data = append(data, DeliveryEntry{
			ID:             d.ID,
			Event:          string(d.Event),
			URL:            d.URL,
			Status:         string(d.Status),
			AttemptCount:   d.AttemptCount,
			LastStatusCode: d.LastStatusCode,
			LastError:      d.LastError,
			CreatedAt:      d.CreatedAt.Unix(),
			DeliveredAt:    unixOrNil(d.DeliveredAt),
		})
	}

	out := &ListDeliveriesOutput{}
	out.Body.BatchID = input.ID
	out.Body.Data = data
	return out, nil
}
