// Package models contains the domain types shared across the application.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// FilePurpose describes what a stored file holds.
type FilePurpose string

const (
	FilePurposeInput  FilePurpose = "input"
	FilePurposeOutput FilePurpose = "output"
	FilePurposeError  FilePurpose = "error"
)

// File is a stored JSONL blob, immutable once written.
type File struct {
	ID         string      `json:"id"`
	Purpose    FilePurpose `json:"purpose"`
	Filename   string      `json:"filename,omitempty"`
	SizeBytes  int64       `json:"bytes"`
	LineCount  int         `json:"line_count"`
	StorageKey string      `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
}

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusValidating JobStatus = "validating"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusFinalizing JobStatus = "finalizing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusExpired    JobStatus = "expired"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return true
	}
	return false
}

// RequestCounts summarizes per-request progress of a job.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Job is a batch inference job over one input file.
type Job struct {
	ID               string
	InputFileID      string
	OutputFileID     *string
	ErrorFileID      *string
	Endpoint         string
	CompletionWindow string
	ModelName        string
	Status           JobStatus
	RequestCounts    RequestCounts

	// Checkpoint is the index of the first request not yet committed to the
	// output file. The output file's line count equals Checkpoint.
	Checkpoint int

	CancelRequested bool
	Priority        int
	AttemptCount    int
	WebhookURL      *string
	WebhookSecret   *string
	Metadata        map[string]string
	ErrorCode       *string
	ErrorMessage    *string
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Progress returns the completed fraction in [0,1].
func (j *Job) Progress() float64 {
	if j.RequestCounts.Total == 0 {
		return 0
	}
	return float64(j.Checkpoint) / float64(j.RequestCounts.Total)
}

// FailedRequest is a dead-letter record for a single failed request line.
type FailedRequest struct {
	ID           string
	JobID        string
	CustomID     string
	RequestIndex int
	ErrorCode    string
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
}

// WorkerStatus is the scheduler's externally visible state.
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusLoading    WorkerStatus = "loading"
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusUnloading  WorkerStatus = "unloading"
	WorkerStatusDead       WorkerStatus = "dead"
)

// WorkerHeartbeat is the singleton liveness row for a worker.
type WorkerHeartbeat struct {
	WorkerID          string       `json:"worker_id"`
	Status            WorkerStatus `json:"status"`
	CurrentJobID      *string      `json:"current_job_id"`
	LoadedModel       *string      `json:"loaded_model"`
	GpuMemoryFraction *float64     `json:"gpu_memory_fraction"`
	GpuTemperatureC   *float64     `json:"gpu_temperature_c"`
	LastSeenAt        time.Time    `json:"last_seen_at"`
}

// WebhookDeliveryStatus tracks delivery progress.
type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryRetrying  WebhookDeliveryStatus = "retrying"
	WebhookDeliveryDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryFailed    WebhookDeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s WebhookDeliveryStatus) Terminal() bool {
	return s == WebhookDeliveryDelivered || s == WebhookDeliveryFailed
}

// WebhookDelivery is a persisted outbound notification attempt record.
type WebhookDelivery struct {
	ID             string
	JobID          string
	Event          JobStatus
	URL            string
	PayloadJSON    string
	Status         WebhookDeliveryStatus
	AttemptCount   int
	NextAttemptAt  time.Time
	LastStatusCode *int
	LastError      *string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// ModelSpec is a registry entry mapping a model name to engine parameters.
type ModelSpec struct {
	Name               string    `json:"name"`
	EngineID           string    `json:"engine_id"`
	MaxContextTokens   int       `json:"max_context_tokens"`
	EstimatedVramGB    float64   `json:"estimated_vram_gb"`
	DefaultTemperature *float64  `json:"default_temperature,omitempty"`
	DefaultTopP        *float64  `json:"default_top_p,omitempty"`
	DefaultMaxTokens   *int      `json:"default_max_tokens,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewFileID returns a new file id in API form.
func NewFileID() string { return "file-" + ulid.Make().String() }

// NewBatchID returns a new batch job id in API form.
func NewBatchID() string { return "batch-" + ulid.Make().String() }

// NewID returns a bare ULID for internal rows.
func NewID() string { return ulid.Make().String() }
