// Package apperr defines the stable error codes surfaced by the API and
// recorded on jobs, dead-letter rows, and webhook deliveries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. Codes are part of the API contract and
// stored in the database; never rename one.
type Code string

const (
	// Validation
	CodeInvalidRequest       Code = "invalid_request"
	CodeUnknownModel         Code = "unknown_model"
	CodeRequestCountExceeded Code = "request_count_exceeded"
	CodeMalformedInputFile   Code = "malformed_input_file"

	// Capacity (retriable)
	CodeQueueFull          Code = "queue_full"
	CodeServiceUnavailable Code = "service_unavailable"

	// Lifecycle
	CodeNotFound           Code = "not_found"
	CodeInvalidTransition  Code = "invalid_transition"
	CodePreconditionFailed Code = "precondition_failed"

	// Execution
	CodeModelLoadFailed    Code = "model_load_failed"
	CodeInferenceTransient Code = "inference_transient"
	CodeInferenceFatal     Code = "inference_fatal"
	CodeExcessiveErrors    Code = "excessive_errors"
	CodeGpuUnhealthy       Code = "gpu_unhealthy"
	CodeChunkTimeout       Code = "chunk_timeout"

	// Per-request
	CodeBadRequestLine  Code = "bad_request_line"
	CodeGenerationError Code = "generation_error"
	CodeTokenLimit      Code = "token_limit"

	// Webhook delivery
	CodeWebhookPermanent Code = "webhook_permanent"
	CodeWebhookExhausted Code = "webhook_exhausted"

	CodeInternal Code = "internal_error"
)

// Error is a domain error carrying a stable code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from an error chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retriable reports whether a client may retry the same call later.
func Retriable(code Code) bool {
	switch code {
	case CodeQueueFull, CodeServiceUnavailable, CodeInferenceTransient, CodeChunkTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a code to the HTTP status the API surfaces.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeUnknownModel, CodeRequestCountExceeded, CodeMalformedInputFile, CodeBadRequestLine:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case CodeQueueFull:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable, CodeGpuUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
