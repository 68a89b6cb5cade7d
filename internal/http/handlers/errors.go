package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mlbatch/batchd/internal/apperr"
)

// APIError is the JSON error body returned by every endpoint. It implements
// huma.StatusError so handlers can return it directly.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) GetStatus() int { return e.Status }

// apiError converts a service error into an APIError. Unknown errors are
// masked as internal_error so callers never see wrapped details.
func apiError(err error) *APIError {
	code := apperr.CodeOf(err)
	msg := err.Error()
	if code == apperr.CodeInternal {
		msg = "internal error"
	}
	return &APIError{
		Status:  apperr.HTTPStatus(code),
		Code:    string(code),
		Message: msg,
	}
}

// writeError writes an APIError from a raw (non-Huma) handler.
func writeError(w http.ResponseWriter, err error) {
	e := apiError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
