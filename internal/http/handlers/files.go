package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/service"
)

// FileHandler handles file upload and download endpoints.
type FileHandler struct {
	fileSvc *service.FileService
	logger  *slog.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(fileSvc *service.FileService, logger *slog.Logger) *FileHandler {
	return &FileHandler{fileSvc: fileSvc, logger: logger}
}

// FileResponse represents a file in API responses.
type FileResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object" example:"file"`
	Purpose   string `json:"purpose"`
	Filename  string `json:"filename,omitempty"`
	Bytes     int64  `json:"bytes"`
	LineCount int    `json:"line_count"`
	CreatedAt int64  `json:"created_at"`
}

func toFileResponse(f *models.File) FileResponse {
	return FileResponse{
		ID:        f.ID,
		Object:    "file",
		Purpose:   string(f.Purpose),
		Filename:  f.Filename,
		Bytes:     f.SizeBytes,
		LineCount: f.LineCount,
		CreatedAt: f.CreatedAt.Unix(),
	}
}

// GetFileInput represents file metadata request.
type GetFileInput struct {
	ID string `path:"id" doc:"File ID"`
}

// GetFileOutput represents file metadata response.
type GetFileOutput struct {
	Body FileResponse
}

// GetFile returns file metadata.
func (h *FileHandler) GetFile(ctx context.Context, input *GetFileInput) (*GetFileOutput, error) {
	file, err := h.fileSvc.Get(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &GetFileOutput{Body: toFileResponse(file)}, nil
}

// Upload handles multipart file upload.
// This is a raw HTTP handler (not Huma) so large bodies stream to disk.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidRequest, "expected multipart form data", err))
		return
	}

	var (
		purpose  string
		uploaded *models.File
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, apperr.Wrap(apperr.CodeInvalidRequest, "malformed multipart body", err))
			return
		}

		switch part.FormName() {
		case "purpose":
			buf, err := io.ReadAll(io.LimitReader(part, 64))
			if err != nil {
				writeError(w, apperr.Wrap(apperr.CodeInvalidRequest, "failed to read purpose field", err))
				return
			}
			purpose = string(buf)
		case "file":
			// The purpose field must precede the file part so we can
			// validate before streaming to disk.
			if purpose == "" {
				purpose = string(models.FilePurposeInput)
			}
			uploaded, err = h.fileSvc.Upload(r.Context(), part, part.FileName(), purpose)
			if err != nil {
				writeError(w, err)
				return
			}
		}
		_ = part.Close()
	}

	if uploaded == nil {
		writeError(w, apperr.New(apperr.CodeInvalidRequest, "missing file part"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toFileResponse(uploaded))
}

// Content streams a file's raw JSONL bytes.
func (h *FileHandler) Content(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	rc, file, err := h.fileSvc.Content(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	streamJSONL(w, rc, file)
}

// Results streams the output file of a completed batch.
func (h *BatchHandler) Results(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	rc, file, err := h.jobSvc.Results(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	streamJSONL(w, rc, file)
}

// Errors streams the error file of a batch.
func (h *BatchHandler) Errors(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	rc, file, err := h.jobSvc.Errors(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	streamJSONL(w, rc, file)
}

func streamJSONL(w http.ResponseWriter, rc io.Reader, file *models.File) {
	w.Header().Set("Content-Type", "application/jsonl")
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	if file.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	}
	_, _ = io.Copy(w, rc)
}
