package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
)

// maxUploadBytes bounds a single file upload.
const maxUploadBytes = 512 * 1024 * 1024

// FileService handles file uploads and downloads.
type FileService struct {
	cfg    *config.Config
	repos  *repository.Repositories
	store  *blob.LocalStore
	mirror *blob.Mirror
	logger *slog.Logger
}

// NewFileService creates a new file service.
func NewFileService(cfg *config.Config, repos *repository.Repositories, store *blob.LocalStore, mirror *blob.Mirror, logger *slog.Logger) *FileService {
	return &FileService{
		cfg:    cfg,
		repos:  repos,
		store:  store,
		mirror: mirror,
		logger: logger,
	}
}

// Upload stores an uploaded file. Only input files may be uploaded; output
// and error files are produced by the scheduler.
func (s *FileService) Upload(ctx context.Context, r io.Reader, filename, purpose string) (*models.File, error) {
	if purpose != string(models.FilePurposeInput) && purpose != "batch" {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "unsupported purpose %q", purpose)
	}

	fileID := models.NewFileID()
	key := blob.FileKey(fileID)

	size, err := s.store.Put(key, io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if size > maxUploadBytes {
		_ = s.store.Delete(key)
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "file exceeds %d bytes", maxUploadBytes)
	}
	if size == 0 {
		_ = s.store.Delete(key)
		return nil, apperr.New(apperr.CodeInvalidRequest, "uploaded file is empty")
	}

	lineCount, err := s.store.LineCount(key)
	if err != nil {
		return nil, fmt.Errorf("failed to count lines: %w", err)
	}

	file := &models.File{
		ID:         fileID,
		Purpose:    models.FilePurposeInput,
		Filename:   filename,
		SizeBytes:  size,
		LineCount:  lineCount,
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repos.File.Create(ctx, file); err != nil {
		_ = s.store.Delete(key)
		return nil, fmt.Errorf("failed to register file: %w", err)
	}

	if s.mirror != nil && s.mirror.IsEnabled() {
		if blobReader, err := s.store.Open(key); err == nil {
			if err := s.mirror.Upload(ctx, key, blobReader); err != nil {
				s.logger.Warn("failed to mirror upload", "file_id", fileID, "error", err)
			}
			_ = blobReader.Close()
		}
	}

	s.logger.Info("file uploaded",
		"file_id", fileID,
		"filename", filename,
		"bytes", size,
		"lines", lineCount,
	)
	return file, nil
}

// Get retrieves file metadata.
func (s *FileService) Get(ctx context.Context, fileID string) (*models.File, error) {
	file, err := s.repos.File.GetByID(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	if file == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "file %q not found", fileID)
	}
	return file, nil
}

// Content opens a file's raw bytes for streaming.
func (s *FileService) Content(ctx context.Context, fileID string) (io.ReadCloser, *models.File, error) {
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.store.Open(file.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file content: %w", err)
	}
	return r, file, nil
}
