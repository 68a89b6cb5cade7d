package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mlbatch/batchd/internal/models"
)

// SQLiteFileRepository implements FileRepository for SQLite.
type SQLiteFileRepository struct {
	db *sql.DB
}

// NewSQLiteFileRepository creates a new SQLite file repository.
func NewSQLiteFileRepository(db *sql.DB) *SQLiteFileRepository {
	return &SQLiteFileRepository{db: db}
}

const fileColumns = `id, purpose, filename, size_bytes, line_count, storage_key, created_at`

func (r *SQLiteFileRepository) Create(ctx context.Context, f *models.File) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (id, purpose, filename, size_bytes, line_count, storage_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Purpose, f.Filename, f.SizeBytes, f.LineCount, f.StorageKey,
		f.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

func (r *SQLiteFileRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)

	var f models.File
	var createdAt string
	err := row.Scan(&f.ID, &f.Purpose, &f.Filename, &f.SizeBytes, &f.LineCount, &f.StorageKey, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &f, nil
}

func (r *SQLiteFileRepository) Update(ctx context.Context, f *models.File) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE files SET size_bytes = ?, line_count = ? WHERE id = ?
	`, f.SizeBytes, f.LineCount, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	return nil
}

func (r *SQLiteFileRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
