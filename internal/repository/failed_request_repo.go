package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mlbatch/batchd/internal/models"
)

// SQLiteFailedRequestRepository implements FailedRequestRepository for SQLite.
type SQLiteFailedRequestRepository struct {
	db *sql.DB
}

// NewSQLiteFailedRequestRepository creates a new SQLite failed request repository.
func NewSQLiteFailedRequestRepository(db *sql.DB) *SQLiteFailedRequestRepository {
	return &SQLiteFailedRequestRepository{db: db}
}

// CreateBatch inserts DLQ rows in a single transaction, one per failed line.
func (r *SQLiteFailedRequestRepository) CreateBatch(ctx context.Context, reqs []*models.FailedRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO failed_requests (id, job_id, custom_id, request_index, error_code, error_message, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, fr := range reqs {
		if fr.ID == "" {
			fr.ID = ulid.Make().String()
		}
		if fr.CreatedAt.IsZero() {
			fr.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			fr.ID, fr.JobID, fr.CustomID, fr.RequestIndex,
			fr.ErrorCode, nullString(fr.ErrorMessage), fr.RetryCount,
			fr.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("failed to insert failed request: %w", err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteFailedRequestRepository) ListByJob(ctx context.Context, jobID string) ([]*models.FailedRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, custom_id, request_index, error_code, error_message, retry_count, created_at
		FROM failed_requests WHERE job_id = ? ORDER BY request_index ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.FailedRequest
	for rows.Next() {
		var fr models.FailedRequest
		var errorMessage sql.NullString
		var createdAt string
		if err := rows.Scan(&fr.ID, &fr.JobID, &fr.CustomID, &fr.RequestIndex,
			&fr.ErrorCode, &errorMessage, &fr.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed request: %w", err)
		}
		fr.ErrorMessage = errorMessage.String
		fr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		reqs = append(reqs, &fr)
	}
	return reqs, rows.Err()
}

func (r *SQLiteFailedRequestRepository) CountByJob(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM failed_requests WHERE job_id = ?", jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed requests: %w", err)
	}
	return count, nil
}

func (r *SQLiteFailedRequestRepository) DeleteByJobIDs(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(jobIDs)-1) + "?"
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM failed_requests WHERE job_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete failed requests: %w", err)
	}
	return nil
}
