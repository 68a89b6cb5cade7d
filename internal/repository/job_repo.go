package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mlbatch/batchd/internal/models"
)

// SQLiteJobRepository implements JobRepository for SQLite.
type SQLiteJobRepository struct {
	db *sql.DB
}

// NewSQLiteJobRepository creates a new SQLite job repository.
func NewSQLiteJobRepository(db *sql.DB) *SQLiteJobRepository {
	return &SQLiteJobRepository{db: db}
}

const jobColumns = `id, input_file_id, output_file_id, error_file_id, endpoint, completion_window,
	model_name, status, total, completed, failed, checkpoint, cancel_requested, priority,
	attempt_count, webhook_url, webhook_secret, metadata_json, error_code, error_message,
	expires_at, created_at, started_at, finished_at`

func (r *SQLiteJobRepository) Create(ctx context.Context, job *models.Job) error {
	var metadataJSON *string
	if len(job.Metadata) > 0 {
		data, err := json.Marshal(job.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal job metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}

	query := `
		INSERT INTO batch_jobs (id, input_file_id, output_file_id, error_file_id, endpoint,
			completion_window, model_name, status, total, completed, failed, checkpoint,
			cancel_requested, priority, attempt_count, webhook_url, webhook_secret,
			metadata_json, error_code, error_message, expires_at, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.InputFileID,
		nullStringPtr(job.OutputFileID),
		nullStringPtr(job.ErrorFileID),
		job.Endpoint,
		job.CompletionWindow,
		job.ModelName,
		job.Status,
		job.RequestCounts.Total,
		job.RequestCounts.Completed,
		job.RequestCounts.Failed,
		job.Checkpoint,
		boolToInt(job.CancelRequested),
		job.Priority,
		job.AttemptCount,
		nullStringPtr(job.WebhookURL),
		nullStringPtr(job.WebhookSecret),
		nullStringPtr(metadataJSON),
		nullStringPtr(job.ErrorCode),
		nullStringPtr(job.ErrorMessage),
		nullTime(job.ExpiresAt),
		job.CreatedAt.Format(time.RFC3339),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = ?`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteJobRepository) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Model != "" {
		query += " AND model_name = ?"
		args = append(args, filter.Model)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically claims the head of the queue with UPDATE ... RETURNING,
// which avoids a SELECT-then-UPDATE race when more than one caller polls.
func (r *SQLiteJobRepository) ClaimNext(ctx context.Context) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE batch_jobs
		SET status = 'in_progress', started_at = COALESCE(started_at, ?), attempt_count = attempt_count + 1
		WHERE id = (
			SELECT id FROM batch_jobs
			WHERE status = 'validating' AND cancel_requested = 0
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(tx.QueryRowContext(ctx, query, now))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		// Empty queue is the normal case
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return job, nil
}

func (r *SQLiteJobRepository) SetCheckpoint(ctx context.Context, id string, checkpoint int) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE batch_jobs SET checkpoint = ? WHERE id = ? AND checkpoint < ?",
		checkpoint, id, checkpoint,
	)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) CommitChunk(ctx context.Context, id string, completed, failed int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET checkpoint = checkpoint + ?, completed = completed + ?, failed = failed + ?
		WHERE id = ? AND status IN ('in_progress', 'cancelling')
	`, completed+failed, completed, failed, id)
	if err != nil {
		return fmt.Errorf("failed to commit chunk: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

func (r *SQLiteJobRepository) MarkFinalizing(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE batch_jobs SET status = 'finalizing' WHERE id = ? AND status = 'in_progress'",
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark finalizing: %w", err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (r *SQLiteJobRepository) Finish(ctx context.Context, id string, status models.JobStatus, outputFileID, errorFileID *string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%s is not a terminal status", status)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = ?,
			output_file_id = COALESCE(?, output_file_id),
			error_file_id = COALESCE(?, error_file_id),
			finished_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'expired', 'cancelled')
	`, status, nullStringPtr(outputFileID), nullStringPtr(errorFileID),
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (r *SQLiteJobRepository) Fail(ctx context.Context, id string, code, message string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = 'failed', error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'expired', 'cancelled')
	`, code, message, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (r *SQLiteJobRepository) CancelQueued(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = 'cancelled', cancel_requested = 1, finished_at = ?
		WHERE id = ? AND status = 'validating'
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (r *SQLiteJobRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = 'cancelling', cancel_requested = 1
		WHERE id = ? AND status = 'in_progress'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

// ResetInterrupted is the crash-recovery sweep: any job a dead worker owned
// goes back to the queue. The checkpoint and output file make the re-run
// idempotent.
func (r *SQLiteJobRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = 'validating', cancel_requested = 0
		WHERE status IN ('in_progress', 'finalizing', 'cancelling')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted jobs: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteJobRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.Job, error) {
	query := `
		UPDATE batch_jobs
		SET status = 'expired', finished_at = ?
		WHERE status = 'validating' AND expires_at IS NOT NULL AND expires_at <= ?
		RETURNING ` + jobColumns

	ts := now.UTC().Format(time.RFC3339)
	rows, err := r.db.QueryContext(ctx, query, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to expire jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *SQLiteJobRepository) CountQueued(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM batch_jobs WHERE status IN ('validating', 'in_progress')",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	return count, nil
}

func (r *SQLiteJobRepository) SumQueuedRequests(ctx context.Context) (int, error) {
	var sum int
	err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(total - checkpoint), 0) FROM batch_jobs WHERE status IN ('validating', 'in_progress')",
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum queued requests: %w", err)
	}
	return sum, nil
}

// DeleteTerminalOlderThan deletes old terminal jobs and returns their ids so
// callers can clean up blobs and dependent rows.
func (r *SQLiteJobRepository) DeleteTerminalOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM batch_jobs
		WHERE created_at < ? AND status IN ('completed', 'failed', 'expired', 'cancelled')
		RETURNING id
	`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(s rowScanner) (*models.Job, error) {
	var job models.Job
	var createdAt string
	var outputFileID, errorFileID, webhookURL, webhookSecret, metadataJSON sql.NullString
	var errorCode, errorMessage sql.NullString
	var expiresAt, startedAt, finishedAt sql.NullString
	var cancelRequested int

	err := s.Scan(
		&job.ID, &job.InputFileID, &outputFileID, &errorFileID, &job.Endpoint,
		&job.CompletionWindow, &job.ModelName, &job.Status,
		&job.RequestCounts.Total, &job.RequestCounts.Completed, &job.RequestCounts.Failed,
		&job.Checkpoint, &cancelRequested, &job.Priority, &job.AttemptCount,
		&webhookURL, &webhookSecret, &metadataJSON, &errorCode, &errorMessage,
		&expiresAt, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.OutputFileID = strPtr(outputFileID)
	job.ErrorFileID = strPtr(errorFileID)
	job.CancelRequested = cancelRequested != 0
	job.WebhookURL = strPtr(webhookURL)
	job.WebhookSecret = strPtr(webhookSecret)
	job.ErrorCode = strPtr(errorCode)
	job.ErrorMessage = strPtr(errorMessage)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job metadata: %w", err)
		}
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.ExpiresAt = timePtr(expiresAt)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)

	return &job, nil
}

func scanJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

func scanJobFromRows(rows *sql.Rows) (*models.Job, error) {
	job, err := scanJobRow(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
