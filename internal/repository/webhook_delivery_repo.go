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

// SQLiteWebhookDeliveryRepository implements WebhookDeliveryRepository for SQLite.
type SQLiteWebhookDeliveryRepository struct {
	db *sql.DB
}

// NewSQLiteWebhookDeliveryRepository creates a new SQLite webhook delivery repository.
func NewSQLiteWebhookDeliveryRepository(db *sql.DB) *SQLiteWebhookDeliveryRepository {
	return &SQLiteWebhookDeliveryRepository{db: db}
}

const deliveryColumns = `id, job_id, event, url, payload_json, status, attempt_count,
	next_attempt_at, last_status_code, last_error, created_at, delivered_at`

func (r *SQLiteWebhookDeliveryRepository) Create(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = models.WebhookDeliveryPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, job_id, event, url, payload_json, status,
			attempt_count, next_attempt_at, last_status_code, last_error, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.JobID, d.Event, d.URL, d.PayloadJSON, d.Status,
		d.AttemptCount, d.NextAttemptAt.UTC().Format(time.RFC3339),
		nullIntPtr(d.LastStatusCode), nullStringPtr(d.LastError),
		d.CreatedAt.Format(time.RFC3339), nullTime(d.DeliveredAt))
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookDeliveryRepository) Update(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, attempt_count = ?, next_attempt_at = ?, last_status_code = ?,
			last_error = ?, delivered_at = ?
		WHERE id = ?
	`, d.Status, d.AttemptCount, d.NextAttemptAt.UTC().Format(time.RFC3339),
		nullIntPtr(d.LastStatusCode), nullStringPtr(d.LastError), nullTime(d.DeliveredAt), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookDeliveryRepository) GetByJobID(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// GetDue returns pending or retrying deliveries whose next attempt time has
// passed, oldest first.
func (r *SQLiteWebhookDeliveryRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying') AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?
	`, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *SQLiteWebhookDeliveryRepository) DeleteByJobIDs(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(jobIDs)-1) + "?"
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM webhook_deliveries WHERE job_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete webhook deliveries: %w", err)
	}
	return nil
}

func scanDeliveries(rows *sql.Rows) ([]*models.WebhookDelivery, error) {
	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		var nextAttemptAt, createdAt string
		var lastStatusCode sql.NullInt64
		var lastError, deliveredAt sql.NullString

		if err := rows.Scan(&d.ID, &d.JobID, &d.Event, &d.URL, &d.PayloadJSON, &d.Status,
			&d.AttemptCount, &nextAttemptAt, &lastStatusCode, &lastError,
			&createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}

		d.NextAttemptAt, _ = time.Parse(time.RFC3339, nextAttemptAt)
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastStatusCode.Valid {
			v := int(lastStatusCode.Int64)
			d.LastStatusCode = &v
		}
		d.LastError = strPtr(lastError)
		d.DeliveredAt = timePtr(deliveredAt)
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

func nullIntPtr(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
