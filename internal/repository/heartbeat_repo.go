package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mlbatch/batchd/internal/models"
)

// SQLiteHeartbeatRepository implements HeartbeatRepository for SQLite.
type SQLiteHeartbeatRepository struct {
	db *sql.DB
}

// NewSQLiteHeartbeatRepository creates a new SQLite heartbeat repository.
func NewSQLiteHeartbeatRepository(db *sql.DB) *SQLiteHeartbeatRepository {
	return &SQLiteHeartbeatRepository{db: db}
}

// Upsert writes the singleton liveness row for a worker.
func (r *SQLiteHeartbeatRepository) Upsert(ctx context.Context, hb *models.WorkerHeartbeat) error {
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeat (worker_id, status, current_job_id, loaded_model, gpu_memory_fraction, gpu_temperature_c, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			loaded_model = excluded.loaded_model,
			gpu_memory_fraction = excluded.gpu_memory_fraction,
			gpu_temperature_c = excluded.gpu_temperature_c,
			last_seen_at = excluded.last_seen_at
	`, hb.WorkerID, hb.Status, nullStringPtr(hb.CurrentJobID), nullStringPtr(hb.LoadedModel),
		nullFloatPtr(hb.GpuMemoryFraction), nullFloatPtr(hb.GpuTemperatureC),
		hb.LastSeenAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

func (r *SQLiteHeartbeatRepository) Get(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT worker_id, status, current_job_id, loaded_model, gpu_memory_fraction, gpu_temperature_c, last_seen_at
		FROM worker_heartbeat WHERE worker_id = ?
	`, workerID)

	var hb models.WorkerHeartbeat
	var currentJobID, loadedModel sql.NullString
	var memFraction, temperature sql.NullFloat64
	var lastSeenAt string
	err := row.Scan(&hb.WorkerID, &hb.Status, &currentJobID, &loadedModel, &memFraction, &temperature, &lastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
	}
	hb.CurrentJobID = strPtr(currentJobID)
	hb.LoadedModel = strPtr(loadedModel)
	if memFraction.Valid {
		v := memFraction.Float64
		hb.GpuMemoryFraction = &v
	}
	if temperature.Valid {
		v := temperature.Float64
		hb.GpuTemperatureC = &v
	}
	hb.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeenAt)
	return &hb, nil
}

// Touch refreshes last_seen_at and the GPU gauges without reading the row,
// so a concurrent status transition is never overwritten with stale state.
// A nil gauge keeps the stored value.
func (r *SQLiteHeartbeatRepository) Touch(ctx context.Context, workerID string, gpuMemoryFraction, gpuTemperatureC *float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE worker_heartbeat SET
			last_seen_at = ?,
			gpu_memory_fraction = COALESCE(?, gpu_memory_fraction),
			gpu_temperature_c = COALESCE(?, gpu_temperature_c)
		WHERE worker_id = ?
	`, time.Now().UTC().Format(time.RFC3339),
		nullFloatPtr(gpuMemoryFraction), nullFloatPtr(gpuTemperatureC), workerID)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	return nil
}

// MarkDead flags a prior heartbeat row before recovery; last_seen_at is kept
// so observers can see when the worker actually stopped.
func (r *SQLiteHeartbeatRepository) MarkDead(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE worker_heartbeat SET status = 'dead', current_job_id = NULL, loaded_model = NULL
		WHERE worker_id = ?
	`, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark heartbeat dead: %w", err)
	}
	return nil
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
