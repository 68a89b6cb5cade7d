package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mlbatch/batchd/internal/models"
)

// SQLiteModelRepository implements ModelRepository for SQLite.
type SQLiteModelRepository struct {
	db *sql.DB
}

// NewSQLiteModelRepository creates a new SQLite model repository.
func NewSQLiteModelRepository(db *sql.DB) *SQLiteModelRepository {
	return &SQLiteModelRepository{db: db}
}

const modelColumns = `name, engine_id, max_context_tokens, estimated_vram_gb,
	default_temperature, default_top_p, default_max_tokens, created_at, updated_at`

func (r *SQLiteModelRepository) Upsert(ctx context.Context, spec *models.ModelSpec) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO models (name, engine_id, max_context_tokens, estimated_vram_gb,
			default_temperature, default_top_p, default_max_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			engine_id = excluded.engine_id,
			max_context_tokens = excluded.max_context_tokens,
			estimated_vram_gb = excluded.estimated_vram_gb,
			default_temperature = excluded.default_temperature,
			default_top_p = excluded.default_top_p,
			default_max_tokens = excluded.default_max_tokens,
			updated_at = excluded.updated_at
	`, spec.Name, spec.EngineID, spec.MaxContextTokens, spec.EstimatedVramGB,
		nullFloatPtr(spec.DefaultTemperature), nullFloatPtr(spec.DefaultTopP),
		nullIntPtr(spec.DefaultMaxTokens), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}
	return nil
}

func (r *SQLiteModelRepository) GetByName(ctx context.Context, name string) (*models.ModelSpec, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE name = ?`, name)
	spec, err := scanModelSpec(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	return spec, nil
}

func (r *SQLiteModelRepository) List(ctx context.Context) ([]*models.ModelSpec, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var specs []*models.ModelSpec
	for rows.Next() {
		spec, err := scanModelSpec(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (r *SQLiteModelRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM models").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count models: %w", err)
	}
	return count, nil
}

func scanModelSpec(s rowScanner) (*models.ModelSpec, error) {
	var spec models.ModelSpec
	var temperature, topP sql.NullFloat64
	var maxTokens sql.NullInt64
	var createdAt, updatedAt string

	err := s.Scan(&spec.Name, &spec.EngineID, &spec.MaxContextTokens, &spec.EstimatedVramGB,
		&temperature, &topP, &maxTokens, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if temperature.Valid {
		v := temperature.Float64
		spec.DefaultTemperature = &v
	}
	if topP.Valid {
		v := topP.Float64
		spec.DefaultTopP = &v
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		spec.DefaultMaxTokens = &v
	}
	spec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	spec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &spec, nil
}
