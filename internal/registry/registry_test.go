package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/models"
)

type mockModelRepo struct {
	specs map[string]*models.ModelSpec
}

func newMockModelRepo() *mockModelRepo {
	return &mockModelRepo{specs: make(map[string]*models.ModelSpec)}
}

func (m *mockModelRepo) Upsert(_ context.Context, spec *models.ModelSpec) error {
	s := *spec
	m.specs[s.Name] = &s
	return nil
}

func (m *mockModelRepo) GetByName(_ context.Context, name string) (*models.ModelSpec, error) {
	return m.specs[name], nil
}

func (m *mockModelRepo) List(_ context.Context) ([]*models.ModelSpec, error) {
	out := make([]*models.ModelSpec, 0, len(m.specs))
	for _, s := range m.specs {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockModelRepo) Count(_ context.Context) (int, error) {
	return len(m.specs), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSeedPopulatesEmptyTable(t *testing.T) {
	repo := newMockModelRepo()
	reg := New(repo, testLogger())

	if err := reg.Seed(context.Background()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(repo.specs) != len(builtinModels) {
		t.Errorf("seeded %d models, want %d", len(repo.specs), len(builtinModels))
	}

	spec, err := reg.Resolve(context.Background(), "gemma-3-4b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if spec.EngineID != "gemma3:4b" {
		t.Errorf("EngineID = %q, want gemma3:4b", spec.EngineID)
	}
}

func TestSeedSkipsPopulatedTable(t *testing.T) {
	repo := newMockModelRepo()
	custom := &models.ModelSpec{Name: "custom-model", EngineID: "custom:latest"}
	if err := repo.Upsert(context.Background(), custom); err != nil {
		t.Fatal(err)
	}

	reg := New(repo, testLogger())
	if err := reg.Seed(context.Background()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(repo.specs) != 1 {
		t.Errorf("table has %d models after seed, want 1 (operator rows untouched)", len(repo.specs))
	}
}

func TestResolveUnknownModel(t *testing.T) {
	reg := New(newMockModelRepo(), testLogger())

	_, err := reg.Resolve(context.Background(), "no-such-model")
	if err == nil {
		t.Fatal("Resolve succeeded for unknown model")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeUnknownModel {
		t.Errorf("err = %v, want code unknown_model", err)
	}
}
