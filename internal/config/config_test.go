package config

import (
	"os"
	"testing"
	"time"
)

// ========================================
// Helper Functions Tests
// ========================================

func TestGetEnv(t *testing.T) {
	// Set a test environment variable
	os.Setenv("TEST_GET_ENV", "test_value")
	defer os.Unsetenv("TEST_GET_ENV")

	t.Run("existing env var", func(t *testing.T) {
		result := getEnv("TEST_GET_ENV", "default")
		if result != "test_value" {
			t.Errorf("getEnv() = %q, want %q", result, "test_value")
		}
	})

	t.Run("missing env var", func(t *testing.T) {
		result := getEnv("TEST_MISSING_VAR", "default_value")
		if result != "default_value" {
			t.Errorf("getEnv() = %q, want %q", result, "default_value")
		}
	})

	t.Run("empty env var", func(t *testing.T) {
		os.Setenv("TEST_EMPTY_VAR", "")
		defer os.Unsetenv("TEST_EMPTY_VAR")

		result := getEnv("TEST_EMPTY_VAR", "default")
		if result != "default" {
			t.Errorf("getEnv() = %q, want %q (empty should use default)", result, "default")
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Run("valid integer", func(t *testing.T) {
		os.Setenv("TEST_INT", "42")
		defer os.Unsetenv("TEST_INT")

		result := getEnvInt("TEST_INT", 0)
		if result != 42 {
			t.Errorf("getEnvInt() = %d, want 42", result)
		}
	})

	t.Run("invalid integer", func(t *testing.T) {
		os.Setenv("TEST_INT_INVALID", "not-a-number")
		defer os.Unsetenv("TEST_INT_INVALID")

		result := getEnvInt("TEST_INT_INVALID", 99)
		if result != 99 {
			t.Errorf("getEnvInt() = %d, want 99 (default)", result)
		}
	})

	t.Run("missing env var", func(t *testing.T) {
		result := getEnvInt("TEST_INT_MISSING", 100)
		if result != 100 {
			t.Errorf("getEnvInt() = %d, want 100 (default)", result)
		}
	})

	t.Run("negative integer", func(t *testing.T) {
		os.Setenv("TEST_INT_NEG", "-5")
		defer os.Unsetenv("TEST_INT_NEG")

		result := getEnvInt("TEST_INT_NEG", 0)
		if result != -5 {
			t.Errorf("getEnvInt() = %d, want -5", result)
		}
	})
}

func TestGetEnvFloat(t *testing.T) {
	t.Run("valid float", func(t *testing.T) {
		os.Setenv("TEST_FLOAT", "0.75")
		defer os.Unsetenv("TEST_FLOAT")

		result := getEnvFloat("TEST_FLOAT", 0)
		if result != 0.75 {
			t.Errorf("getEnvFloat() = %v, want 0.75", result)
		}
	})

	t.Run("invalid float", func(t *testing.T) {
		os.Setenv("TEST_FLOAT_INVALID", "almost-one")
		defer os.Unsetenv("TEST_FLOAT_INVALID")

		result := getEnvFloat("TEST_FLOAT_INVALID", 0.5)
		if result != 0.5 {
			t.Errorf("getEnvFloat() = %v, want 0.5 (default)", result)
		}
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("valid duration", func(t *testing.T) {
		os.Setenv("TEST_DUR", "5m")
		defer os.Unsetenv("TEST_DUR")

		result := getEnvDuration("TEST_DUR", time.Hour)
		if result != 5*time.Minute {
			t.Errorf("getEnvDuration() = %v, want 5m", result)
		}
	})

	t.Run("complex duration", func(t *testing.T) {
		os.Setenv("TEST_DUR_COMPLEX", "1h30m")
		defer os.Unsetenv("TEST_DUR_COMPLEX")

		result := getEnvDuration("TEST_DUR_COMPLEX", time.Hour)
		if result != 90*time.Minute {
			t.Errorf("getEnvDuration() = %v, want 1h30m", result)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		os.Setenv("TEST_DUR_INVALID", "not-a-duration")
		defer os.Unsetenv("TEST_DUR_INVALID")

		result := getEnvDuration("TEST_DUR_INVALID", 2*time.Hour)
		if result != 2*time.Hour {
			t.Errorf("getEnvDuration() = %v, want 2h (default)", result)
		}
	})

	t.Run("missing env var", func(t *testing.T) {
		result := getEnvDuration("TEST_DUR_MISSING", 30*time.Second)
		if result != 30*time.Second {
			t.Errorf("getEnvDuration() = %v, want 30s (default)", result)
		}
	})
}

func TestGetEnvSlice(t *testing.T) {
	t.Run("comma separated values", func(t *testing.T) {
		os.Setenv("TEST_SLICE", "a,b,c")
		defer os.Unsetenv("TEST_SLICE")

		result := getEnvSlice("TEST_SLICE", []string{})
		if len(result) != 3 {
			t.Errorf("getEnvSlice() length = %d, want 3", len(result))
		}
		if result[0] != "a" || result[1] != "b" || result[2] != "c" {
			t.Errorf("getEnvSlice() = %v, want [a b c]", result)
		}
	})

	t.Run("missing env var", func(t *testing.T) {
		defaultSlice := []string{"default1", "default2"}
		result := getEnvSlice("TEST_SLICE_MISSING", defaultSlice)
		if len(result) != 2 {
			t.Errorf("getEnvSlice() length = %d, want 2 (default)", len(result))
		}
	})
}

func TestGetEnvWithFallback(t *testing.T) {
	t.Run("primary exists", func(t *testing.T) {
		os.Setenv("PRIMARY_KEY", "primary_value")
		defer os.Unsetenv("PRIMARY_KEY")

		result := getEnvWithFallback("PRIMARY_KEY", "FALLBACK_KEY", "default")
		if result != "primary_value" {
			t.Errorf("getEnvWithFallback() = %q, want %q", result, "primary_value")
		}
	})

	t.Run("fallback exists", func(t *testing.T) {
		os.Setenv("FALLBACK_KEY", "fallback_value")
		defer os.Unsetenv("FALLBACK_KEY")

		result := getEnvWithFallback("MISSING_PRIMARY", "FALLBACK_KEY", "default")
		if result != "fallback_value" {
			t.Errorf("getEnvWithFallback() = %q, want %q", result, "fallback_value")
		}
	})

	t.Run("neither exists", func(t *testing.T) {
		result := getEnvWithFallback("MISSING1", "MISSING2", "the_default")
		if result != "the_default" {
			t.Errorf("getEnvWithFallback() = %q, want %q", result, "the_default")
		}
	})
}

// ========================================
// Load Tests
// ========================================

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxRequestsPerJob != 50000 {
		t.Errorf("MaxRequestsPerJob = %d, want 50000", cfg.MaxRequestsPerJob)
	}
	if cfg.ChunkSize != 5000 {
		t.Errorf("ChunkSize = %d, want 5000", cfg.ChunkSize)
	}
	if cfg.GpuMemoryMaxFraction != 0.95 {
		t.Errorf("GpuMemoryMaxFraction = %v, want 0.95", cfg.GpuMemoryMaxFraction)
	}
	if cfg.CompletionWindowDefault != 24*time.Hour {
		t.Errorf("CompletionWindowDefault = %v, want 24h", cfg.CompletionWindowDefault)
	}
	if cfg.WebhookMaxAttempts != 5 {
		t.Errorf("WebhookMaxAttempts = %d, want 5", cfg.WebhookMaxAttempts)
	}
	if cfg.StorageEnabled {
		t.Error("StorageEnabled should be false without bucket and endpoint")
	}
}

func TestLoadValidatesChunkSize(t *testing.T) {
	os.Setenv("CHUNK_SIZE", "0")
	defer os.Unsetenv("CHUNK_SIZE")

	if _, err := Load(); err == nil {
		t.Error("Load() should reject CHUNK_SIZE=0")
	}
}

func TestLoadValidatesGpuThresholds(t *testing.T) {
	os.Setenv("GPU_MEMORY_ABORT_FRACTION", "0.90")
	defer os.Unsetenv("GPU_MEMORY_ABORT_FRACTION")

	if _, err := Load(); err == nil {
		t.Error("Load() should reject abort fraction below the admission limit")
	}
}

func TestLoadStorageEnabled(t *testing.T) {
	os.Setenv("BUCKET_NAME", "test-bucket")
	os.Setenv("AWS_ENDPOINT_URL_S3", "https://fly.storage.tigris.dev")
	defer os.Unsetenv("BUCKET_NAME")
	defer os.Unsetenv("AWS_ENDPOINT_URL_S3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.StorageEnabled {
		t.Error("StorageEnabled should be true with bucket and endpoint set")
	}
}
