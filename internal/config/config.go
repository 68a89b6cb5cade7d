// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL string

	// Local blob spool. Input uploads and in-flight output files live here;
	// the append path must be a local filesystem so line counts are exact.
	DataDir string

	// Object Storage mirror (Tigris/S3-compatible), optional
	StorageEnabled   bool
	StorageEndpoint  string // AWS_ENDPOINT_URL_S3
	StorageAccessKey string // AWS_ACCESS_KEY_ID
	StorageSecretKey string // AWS_SECRET_ACCESS_KEY
	StorageBucket    string // Bucket name
	StorageRegion    string // Region (auto for Tigris)

	// Inference engine
	EngineURL     string // base URL of the Ollama-compatible server
	NvidiaSMIPath string // path to nvidia-smi for GPU probing

	// Admission limits
	MaxRequestsPerJob      int
	MaxQueueDepth          int
	MaxTotalQueuedRequests int

	// GPU health thresholds
	GpuMemoryMaxFraction   float64 // reject submissions above this
	GpuMemoryAbortFraction float64 // pause chunks above this
	GpuTempMaxC            int

	// Scheduler
	WorkerID                string
	PollInterval            time.Duration
	ChunkSize               int
	ChunkRetryMax           int
	ChunkTimeoutPerRequest  time.Duration // per-request share of the chunk deadline
	ErrorRateAbort          float64
	HealthBackoff           time.Duration
	HealthBackoffMax        int
	HeartbeatPeriod         time.Duration
	HeartbeatDeadThreshold  time.Duration
	CompletionWindowDefault time.Duration

	// Webhooks
	WebhookMaxAttempts    int
	WebhookBaseBackoff    time.Duration
	WebhookMaxBackoff     time.Duration
	WebhookAttemptTimeout time.Duration

	// Retention
	RetentionMaxAge   time.Duration // 0 disables the sweep
	RetentionInterval time.Duration

	// CORS
	CORSOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", "file:batchd.db"),
		DataDir:     getEnv("DATA_DIR", "data"),

		// Object storage mirror - uses the standard S3 env vars
		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		EngineURL:     getEnv("OLLAMA_URL", "http://127.0.0.1:11434"),
		NvidiaSMIPath: getEnv("NVIDIA_SMI_PATH", "nvidia-smi"),

		MaxRequestsPerJob:      getEnvInt("MAX_REQUESTS_PER_JOB", 50000),
		MaxQueueDepth:          getEnvInt("MAX_QUEUE_DEPTH", 20),
		MaxTotalQueuedRequests: getEnvInt("MAX_TOTAL_QUEUED_REQUESTS", 1000000),

		GpuMemoryMaxFraction:   getEnvFloat("GPU_MEMORY_MAX_FRACTION", 0.95),
		GpuMemoryAbortFraction: getEnvFloat("GPU_MEMORY_ABORT_FRACTION", 0.98),
		GpuTempMaxC:            getEnvInt("GPU_TEMP_MAX_C", 85),

		WorkerID:                getEnv("WORKER_ID", "batchd-0"),
		PollInterval:            getEnvDuration("POLL_INTERVAL", 2*time.Second),
		ChunkSize:               getEnvInt("CHUNK_SIZE", 5000),
		ChunkRetryMax:           getEnvInt("CHUNK_RETRY_MAX", 2),
		ChunkTimeoutPerRequest:  getEnvDuration("CHUNK_TIMEOUT_PER_REQUEST", 60*time.Second),
		ErrorRateAbort:          getEnvFloat("ERROR_RATE_ABORT", 0.5),
		HealthBackoff:           getEnvDuration("HEALTH_BACKOFF", 15*time.Second),
		HealthBackoffMax:        getEnvInt("HEALTH_BACKOFF_MAX", 4),
		HeartbeatPeriod:         getEnvDuration("HEARTBEAT_PERIOD", 10*time.Second),
		HeartbeatDeadThreshold:  getEnvDuration("HEARTBEAT_DEAD_THRESHOLD", 60*time.Second),
		CompletionWindowDefault: getEnvDuration("COMPLETION_WINDOW_DEFAULT", 24*time.Hour),

		WebhookMaxAttempts:    getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookBaseBackoff:    getEnvDuration("WEBHOOK_BASE_BACKOFF", time.Second),
		WebhookMaxBackoff:     getEnvDuration("WEBHOOK_MAX_BACKOFF", 60*time.Second),
		WebhookAttemptTimeout: getEnvDuration("WEBHOOK_ATTEMPT_TIMEOUT", 30*time.Second),

		RetentionMaxAge:   getEnvDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
		RetentionInterval: getEnvDuration("RETENTION_INTERVAL", 24*time.Hour),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
	}

	// Enable the mirror only when a bucket and endpoint are configured
	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageEndpoint != ""

	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("CHUNK_SIZE must be >= 1")
	}
	if cfg.GpuMemoryAbortFraction < cfg.GpuMemoryMaxFraction {
		return nil, fmt.Errorf("GPU_MEMORY_ABORT_FRACTION must be >= GPU_MEMORY_MAX_FRACTION")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}
