package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/mlbatch/batchd/internal/config"
)

// Mirror copies finished file blobs to S3-compatible object storage.
// When no bucket is configured every call is a no-op.
type Mirror struct {
	client  *s3.Client
	bucket  string
	enabled bool
	logger  *slog.Logger
}

// NewMirror creates a mirror from config.
func NewMirror(cfg *appconfig.Config, logger *slog.Logger) (*Mirror, error) {
	if !cfg.StorageEnabled {
		logger.Info("storage mirror disabled - no bucket configured")
		return &Mirror{enabled: false, logger: logger}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint for S3-compatible storage (Tigris, MinIO, etc.)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		o.UsePathStyle = true
	})

	logger.Info("storage mirror initialized",
		"bucket", cfg.StorageBucket,
		"endpoint", cfg.StorageEndpoint,
	)

	return &Mirror{
		client:  client,
		bucket:  cfg.StorageBucket,
		enabled: true,
		logger:  logger,
	}, nil
}

// IsEnabled returns whether the mirror is configured.
func (m *Mirror) IsEnabled() bool {
	return m.enabled
}

// Upload copies a blob to the bucket under the same key.
func (m *Mirror) Upload(ctx context.Context, key string, r io.Reader) error {
	if !m.enabled {
		return nil
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/jsonl"),
	})
	if err != nil {
		return fmt.Errorf("failed to mirror blob %s: %w", key, err)
	}

	m.logger.Debug("mirrored blob", "key", key)
	return nil
}

// Delete removes a mirrored blob.
func (m *Mirror) Delete(ctx context.Context, key string) error {
	if !m.enabled {
		return nil
	}

	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete mirrored blob %s: %w", key, err)
	}
	return nil
}
