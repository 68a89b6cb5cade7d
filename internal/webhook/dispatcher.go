// Package webhook delivers terminal job notifications. Deliveries are
// persisted rows, so a restart resumes pending retries where they left off.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/metrics"
	"github.com/mlbatch/batchd/internal/models"
	"github.com/mlbatch/batchd/internal/repository"
)

const (
	pollInterval = 2 * time.Second
	dueBatchSize = 20
	maxRedirects = 3

	// SignatureHeader carries the HMAC of the payload when the job has a
	// webhook secret.
	SignatureHeader = "X-Webhook-Signature"
)

// payload is the JSON body posted to the subscriber.
type payload struct {
	ID            string               `json:"id"`
	Object        string               `json:"object"`
	Endpoint      string               `json:"endpoint"`
	Status        models.JobStatus     `json:"status"`
	CreatedAt     int64                `json:"created_at"`
	CompletedAt   *int64               `json:"completed_at"`
	RequestCounts models.RequestCounts `json:"request_counts"`
	Metadata      map[string]string    `json:"metadata"`
	OutputFileURL *string              `json:"output_file_url"`
	ErrorFileURL  *string              `json:"error_file_url"`
}

// Dispatcher posts terminal job notifications with persisted retries. It runs
// its own loop, independent of the scheduler.
type Dispatcher struct {
	cfg        *config.Config
	deliveries repository.WebhookDeliveryRepository
	jobs       repository.JobRepository
	httpClient *http.Client
	logger     *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(cfg *config.Config, repos *repository.Repositories, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		deliveries: repos.WebhookDelivery,
		jobs:       repos.Job,
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger: logger,
	}
}

// Enqueue persists one delivery for a terminal job transition. Jobs without
// a webhook URL are skipped. The first attempt is due immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, job *models.Job) error {
	if job.WebhookURL == nil || *job.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(d.buildPayload(job))
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	delivery := &models.WebhookDelivery{
		JobID:         job.ID,
		Event:         job.Status,
		URL:           *job.WebhookURL,
		PayloadJSON:   string(body),
		Status:        models.WebhookDeliveryPending,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := d.deliveries.Create(ctx, delivery); err != nil {
		return fmt.Errorf("failed to persist webhook delivery: %w", err)
	}

	d.logger.Info("webhook enqueued", "job_id", job.ID, "event", job.Status)
	return nil
}

func (d *Dispatcher) buildPayload(job *models.Job) payload {
	p := payload{
		ID:            job.ID,
		Object:        "batch",
		Endpoint:      job.Endpoint,
		Status:        job.Status,
		CreatedAt:     job.CreatedAt.Unix(),
		RequestCounts: job.RequestCounts,
		Metadata:      job.Metadata,
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	if job.FinishedAt != nil {
		ts := job.FinishedAt.Unix()
		p.CompletedAt = &ts
	}
	if job.OutputFileID != nil {
		u := fmt.Sprintf("%s/v1/files/%s/content", d.cfg.BaseURL, *job.OutputFileID)
		p.OutputFileURL = &u
	}
	if job.ErrorFileID != nil {
		u := fmt.Sprintf("%s/v1/files/%s/content", d.cfg.BaseURL, *job.ErrorFileID)
		p.ErrorFileURL = &u
	}
	return p
}

// Start launches the delivery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.deliverDue(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight attempt to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) deliverDue(ctx context.Context) {
	due, err := d.deliveries.GetDue(ctx, time.Now().UTC(), dueBatchSize)
	if err != nil {
		d.logger.Error("failed to fetch due webhook deliveries", "error", err)
		return
	}
	for _, delivery := range due {
		if ctx.Err() != nil {
			return
		}
		d.Attempt(ctx, delivery)
	}
}

// Attempt makes one delivery attempt and updates the row.
func (d *Dispatcher) Attempt(ctx context.Context, delivery *models.WebhookDelivery) {
	delivery.AttemptCount++

	statusCode, err := d.post(ctx, delivery)
	if statusCode != 0 {
		delivery.LastStatusCode = &statusCode
	}

	switch {
	case err == nil:
		now := time.Now().UTC()
		delivery.Status = models.WebhookDeliveryDelivered
		delivery.DeliveredAt = &now
		delivery.LastError = nil
		metrics.IncWebhookAttempt("delivered")
		d.logger.Info("webhook delivered",
			"job_id", delivery.JobID,
			"event", delivery.Event,
			"attempts", delivery.AttemptCount,
		)

	case apperr.CodeOf(err) == apperr.CodeWebhookPermanent:
		msg := err.Error()
		delivery.Status = models.WebhookDeliveryFailed
		delivery.LastError = &msg
		metrics.IncWebhookAttempt("failed")
		d.logger.Warn("webhook permanently failed",
			"job_id", delivery.JobID,
			"status_code", statusCode,
			"error", err,
		)

	case delivery.AttemptCount >= d.cfg.WebhookMaxAttempts:
		msg := apperr.Newf(apperr.CodeWebhookExhausted,
			"gave up after %d attempts: %v", delivery.AttemptCount, err).Error()
		delivery.Status = models.WebhookDeliveryFailed
		delivery.LastError = &msg
		metrics.IncWebhookAttempt("failed")
		d.logger.Warn("webhook exhausted",
			"job_id", delivery.JobID,
			"attempts", delivery.AttemptCount,
			"error", err,
		)

	default:
		msg := err.Error()
		delivery.Status = models.WebhookDeliveryRetrying
		delivery.LastError = &msg
		delivery.NextAttemptAt = time.Now().UTC().Add(d.backoff(delivery.AttemptCount))
		metrics.IncWebhookAttempt("retry")
		d.logger.Info("webhook attempt failed, will retry",
			"job_id", delivery.JobID,
			"attempt", delivery.AttemptCount,
			"next_attempt_at", delivery.NextAttemptAt,
			"error", err,
		)
	}

	if err := d.deliveries.Update(ctx, delivery); err != nil {
		d.logger.Error("failed to update webhook delivery", "id", delivery.ID, "error", err)
	}
}

// post sends the payload and classifies the response. The returned status
// code is 0 for network failures.
func (d *Dispatcher) post(ctx context.Context, delivery *models.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.WebhookAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL,
		bytes.NewReader([]byte(delivery.PayloadJSON)))
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeWebhookPermanent, "invalid webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if secret := d.jobSecret(ctx, delivery.JobID); secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, []byte(delivery.PayloadJSON), time.Now()))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, apperr.Newf(apperr.CodeWebhookPermanent,
			"webhook endpoint returned %d", resp.StatusCode)
	default:
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
}

// jobSecret reads the signing secret from the job row at attempt time, so a
// rotated secret applies to retries.
func (d *Dispatcher) jobSecret(ctx context.Context, jobID string) string {
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil || job.WebhookSecret == nil {
		return ""
	}
	return *job.WebhookSecret
}

// backoff returns base*2^(n-1) with jitter, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.cfg.WebhookBaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.cfg.WebhookMaxBackoff {
			backoff = d.cfg.WebhookMaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d.cfg.WebhookBaseBackoff)))
	if backoff+jitter > d.cfg.WebhookMaxBackoff {
		return d.cfg.WebhookMaxBackoff
	}
	return backoff + jitter
}

// Sign computes the signature header value t=<unix>,v1=<hex> over
// "<unix>.<body>".
func Sign(secret string, body []byte, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
