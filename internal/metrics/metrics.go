// Package metrics exposes Prometheus collectors for the batch control plane.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsFinished    *prometheus.CounterVec
	chunksCommitted *prometheus.CounterVec
	requestsDone    *prometheus.CounterVec
	chunkDuration   prometheus.Histogram
	webhookAttempts *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queuedRequests  prometheus.Gauge
	gpuMemFraction  prometheus.Gauge
	gpuTemperature  prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobFinished records a job reaching a terminal status.
func IncJobFinished(status string) {
	mu.RLock()
	defer mu.RUnlock()
	jobsFinished.WithLabelValues(status).Inc()
}

// ObserveChunk records one committed chunk and its wall time.
func ObserveChunk(result string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	chunksCommitted.WithLabelValues(result).Inc()
	chunkDuration.Observe(d.Seconds())
}

// AddRequests records completed and failed request counts from a chunk.
func AddRequests(completed, failed int) {
	mu.RLock()
	defer mu.RUnlock()
	requestsDone.WithLabelValues("completed").Add(float64(completed))
	requestsDone.WithLabelValues("failed").Add(float64(failed))
}

// IncWebhookAttempt records one delivery attempt outcome.
func IncWebhookAttempt(result string) {
	mu.RLock()
	defer mu.RUnlock()
	webhookAttempts.WithLabelValues(result).Inc()
}

// SetQueueDepth records the admission counters.
func SetQueueDepth(jobs, requests int) {
	mu.RLock()
	defer mu.RUnlock()
	queueDepth.Set(float64(jobs))
	queuedRequests.Set(float64(requests))
}

// SetGPU records the latest device probe.
func SetGPU(memFraction, temperatureC float64) {
	mu.RLock()
	defer mu.RUnlock()
	gpuMemFraction.Set(memFraction)
	gpuTemperature.Set(temperatureC)
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal status, grouped by status.",
	}, []string{"status"})

	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "chunks_committed_total",
		Help:      "Committed chunks grouped by result (ok, retried, aborted).",
	}, []string{"result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "requests_total",
		Help:      "Processed requests grouped by outcome.",
	}, []string{"outcome"})

	chunkDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batchd",
		Name:      "chunk_duration_seconds",
		Help:      "Wall time of one chunk from first generate to commit.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "webhook_attempts_total",
		Help:      "Webhook delivery attempts grouped by result (delivered, retry, failed).",
	}, []string{"result"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batchd",
		Name:      "queue_depth",
		Help:      "Jobs currently queued or running.",
	})

	queued := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batchd",
		Name:      "queued_requests",
		Help:      "Requests not yet committed across queued and running jobs.",
	})

	memFrac := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batchd",
		Name:      "gpu_memory_fraction",
		Help:      "Used fraction of GPU memory from the last probe.",
	})

	temp := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batchd",
		Name:      "gpu_temperature_celsius",
		Help:      "GPU temperature from the last probe.",
	})

	registry.MustRegister(jobs, chunks, requests, chunkDur, webhooks, depth, queued, memFrac, temp)

	reg = registry
	jobsFinished = jobs
	chunksCommitted = chunks
	requestsDone = requests
	chunkDuration = chunkDur
	webhookAttempts = webhooks
	queueDepth = depth
	queuedRequests = queued
	gpuMemFraction = memFrac
	gpuTemperature = temp
}
