package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/models"
)

const (
	// loadTimeout bounds model load; large models pull cold weights from disk.
	loadTimeout = 5 * time.Minute

	// keepAliveForever pins the model in memory until we unload it.
	keepAliveForever = -1
)

// OllamaEngine talks to an Ollama server over its native HTTP API.
type OllamaEngine struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaEngine creates an engine for the given Ollama base URL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Per-call deadlines come from the caller's context; no client
		// timeout so long generations are not cut off underneath it.
		httpClient: &http.Client{},
	}
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	NumCtx      *int     `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

type ollamaChatRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	Stream    bool                 `json:"stream"`
	KeepAlive int                  `json:"keep_alive"`
	Options   *ollamaOptions       `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string             `json:"model"`
	Message         models.ChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	PromptEvalCount int                `json:"prompt_eval_count"`
	EvalCount       int                `json:"eval_count"`
	Error           string             `json:"error,omitempty"`
}

// Load sends an empty chat with keep_alive -1, which makes Ollama load the
// model and pin it.
func (e *OllamaEngine) Load(ctx context.Context, spec *models.ModelSpec) error {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	_, status, err := e.chat(ctx, &ollamaChatRequest{
		Model:     spec.EngineID,
		Messages:  []models.ChatMessage{},
		Stream:    false,
		KeepAlive: keepAliveForever,
	})
	if err != nil {
		if status == http.StatusNotFound {
			return apperr.Wrap(apperr.CodeModelLoadFailed,
				fmt.Sprintf("model %s is not available on the engine", spec.EngineID), err)
		}
		return apperr.Wrap(apperr.CodeModelLoadFailed,
			fmt.Sprintf("failed to load model %s", spec.EngineID), err)
	}
	return nil
}

// Unload sends keep_alive 0, releasing the model immediately.
func (e *OllamaEngine) Unload(ctx context.Context, spec *models.ModelSpec) error {
	_, _, err := e.chat(ctx, &ollamaChatRequest{
		Model:     spec.EngineID,
		Messages:  []models.ChatMessage{},
		Stream:    false,
		KeepAlive: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to unload model %s: %w", spec.EngineID, err)
	}
	return nil
}

type ollamaPSResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Loaded asks /api/ps for resident models.
func (e *OllamaEngine) Loaded(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/ps", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine error (status %d): %s", resp.StatusCode, string(body))
	}

	var ps ollamaPSResponse
	if err := json.Unmarshal(body, &ps); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(ps.Models) == 0 {
		return "", nil
	}
	return ps.Models[0].Name, nil
}

// Generate runs one chat completion against the resident model. The request
// body's sampling parameters override the model's registry defaults.
func (e *OllamaEngine) Generate(ctx context.Context, spec *models.ModelSpec, line *models.BatchRequestLine) (*models.ChatCompletion, error) {
	opts := &ollamaOptions{
		Temperature: spec.DefaultTemperature,
		TopP:        spec.DefaultTopP,
		NumPredict:  spec.DefaultMaxTokens,
	}
	if line.Body.Temperature != nil {
		opts.Temperature = line.Body.Temperature
	}
	if line.Body.TopP != nil {
		opts.TopP = line.Body.TopP
	}
	if line.Body.MaxTokens != nil {
		opts.NumPredict = line.Body.MaxTokens
	}
	opts.Stop = line.Body.Stop
	opts.Seed = line.Body.Seed

	out, status, err := e.chat(ctx, &ollamaChatRequest{
		Model:     spec.EngineID,
		Messages:  line.Body.Messages,
		Stream:    false,
		KeepAlive: keepAliveForever,
		Options:   opts,
	})
	if err != nil {
		return nil, classifyGenerateError(status, err)
	}

	finishReason := "stop"
	if out.DoneReason == "length" {
		finishReason = "length"
	}

	return &models.ChatCompletion{
		ID:      "chatcmpl-" + ulid.Make().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   spec.Name,
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: out.Message.Content},
			FinishReason: finishReason,
		}},
		Usage: models.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// chat posts to /api/chat and decodes the non-streaming response. On HTTP
// errors it returns the status code alongside the error so callers can
// classify.
func (e *OllamaEngine) chat(ctx context.Context, chatReq *ollamaChatRequest) (*ollamaChatResponse, int, error) {
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("engine unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return nil, resp.StatusCode, fmt.Errorf("engine error (status %d): %s", resp.StatusCode, msg)
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != "" {
		return nil, resp.StatusCode, fmt.Errorf("engine error: %s", out.Error)
	}
	return &out, resp.StatusCode, nil
}

// classifyGenerateError sorts failures into per-request errors the result
// file can absorb and batch-level errors the scheduler must retry or abort on.
func classifyGenerateError(status int, err error) error {
	msg := err.Error()
	switch {
	case status == http.StatusBadRequest && strings.Contains(msg, "context"):
		return apperr.Wrap(apperr.CodeTokenLimit, "request exceeds the model context window", err)
	case status == http.StatusBadRequest:
		return apperr.Wrap(apperr.CodeGenerationError, "engine rejected the request", err)
	case status == http.StatusNotFound:
		return apperr.Wrap(apperr.CodeModelLoadFailed, "model is no longer resident", err)
	default:
		// Network failures and 5xx: the backend may recover.
		return apperr.Wrap(apperr.CodeInferenceTransient, "inference request failed", err)
	}
}
