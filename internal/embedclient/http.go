package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"
)

const defaultEmbedMaxRetries = 3

// HTTPEmbedder calls a local embedding service (e.g. an Ollama-compatible
// endpoint) over HTTP, adapted from the teacher's embeddings.Service.
type HTTPEmbedder struct {
	baseURL      string
	modelName    string
	dimension    int
	maxBatchSize int
	maxRetries   int
	logger       arbor.ILogger
	client       *http.Client
}

// NewHTTPEmbedder constructs an HTTPEmbedder.
func NewHTTPEmbedder(baseURL, modelName string, dimension, maxBatchSize int, timeout time.Duration, logger arbor.ILogger) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL:      baseURL,
		modelName:    modelName,
		dimension:    dimension,
		maxBatchSize: maxBatchSize,
		maxRetries:   defaultEmbedMaxRetries,
		logger:       logger,
		client:       &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedText embeds a single text via the service's /api/embeddings
// endpoint, retrying transient failures with exponential backoff the
// same way the Claude extractor does.
func (h *HTTPEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: h.modelName, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	var embedding []float32
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build embedding request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("embedding request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("embedding service returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("embedding service returned status %d", resp.StatusCode))
		}

		var decoded embeddingResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decode embedding response: %w", err))
		}
		embedding = decoded.Embedding
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	retryPolicy := backoff.WithMaxRetries(policy, uint64(h.maxRetries))

	if err := backoff.Retry(operation, backoff.WithContext(retryPolicy, ctx)); err != nil {
		return nil, err
	}
	return embedding, nil
}

// EmbedTexts embeds a batch of texts sequentially against the single-text
// endpoint, since the backing service exposes no native batch route — the
// same constraint the teacher's embedding service works under.
func (h *HTTPEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) > h.maxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds max_batch_size %d", len(texts), h.maxBatchSize)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.EmbedText(ctx, text)
		if err != nil {
			h.logger.Warn().Err(err).Int("index", i).Msg("embedding failed for text in batch")
			return nil, fmt.Errorf("embed text at index %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimension returns the configured embedding dimension.
func (h *HTTPEmbedder) Dimension() int {
	return h.dimension
}

// MaxBatchSize returns the configured maximum batch size.
func (h *HTTPEmbedder) MaxBatchSize() int {
	return h.maxBatchSize
}

// HealthCheck issues a cheap embedding request to confirm reachability.
func (h *HTTPEmbedder) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := h.EmbedText(healthCtx, "health check")
	if err != nil {
		return fmt.Errorf("embedding health check: %w", err)
	}
	return nil
}
