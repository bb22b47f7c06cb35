package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minebridge/bridgebot/internal/retry"
)

// maxErrBody bounds how much of an upstream error body is kept for
// logging and error messages.
const maxErrBody = 500

// Embedder turns text into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAPIError is a non-retryable embedding API failure (4xx, malformed
// response). It carries the upstream status and a truncated body snippet.
type EmbedAPIError struct {
	Status int
	Body   string
}

func (e *EmbedAPIError) Error() string {
	return fmt.Sprintf("embedding API: HTTP %d: %s", e.Status, e.Body)
}

// HTTPEmbedder calls a Jina-style embeddings endpoint
// (POST {model, input} -> {data:[{embedding}]}) in bounded batches.
type HTTPEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	batchSize int
	client    *http.Client
	policy    retry.Policy
}

// EmbedderOptions configures an HTTPEmbedder.
type EmbedderOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int           // max texts per request (default 64)
	Timeout   time.Duration // per-request timeout (default 60s)
	Policy    *retry.Policy // nil = DefaultPolicy with transient-only predicate
}

// NewHTTPEmbedder builds the embedding client.
func NewHTTPEmbedder(opts EmbedderOptions) *HTTPEmbedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool {
			var apiErr *EmbedAPIError
			return !errors.As(err, &apiErr)
		}
	}
	return &HTTPEmbedder{
		baseURL:   opts.BaseURL,
		apiKey:    opts.APIKey,
		model:     opts.Model,
		batchSize: opts.BatchSize,
		client:    &http.Client{Timeout: opts.Timeout},
		policy:    policy,
	}
}

// Embed returns one vector per input text, order-preserving. Inputs are
// split into batches of at most batchSize to respect upstream payload
// limits. Transient failures (5xx, network) are retried; 4xx and malformed
// payloads fail immediately.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.policy.Do(ctx, func() error {
		var err error
		vecs, err = e.postEmbeddings(ctx, batch)
		if err != nil {
			slog.Warn("rag: embedding request failed", "batch", len(batch), "error", err)
		}
		return err
	})
	return vecs, err
}

func (e *HTTPEmbedder) postEmbeddings(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embeddings response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("embedding API: HTTP %d: %s", resp.StatusCode, truncate(string(raw), maxErrBody))
	}
	if resp.StatusCode >= 400 {
		return nil, &EmbedAPIError{Status: resp.StatusCode, Body: truncate(string(raw), maxErrBody)}
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &EmbedAPIError{Status: resp.StatusCode, Body: "malformed response: " + truncate(string(raw), maxErrBody)}
	}
	if len(parsed.Data) != len(batch) {
		return nil, &EmbedAPIError{Status: resp.StatusCode, Body: fmt.Sprintf("got %d embeddings for %d inputs", len(parsed.Data), len(batch))}
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
