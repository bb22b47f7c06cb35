// Package llm drives the OpenAI-compatible completion API in both
// single-shot and streaming modes, with bounded retry on transient
// failures and a stall fallback that keeps streaming consumers working
// when the delta stream dries up.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minebridge/bridgebot/internal/retry"
)

// maxErrBody bounds upstream error bodies kept in errors and logs.
const maxErrBody = 500

// RateLimitError reports a 429 that survived the retry budget.
type RateLimitError struct {
	RetryAfter time.Duration // 0 when the upstream gave no hint
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("completion API rate limited: %s", e.Body)
}

// UpstreamError reports any other completion API failure. Transient
// errors (5xx, network) only surface after retry exhaustion; permanent
// ones (4xx, malformed payloads) surface immediately.
type UpstreamError struct {
	Status    int
	Body      string
	Transient bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion API: HTTP %d: %s", e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration // overall per-request timeout (default 120s)
	StallAfter  time.Duration // max silence between stream deltas (default 15s)
	Policy      *retry.Policy // nil = DefaultPolicy with transient predicate
}

// Client is the completion pipeline. Both modes share the same request
// shape; Stream adds SSE handling and the stall fallback on top.
type Client struct {
	opts   Options
	client *http.Client
	policy retry.Policy
}

// NewClient builds a completion client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = 15 * time.Second
	}
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		policy: policy,
	}
}

// Retryable reports whether err is a transient upstream failure worth
// another attempt.
func Retryable(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	// Network-level failures carry no typed error.
	return true
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete performs one non-streaming chat call and returns the trimmed
// final text. Transient failures are retried with exponential backoff; on
// exhaustion the typed error is surfaced so callers can fall back to a
// canned reply. A zero-length completion is returned as "" with nil error.
func (c *Client) Complete(ctx context.Context, input, systemPrompt string) (string, error) {
	var text string
	err := c.policy.Do(ctx, func() error {
		var err error
		text, err = c.completeOnce(ctx, input, systemPrompt)
		if err != nil {
			slog.Warn("llm: completion attempt failed", "error", err)
		}
		return err
	})
	return text, err
}

func (c *Client) completeOnce(ctx context.Context, input, systemPrompt string) (string, error) {
	resp, err := c.post(ctx, chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: input},
		},
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &UpstreamError{Status: resp.StatusCode, Body: "malformed response: " + truncate(string(raw), maxErrBody)}
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// post sends the request and maps non-2xx statuses onto the error
// taxonomy. The caller owns the body on success.
func (c *Client) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody+1))
	resp.Body.Close()
	snippet := truncate(string(raw), maxErrBody)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Body: snippet}
	case resp.StatusCode >= 500:
		return nil, &UpstreamError{Status: resp.StatusCode, Body: snippet, Transient: true}
	default:
		return nil, &UpstreamError{Status: resp.StatusCode, Body: snippet}
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
