package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// fallbackChunkSize is the size of the synthetic deltas replayed to the
// consumer when a stalled stream is substituted with a non-stream call.
const fallbackChunkSize = 400

// StreamSink consumes streaming completion output.
type StreamSink interface {
	// Delta receives one text fragment as soon as it arrives.
	Delta(text string)
	// Reset discards everything delivered so far. Emitted before the
	// replay when a stalled stream is replaced by the non-streaming
	// fallback, whose text supersedes any partial stream output.
	Reset()
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream performs a streaming chat call, forwarding every text delta to
// the sink as soon as it arrives, and returns the full accumulated text.
//
// A per-delta stall timer guards the stream: when no delta arrives within
// StallAfter, the stream is abandoned and one non-streaming Complete call
// transparently takes its place — the sink is Reset and the fallback text
// is replayed as fixed-size synthetic deltas, so the external behavior
// still looks like a stream. The returned text is what the caller commits
// to conversation history, exactly once.
//
// The stream's lifetime is tied to ctx: cancelling the caller abandons the
// HTTP response and stops the reader goroutine.
func (c *Client) Stream(ctx context.Context, input, systemPrompt string, sink StreamSink) (string, error) {
	text, err := c.streamOnce(ctx, input, systemPrompt, sink)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	slog.Warn("llm: stream failed, falling back to non-streaming call", "error", err)
	full, err := c.Complete(ctx, input, systemPrompt)
	if err != nil {
		return "", err
	}
	sink.Reset()
	for i := 0; i < len(full); {
		end := i + fallbackChunkSize
		if end >= len(full) {
			end = len(full)
		} else {
			// Keep synthetic deltas on rune boundaries.
			for end > i && !utf8.RuneStart(full[end]) {
				end--
			}
			if end == i {
				end = i + fallbackChunkSize
			}
		}
		sink.Delta(full[i:end])
		i = end
	}
	return full, nil
}

// streamOnce runs a single SSE streaming attempt.
func (c *Client) streamOnce(ctx context.Context, input, systemPrompt string, sink StreamSink) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.post(ctx, chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: input},
		},
		Temperature: c.opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	type event struct {
		delta string
		err   error
		done  bool
	}
	events := make(chan event)

	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				select {
				case events <- event{done: true}:
				case <-ctx.Done():
				}
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // tolerate keep-alives and unknown event shapes
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case events <- event{delta: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			select {
			case events <- event{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- event{done: true}:
		case <-ctx.Done():
		}
	}()

	stall := time.NewTimer(c.opts.StallAfter)
	defer stall.Stop()

	var full strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-stall.C:
			// cancel() tears down the reader goroutine and the HTTP body.
			return "", &UpstreamError{Body: "stream stalled: no delta within " + c.opts.StallAfter.String(), Transient: true}
		case ev, ok := <-events:
			if !ok || ev.done {
				return strings.TrimSpace(full.String()), nil
			}
			if ev.err != nil {
				return "", &UpstreamError{Body: truncate(ev.err.Error(), maxErrBody), Transient: true}
			}
			full.WriteString(ev.delta)
			sink.Delta(ev.delta)
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(c.opts.StallAfter)
		}
	}
}
