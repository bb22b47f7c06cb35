// Package delivery paces outgoing message edits against a transport's
// rate and size limits, splitting streamed text into size-capped message
// segments as it accumulates.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBadMarkup is reported by a Transport when the platform rejects a
// message because its rich formatting does not parse — typically because
// only a partial token stream has been flushed so far.
var ErrBadMarkup = errors.New("delivery: transport rejected rich formatting")

// RateLimitedError is reported by a Transport when the platform asks the
// sender to back off. RetryAfter is the advisory wait; zero means the
// platform gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("delivery: rate limited, retry after %s", e.RetryAfter)
}

// Transport is the outgoing side of a chat platform. rich selects the
// platform's rich formatting mode; implementations must surface
// RateLimitedError and ErrBadMarkup distinguishably.
type Transport interface {
	// Send posts a new message and returns its handle.
	Send(ctx context.Context, text string, rich bool) (MessageID, error)
	// Edit replaces the text of an existing message.
	Edit(ctx context.Context, id MessageID, text string, rich bool) error
	// MaxMessageLen is the platform's per-message size cap, already
	// including whatever safety margin the adapter wants.
	MaxMessageLen() int
}

// MessageID is an opaque message handle issued by a Transport.
type MessageID string
