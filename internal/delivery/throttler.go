package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"
)

// Options tunes a Throttler.
type Options struct {
	MaxMessageLen   int           // hard per-message size limit (default 4000)
	MinEditInterval time.Duration // min time between edits of the active message (default 1.2s)
	MinEditChars    int           // min new chars before another edit (default 220)
	MaxAttempts     int           // send/edit attempts before abandoning (default 4)
	DefaultBackoff  time.Duration // backoff when the platform gives no hint (default 1s)
}

func (o *Options) fill() {
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = 4000
	}
	if o.MinEditInterval <= 0 {
		o.MinEditInterval = 1200 * time.Millisecond
	}
	if o.MinEditChars <= 0 {
		o.MinEditChars = 220
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.DefaultBackoff <= 0 {
		o.DefaultBackoff = time.Second
	}
}

// Throttler accumulates streamed text and delivers it through a Transport
// while honoring the platform's message-size cap and edit-rate quota.
//
// It maintains one active message (usually the "typing" placeholder handed
// in at construction). Each delta grows the active buffer; whenever the
// buffer exceeds the size cap, the first MaxMessageLen units are finalized
// into the active message with rich formatting and a new message is opened
// seeded with the remainder. Mid-stream edits are plain-formatted and
// gated on both a minimum interval and a minimum amount of new content;
// Finish performs one final rich flush regardless of the gates.
type Throttler struct {
	transport Transport
	opts      Options

	active      MessageID
	buf         string
	lastSentLen int       // chars of buf already pushed to the active message
	lastEdit    time.Time // when the active message was last edited
	lastRich    string    // last rich-flushed text of the active message
	segments    int
	committed   int // bytes finalized into closed (no longer editable) segments
	skip        int // bytes of incoming text to drop after a Reset

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewThrottler creates a throttler writing into the given active message.
// active may be empty, in which case the first flush sends a new message.
func NewThrottler(transport Transport, active MessageID, opts Options) *Throttler {
	opts.fill()
	t := &Throttler{
		transport: transport,
		opts:      opts,
		active:    active,
		now:       time.Now,
		sleep:     time.Sleep,
	}
	if active != "" {
		t.segments = 1
	}
	return t
}

// Push appends a delta and delivers whatever the limits allow right now.
// Delivery failures are best-effort: an abandoned edit only means the
// platform misses one intermediate update.
func (t *Throttler) Push(ctx context.Context, delta string) error {
	// After a Reset the replayed text repeats what the closed segments
	// already show; drop that prefix before buffering.
	if t.skip > 0 {
		if len(delta) <= t.skip {
			t.skip -= len(delta)
			return nil
		}
		delta = delta[t.skip:]
		t.skip = 0
		for len(delta) > 0 && !utf8.RuneStart(delta[0]) {
			delta = delta[1:]
		}
	}
	if delta == "" {
		return nil
	}
	t.buf += delta

	// Overflow: finalize the first MaxMessageLen units into the active
	// message, open a new message seeded with (at most a segment of) the
	// remainder, repeat until the buffer fits.
	for len(t.buf) > t.opts.MaxMessageLen {
		cut := runeSafeCut(t.buf, t.opts.MaxMessageLen)
		head := t.buf[:cut]
		if err := t.flushActive(ctx, head, true); err != nil {
			slog.Warn("delivery: failed to finalize full segment", "error", err)
		}
		t.committed += len(head)

		t.buf = t.buf[cut:]
		seed := t.buf
		if len(seed) > t.opts.MaxMessageLen {
			seed = seed[:runeSafeCut(seed, t.opts.MaxMessageLen)]
		}
		id, err := t.safeSend(ctx, seed)
		if err != nil {
			return err
		}
		t.active = id
		t.segments++
		t.lastSentLen = len(seed)
		t.lastRich = seed
		t.lastEdit = t.now()
	}

	// Throttle gate: both enough time and enough new content.
	if len(t.buf)-t.lastSentLen < t.opts.MinEditChars {
		return nil
	}
	if t.now().Sub(t.lastEdit) < t.opts.MinEditInterval {
		return nil
	}
	// Plain formatting mid-stream: rich markup may still be unbalanced.
	if err := t.flushActive(ctx, t.buf, false); err != nil {
		slog.Debug("delivery: intermediate edit dropped", "error", err)
	}
	return nil
}

// Reset discards the accumulated state of the active message ahead of a
// replay that restarts from the beginning of the answer, as when a
// stalled stream is replaced by fallback text. Closed segments cannot be
// retracted, so the replay's first committed-many bytes are dropped and
// the next flush overwrites the active message wholesale.
func (t *Throttler) Reset() {
	t.buf = ""
	t.lastSentLen = 0
	t.skip = t.committed
}

// Finish delivers the remaining buffer with one final, rich-formatted
// flush, ignoring the throttle gates. Returns whether any content was
// delivered over the whole stream.
func (t *Throttler) Finish(ctx context.Context) (delivered bool, err error) {
	if t.buf != "" && t.buf != t.lastRich {
		err = t.flushActive(ctx, t.buf, true)
	}
	return t.segments > 1 || t.buf != "" || t.lastRich != "", err
}

// Segments reports how many transport messages the stream produced.
func (t *Throttler) Segments() int {
	return t.segments
}

// runeSafeCut returns the largest cut position <= limit that does not
// split a multi-byte rune. A limit smaller than one rune falls back to a
// byte cut rather than making no progress.
func runeSafeCut(s string, limit int) int {
	if len(s) <= limit {
		return len(s)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// flushActive pushes text into the active message, creating it on first
// use, and updates the bookkeeping on success.
func (t *Throttler) flushActive(ctx context.Context, text string, rich bool) error {
	if rich && text == t.lastRich {
		return nil // active message already carries exactly this text
	}
	if t.active == "" {
		id, err := t.safeSend(ctx, text)
		if err != nil {
			return err
		}
		t.active = id
		t.segments++
		t.lastSentLen = len(text)
		t.lastEdit = t.now()
		if rich {
			t.lastRich = text
		}
		return nil
	}

	if err := t.safeEdit(ctx, t.active, text, rich); err != nil {
		return err
	}
	t.lastSentLen = len(text)
	t.lastEdit = t.now()
	if rich {
		t.lastRich = text
	}
	return nil
}

// safeEdit retries an edit through rate-limit pushback, demoting to plain
// formatting once on a markup rejection. After MaxAttempts the edit is
// abandoned rather than blocking the stream.
func (t *Throttler) safeEdit(ctx context.Context, id MessageID, text string, rich bool) error {
	backoff := t.opts.DefaultBackoff
	demoted := false
	for attempt := 1; ; attempt++ {
		err := t.transport.Edit(ctx, id, text, rich)
		if err == nil {
			return nil
		}

		var rl *RateLimitedError
		switch {
		case errors.As(err, &rl):
			if attempt >= t.opts.MaxAttempts {
				slog.Error("delivery: edit abandoned after rate-limit retries", "attempts", attempt)
				return err
			}
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = backoff
			}
			slog.Warn("delivery: rate limited on edit", "wait", wait, "attempt", attempt)
			t.sleep(wait)
			backoff *= 2
		case errors.Is(err, ErrBadMarkup) && rich && !demoted:
			// Partial rich markup: retry once as plain text.
			rich = false
			demoted = true
		default:
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// safeSend posts a continuation message with the same pushback handling
// as safeEdit. Continuations are sent rich; blank remainders become a
// placeholder ellipsis so the handle exists for subsequent edits.
func (t *Throttler) safeSend(ctx context.Context, text string) (MessageID, error) {
	if text == "" {
		text = "..."
	}
	backoff := t.opts.DefaultBackoff
	rich := true
	demoted := false
	for attempt := 1; ; attempt++ {
		id, err := t.transport.Send(ctx, text, rich)
		if err == nil {
			return id, nil
		}

		var rl *RateLimitedError
		switch {
		case errors.As(err, &rl):
			if attempt >= t.opts.MaxAttempts {
				slog.Error("delivery: send abandoned after rate-limit retries", "attempts", attempt)
				return "", err
			}
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = backoff
			}
			slog.Warn("delivery: rate limited on send", "wait", wait, "attempt", attempt)
			t.sleep(wait)
			backoff *= 2
		case errors.Is(err, ErrBadMarkup) && rich && !demoted:
			rich = false
			demoted = true
		default:
			return "", err
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
}
