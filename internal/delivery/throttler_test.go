package delivery

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// fakeTransport records every call and serves scripted errors.
type fakeTransport struct {
	maxLen   int
	nextID   int
	contents map[MessageID]string // current text per message
	order    []MessageID          // creation order
	sends    int
	edits    int
	sendErrs []error // consumed front-first, nil entry = success
	editErrs []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{maxLen: 4000, contents: map[MessageID]string{}}
}

func (f *fakeTransport) MaxMessageLen() int { return f.maxLen }

func (f *fakeTransport) popErr(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (f *fakeTransport) Send(_ context.Context, text string, _ bool) (MessageID, error) {
	f.sends++
	if err := f.popErr(&f.sendErrs); err != nil {
		return "", err
	}
	f.nextID++
	id := MessageID(fmt.Sprintf("m%d", f.nextID))
	f.contents[id] = text
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeTransport) Edit(_ context.Context, id MessageID, text string, _ bool) error {
	f.edits++
	if err := f.popErr(&f.editErrs); err != nil {
		return err
	}
	f.contents[id] = text
	return nil
}

// joined concatenates all message contents in creation order.
func (f *fakeTransport) joined() string {
	var b strings.Builder
	for _, id := range f.order {
		b.WriteString(f.contents[id])
	}
	return b.String()
}

// placeholder registers a pre-existing active message, as the adapters do
// before streaming starts.
func (f *fakeTransport) placeholder() MessageID {
	id, _ := f.Send(context.Background(), "...", false)
	return id
}

func eagerOptions(maxLen int) Options {
	return Options{
		MaxMessageLen:   maxLen,
		MinEditInterval: time.Nanosecond,
		MinEditChars:    1,
		DefaultBackoff:  time.Nanosecond,
	}
}

func TestThrottler_SplitsLongStreamAcrossMessages(t *testing.T) {
	tr := newFakeTransport()
	active := tr.placeholder()
	thr := NewThrottler(tr, active, eagerOptions(100))

	full := strings.Repeat("a", 100) + strings.Repeat("b", 100) +
		strings.Repeat("c", 100) + strings.Repeat("d", 50)
	ctx := context.Background()
	for i := 0; i < len(full); i += 70 {
		end := i + 70
		if end > len(full) {
			end = len(full)
		}
		if err := thr.Push(ctx, full[i:end]); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := thr.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	if thr.Segments() != 4 {
		t.Errorf("3.5x the cap should need 4 messages, got %d", thr.Segments())
	}
	if got := tr.joined(); got != full {
		t.Errorf("concatenated messages differ from stream:\ngot  %d chars\nwant %d chars", len(got), len(full))
	}
	for id, text := range tr.contents {
		if len(text) > 100 {
			t.Errorf("message %s exceeds cap: %d chars", id, len(text))
		}
	}
}

func TestThrottler_SingleOversizePush(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, tr.placeholder(), eagerOptions(100))

	full := strings.Repeat("x", 350)
	if err := thr.Push(context.Background(), full); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}
	if thr.Segments() != 4 {
		t.Errorf("expected 4 segments, got %d", thr.Segments())
	}
	if tr.joined() != full {
		t.Error("content lost while splitting an oversize delta")
	}
}

func TestThrottler_SegmentsNeverSplitRunes(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, tr.placeholder(), eagerOptions(101))

	full := strings.Repeat("привет", 60) // 720 bytes of two-byte runes
	if err := thr.Push(context.Background(), full); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}
	for id, text := range tr.contents {
		if !utf8.ValidString(text) {
			t.Errorf("message %s is not valid UTF-8: %q", id, text)
		}
		if len(text) > 101 {
			t.Errorf("message %s exceeds cap: %d bytes", id, len(text))
		}
	}
	if tr.joined() != full {
		t.Error("content lost while splitting at rune boundaries")
	}
}

func TestThrottler_ResetAfterOverflowDoesNotRepeatPrefix(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, tr.placeholder(), eagerOptions(101))

	ctx := context.Background()
	if err := thr.Push(ctx, strings.Repeat("a", 250)); err != nil {
		t.Fatal(err)
	}
	// Two full segments are closed at this point. The stream stalls and
	// the fallback replays the whole answer from its first character.
	thr.Reset()
	fallback := strings.Repeat("a", 250) + "WXYZ"
	if err := thr.Push(ctx, fallback); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got := tr.joined(); got != fallback {
		t.Errorf("user-visible text is %d bytes across %d messages, want the %d-byte fallback exactly",
			len(got), thr.Segments(), len(fallback))
	}
}

func TestThrottler_GatesOnMinChars(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, tr.placeholder(), Options{
		MaxMessageLen:   4000,
		MinEditInterval: time.Nanosecond,
		MinEditChars:    220,
	})

	ctx := context.Background()
	if err := thr.Push(ctx, strings.Repeat("a", 219)); err != nil {
		t.Fatal(err)
	}
	if tr.edits != 0 {
		t.Errorf("edit below the char threshold: %d edits", tr.edits)
	}
	if err := thr.Push(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if tr.edits != 1 {
		t.Errorf("expected the 220th char to trigger an edit, got %d edits", tr.edits)
	}
}

func TestThrottler_GatesOnMinInterval(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, tr.placeholder(), Options{
		MaxMessageLen:   4000,
		MinEditInterval: 1200 * time.Millisecond,
		MinEditChars:    1,
	})

	clock := time.Unix(1000, 0)
	thr.now = func() time.Time { return clock }

	ctx := context.Background()
	if err := thr.Push(ctx, "first chunk of text"); err != nil {
		t.Fatal(err)
	}
	first := tr.edits

	// More content immediately: enough chars, not enough time.
	if err := thr.Push(ctx, "second chunk"); err != nil {
		t.Fatal(err)
	}
	if tr.edits != first {
		t.Errorf("edit before the interval elapsed: %d -> %d", first, tr.edits)
	}

	clock = clock.Add(1300 * time.Millisecond)
	if err := thr.Push(ctx, "third"); err != nil {
		t.Fatal(err)
	}
	if tr.edits != first+1 {
		t.Errorf("expected an edit once the interval passed, got %d", tr.edits)
	}
}

func TestThrottler_FinishFlushesRemainder(t *testing.T) {
	tr := newFakeTransport()
	active := tr.placeholder()
	thr := NewThrottler(tr, active, Options{
		MaxMessageLen:   4000,
		MinEditInterval: time.Hour, // gates closed for the whole stream
		MinEditChars:    100000,
	})

	ctx := context.Background()
	if err := thr.Push(ctx, "short reply"); err != nil {
		t.Fatal(err)
	}
	if tr.edits != 0 {
		t.Fatal("gated stream should not have edited yet")
	}
	delivered, err := thr.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !delivered {
		t.Error("finish must report delivery")
	}
	if tr.contents[active] != "short reply" {
		t.Errorf("active message: %q", tr.contents[active])
	}
}

func TestThrottler_FinishOnEmptyStream(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, tr.placeholder(), eagerOptions(4000))
	delivered, err := thr.Finish(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Error("nothing was streamed, delivered must be false")
	}
}

func TestThrottler_NoPlaceholderSendsOnFirstFlush(t *testing.T) {
	tr := newFakeTransport()
	thr := NewThrottler(tr, "", eagerOptions(4000))

	ctx := context.Background()
	if err := thr.Push(ctx, "hello there"); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if thr.Segments() != 1 {
		t.Errorf("expected 1 segment, got %d", thr.Segments())
	}
	if tr.joined() != "hello there" {
		t.Errorf("got %q", tr.joined())
	}
}

func TestThrottler_ResetSupersedesPartialOutput(t *testing.T) {
	tr := newFakeTransport()
	active := tr.placeholder()
	thr := NewThrottler(tr, active, eagerOptions(4000))

	ctx := context.Background()
	if err := thr.Push(ctx, "partial stream output "); err != nil {
		t.Fatal(err)
	}
	thr.Reset()
	if err := thr.Push(ctx, "replacement text"); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.contents[active] != "replacement text" {
		t.Errorf("active message: %q", tr.contents[active])
	}
}

func TestThrottler_RateLimitedEditRetriesWithAdvisoryWait(t *testing.T) {
	tr := newFakeTransport()
	tr.editErrs = []error{
		&RateLimitedError{RetryAfter: 3 * time.Second},
		&RateLimitedError{},
		nil,
	}
	thr := NewThrottler(tr, tr.placeholder(), eagerOptions(4000))

	var waits []time.Duration
	thr.sleep = func(d time.Duration) { waits = append(waits, d) }

	if err := thr.Push(context.Background(), "some content"); err != nil {
		t.Fatal(err)
	}
	if tr.edits != 3 {
		t.Errorf("expected 3 edit attempts, got %d", tr.edits)
	}
	if len(waits) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(waits))
	}
	if waits[0] != 3*time.Second {
		t.Errorf("first wait must honor the advisory hint, got %v", waits[0])
	}
	if waits[1] <= 0 {
		t.Errorf("hint-less retry must still back off, got %v", waits[1])
	}
}

func TestThrottler_RateLimitedSendAbandonedAfterBudget(t *testing.T) {
	tr := newFakeTransport()
	for i := 0; i < 10; i++ {
		tr.sendErrs = append(tr.sendErrs, &RateLimitedError{})
	}
	opts := eagerOptions(4000)
	opts.MaxAttempts = 4
	thr := NewThrottler(tr, "", opts)
	thr.sleep = func(time.Duration) {}

	// Mid-stream flush failures are best-effort and do not surface.
	if err := thr.Push(context.Background(), "text that needs a first message"); err != nil {
		t.Fatal(err)
	}
	if tr.sends != 4 {
		t.Errorf("expected 4 attempts, got %d", tr.sends)
	}
}

func TestThrottler_BadMarkupDemotesToPlainOnce(t *testing.T) {
	tr := newFakeTransport()
	// The final rich flush is rejected and must be retried as plain text.
	tr.editErrs = []error{ErrBadMarkup}
	active := tr.placeholder()
	thr := NewThrottler(tr, active, Options{
		MaxMessageLen:   4000,
		MinEditInterval: time.Hour, // no mid-stream edits
		MinEditChars:    100000,
	})

	ctx := context.Background()
	if err := thr.Push(ctx, "*unbalanced markdown"); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.contents[active] != "*unbalanced markdown" {
		t.Errorf("demoted flush lost content: %q", tr.contents[active])
	}
	if tr.edits != 2 {
		t.Errorf("expected rejected rich edit + plain retry, got %d", tr.edits)
	}
}
