// Package session owns all per-conversation mutable state: bounded
// dialogue history for direct chats, shared transcripts for group
// channels, and the freeze schedule. One Store instance is constructed at
// process start and handed to the request pipeline — no package globals.
package session

import (
	"strings"
	"sync"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Role tags a history entry's author side.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one (role, text) pair in a direct-chat history buffer.
type Entry struct {
	Role Role
	Text string
}

// Line is one message in a shared channel transcript. Transcripts mix
// authorship, including the assistant's own prior replies.
type Line struct {
	Author string
	Bot    bool
	Text   string
}

// shortenLimit clamps recorded lines so buffers stay cheap.
const shortenLimit = 400

// Options sizes a Store.
type Options struct {
	DMHistorySize    int // entries kept per direct conversation (default 8)
	GroupHistorySize int // lines kept per shared transcript (default 12)
	MaxConversations int // live buffers before LRU eviction (default 4096)
}

// Store holds every conversation buffer. Buffers are FIFO rings: the
// oldest entry is evicted first once the capacity is reached. The number
// of live conversations is bounded by an LRU so a busy public bot cannot
// grow without limit.
//
// Adapters handle each inbound message on its own goroutine, so two users
// chatting in the same channel reach the same buffer concurrently. mu
// serializes all buffer access; the LRU caches are internally
// synchronized, but ring mutation and get-or-create are not.
type Store struct {
	opts    Options
	mu      sync.Mutex
	direct  *lru.Cache[string, *ring[Entry]]
	shared  *lru.Cache[string, *ring[Line]]
	Freezes *Freezes
}

// NewStore builds the conversation state store.
func NewStore(opts Options) (*Store, error) {
	if opts.DMHistorySize <= 0 {
		opts.DMHistorySize = 8
	}
	if opts.GroupHistorySize <= 0 {
		opts.GroupHistorySize = 12
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = 4096
	}
	direct, err := lru.New[string, *ring[Entry]](opts.MaxConversations)
	if err != nil {
		return nil, err
	}
	shared, err := lru.New[string, *ring[Line]](opts.MaxConversations)
	if err != nil {
		return nil, err
	}
	return &Store{
		opts:    opts,
		direct:  direct,
		shared:  shared,
		Freezes: NewFreezes(),
	}, nil
}

// RememberUser appends the user's line to a direct-chat buffer.
func (s *Store) RememberUser(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directRing(key).push(Entry{Role: RoleUser, Text: Shorten(text)})
}

// RememberAssistant appends the assistant's reply to a direct-chat buffer.
func (s *Store) RememberAssistant(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directRing(key).push(Entry{Role: RoleAssistant, Text: Shorten(text)})
}

// History returns the direct-chat buffer oldest-first.
func (s *Store) History(key string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.direct.Get(key); ok {
		return r.items()
	}
	return nil
}

// AppendLine records a message into a shared channel transcript. Empty
// text is dropped.
func (s *Store) AppendLine(channelKey, author string, bot bool, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharedRing(channelKey).push(Line{Author: author, Bot: bot, Text: Shorten(text)})
}

// Transcript returns the shared channel buffer oldest-first.
func (s *Store) Transcript(channelKey string) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.shared.Get(channelKey); ok {
		return r.items()
	}
	return nil
}

func (s *Store) directRing(key string) *ring[Entry] {
	if r, ok := s.direct.Get(key); ok {
		return r
	}
	r := newRing[Entry](s.opts.DMHistorySize)
	s.direct.Add(key, r)
	return r
}

func (s *Store) sharedRing(key string) *ring[Line] {
	if r, ok := s.shared.Get(key); ok {
		return r
	}
	r := newRing[Line](s.opts.GroupHistorySize)
	s.shared.Add(key, r)
	return r
}

// Shorten clamps text for history recording, appending an ellipsis when
// anything was cut. The cut never splits a multi-byte rune.
func Shorten(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= shortenLimit {
		return s
	}
	cut := shortenLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// ring is a fixed-capacity FIFO buffer.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	// Full: overwrite the oldest slot.
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
