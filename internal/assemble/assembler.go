// Package assemble builds the single model-ready input string for each
// inbound message: optional enrichment sections (live server status,
// player profile, knowledge-base excerpts), then the conversation history
// for the addressing mode, then the new message and the assistant cue.
package assemble

import (
	"fmt"
	"strings"
	"time"

	"github.com/minebridge/bridgebot/internal/session"
)

// Mode distinguishes the two addressing modes.
type Mode int

const (
	// Direct is a one-to-one conversation keyed by chat+user; context
	// comes from the private history buffer.
	Direct Mode = iota
	// Shared is a group/channel conversation; context comes from the
	// shared transcript with mixed authorship.
	Shared
)

// ChatRef identifies a conversation. It is decided once per inbound event
// and threaded through the pipeline instead of re-deriving group-ness in
// every component.
type ChatRef struct {
	Mode   Mode
	ChatID string
	UserID string // empty in Shared mode
}

// DirectRef keys a one-to-one conversation.
func DirectRef(chatID, userID string) ChatRef {
	return ChatRef{Mode: Direct, ChatID: chatID, UserID: userID}
}

// SharedRef keys a group/channel conversation.
func SharedRef(channelID string) ChatRef {
	return ChatRef{Mode: Shared, ChatID: channelID}
}

// Key returns the buffer key for this conversation.
func (r ChatRef) Key() string {
	if r.Mode == Direct {
		return r.ChatID + ":" + r.UserID
	}
	return r.ChatID
}

// Enrichment carries the optional context sections. Empty fields are
// simply omitted — a failed enrichment lookup degrades to "no data"
// rather than blocking the pipeline.
type Enrichment struct {
	ServerStatus string
	PlayerInfo   string
	Retrieved    string // knowledge-base excerpt block
}

// Assembler merges history, enrichment and the new message into one model
// input, and records both sides of the exchange into the session store.
type Assembler struct {
	store *session.Store
	now   func() time.Time
}

// New creates an assembler over the given session store.
func New(store *session.Store) *Assembler {
	return &Assembler{store: store, now: time.Now}
}

// Build produces the model input and records the user line into the
// appropriate buffer exactly once, after assembly, so a retried
// completion never duplicates the entry.
//
// Section order is fixed: server status, player info, current date,
// knowledge-base excerpts, history, new message, assistant cue.
func (a *Assembler) Build(ref ChatRef, userText, name string, enrich Enrichment) string {
	userText = session.Shorten(userText)

	var sections []string
	if enrich.ServerStatus != "" {
		sections = append(sections, "Mention server status only when asked.\n"+enrich.ServerStatus)
	}
	if enrich.PlayerInfo != "" {
		sections = append(sections, "Player profile (community API). Use account data only when asked.\n"+enrich.PlayerInfo)
	}
	sections = append(sections, "Current date: "+a.now().Format("2006-01-02 15:04"))
	if enrich.Retrieved != "" {
		sections = append(sections, enrich.Retrieved)
	}
	sections = append(sections, a.historySection(ref))
	sections = append(sections, fmt.Sprintf("User (%s): %s\nAssistant:", name, userText))

	input := strings.Join(compact(sections), "\n\n")

	switch ref.Mode {
	case Direct:
		a.store.RememberUser(ref.Key(), userText)
	case Shared:
		a.store.AppendLine(ref.Key(), name, false, userText)
	}
	return input
}

// RecordReply commits the assistant's final text to the conversation
// buffer. Callers invoke it exactly once per successful completion; empty
// replies are not recorded.
func (a *Assembler) RecordReply(ref ChatRef, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	switch ref.Mode {
	case Direct:
		a.store.RememberAssistant(ref.Key(), text)
	case Shared:
		a.store.AppendLine(ref.Key(), "Assistant", true, text)
	}
}

func (a *Assembler) historySection(ref ChatRef) string {
	var lines []string
	switch ref.Mode {
	case Direct:
		hist := a.store.History(ref.Key())
		if len(hist) == 0 {
			return ""
		}
		lines = append(lines, "Previous messages in this dialogue:")
		for _, e := range hist {
			who := "User"
			if e.Role == session.RoleAssistant {
				who = "Assistant"
			}
			lines = append(lines, who+": "+e.Text)
		}
	case Shared:
		thread := a.store.Transcript(ref.Key())
		if len(thread) == 0 {
			return ""
		}
		lines = append(lines, "Recent conversation between several players:")
		for _, l := range thread {
			who := l.Author
			if l.Bot {
				who = "Assistant"
			}
			lines = append(lines, who+": "+l.Text)
		}
	}
	lines = append(lines, "End of context")
	return strings.Join(lines, "\n")
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
