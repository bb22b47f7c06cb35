package assemble

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fallbackPrompt is used when no prompt file can be read at all.
const fallbackPrompt = "You are the assistant for a Minecraft community server. Apologize that your configuration is broken and that you cannot help right now."

// PromptLoader reads system prompts from disk with an mtime-aware cache.
// Group chats may carry a per-chat override (<chatID>.txt); everything
// else falls back to default.txt.
type PromptLoader struct {
	dir string

	mu    sync.Mutex
	cache map[string]promptEntry
}

type promptEntry struct {
	mtime time.Time
	text  string
}

// NewPromptLoader creates a loader over the prompts directory.
func NewPromptLoader(dir string) *PromptLoader {
	return &PromptLoader{dir: dir, cache: make(map[string]promptEntry)}
}

// ForChat returns the system prompt for a conversation: the per-chat
// override for shared chats when present, otherwise the default prompt,
// otherwise a builtin fallback.
func (p *PromptLoader) ForChat(ref ChatRef) string {
	if ref.Mode == Shared {
		if text, err := p.read(filepath.Join(p.dir, ref.ChatID+".txt")); err == nil {
			return text
		}
	}
	text, err := p.read(filepath.Join(p.dir, "default.txt"))
	if err != nil {
		slog.Warn("prompts: default prompt unavailable, using builtin fallback", "error", err)
		return fallbackPrompt
	}
	return text
}

func (p *PromptLoader) read(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	cached, ok := p.cache[path]
	p.mu.Unlock()
	if ok && cached.mtime.Equal(info.ModTime()) {
		return cached.text, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(string(raw), "\ufeff"), "\r\n", "\n"))

	p.mu.Lock()
	p.cache[path] = promptEntry{mtime: info.ModTime(), text: text}
	p.mu.Unlock()
	return text, nil
}
