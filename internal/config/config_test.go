package config

import (
	"strings"
	"testing"
)

// setRequiredEnv provides the minimum viable configuration.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RAG_EMBED_API_KEY", "jina-test")
	t.Setenv("GAME_SERVER_HOST", "play.example.org")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DMHistorySize != 8 || cfg.GroupHistorySize != 12 {
		t.Errorf("history defaults: %d, %d", cfg.DMHistorySize, cfg.GroupHistorySize)
	}
	if cfg.RAG.ChunkSize != 900 || cfg.RAG.ChunkOverlap != 150 {
		t.Errorf("chunk defaults: %d, %d", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
	if cfg.RAG.TopK != 6 || cfg.RAG.MaxChars != 2000 {
		t.Errorf("retrieval defaults: %d, %d", cfg.RAG.TopK, cfg.RAG.MaxChars)
	}
	if !cfg.Telegram.Enabled || cfg.Discord.Enabled {
		t.Error("telegram should default on, discord off")
	}
}

func TestLoad_MissingTelegramToken(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Errorf("expected token error, got %v", err)
	}
}

func TestLoad_DisabledChannelNeedsNoToken(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_ENABLED", "false")
	t.Setenv("DISCORD_ENABLED", "false")
	if _, err := Load(); err != nil {
		t.Errorf("disabled channels must not require tokens: %v", err)
	}
}

func TestLoad_MissingAPIKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("expected API key error, got %v", err)
	}
}

func TestLoad_EmbedKeyOnlyWhenRAGEnabled(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RAG_EMBED_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Error("enabled RAG requires an embedding key")
	}
	t.Setenv("RAG_ENABLED", "false")
	if _, err := Load(); err != nil {
		t.Errorf("disabled RAG must not require a key: %v", err)
	}
}

func TestLoad_ChunkOverlapBounds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RAG_CHUNK_SIZE", "100")
	t.Setenv("RAG_CHUNK_OVERLAP", "100")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RAG_CHUNK_OVERLAP") {
		t.Errorf("expected overlap validation error, got %v", err)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENAI_STALL_TIMEOUT", "9s")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.StallTimeout.Seconds() != 9 {
		t.Errorf("stall timeout: %v", cfg.LLM.StallTimeout)
	}
}
