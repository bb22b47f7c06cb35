// Package config loads bridgebot configuration from environment variables
// (optionally seeded from a .env file) and validates required credentials
// before anything else starts.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	// Channels
	Telegram TelegramConfig `envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `envPrefix:"DISCORD_"`

	// Completion API (OpenAI-compatible)
	LLM LLMConfig `envPrefix:"OPENAI_"`

	// Embeddings + knowledge base
	RAG RAGConfig `envPrefix:"RAG_"`

	// Game server status / player profile APIs
	Game GameConfig `envPrefix:"GAME_"`

	// Conversation memory
	DMHistorySize    int `env:"DM_HISTORY_SIZE" envDefault:"8"`
	GroupHistorySize int `env:"GROUP_HISTORY_SIZE" envDefault:"12"`
	MaxConversations int `env:"MAX_CONVERSATIONS" envDefault:"4096"`

	PromptsDir string `env:"PROMPTS_DIR" envDefault:"prompts"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	BotToken string `env:"BOT_TOKEN"`
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	BotToken string `env:"BOT_TOKEN"`
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
}

// LLMConfig configures the completion client.
type LLMConfig struct {
	APIKey       string        `env:"API_KEY"`
	BaseURL      string        `env:"BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model        string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	Temperature  float64       `env:"TEMPERATURE" envDefault:"1"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"2"`
	BackoffBase  time.Duration `env:"BACKOFF_BASE" envDefault:"1500ms"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"120s"`
	StallTimeout time.Duration `env:"STALL_TIMEOUT" envDefault:"15s"`
}

// RAGConfig configures the knowledge-base index and embedding client.
type RAGConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	KBDir        string        `env:"KB_DIR" envDefault:"kb"`
	IndexDir     string        `env:"INDEX_DIR" envDefault:".rag_cache"`
	EmbedAPIKey  string        `env:"EMBED_API_KEY"`
	EmbedBaseURL string        `env:"EMBED_BASE_URL" envDefault:"https://api.jina.ai/v1"`
	EmbedModel   string        `env:"EMBED_MODEL" envDefault:"jina-embeddings-v3"`
	EmbedBatch   int           `env:"EMBED_BATCH" envDefault:"64"`
	EmbedTimeout time.Duration `env:"EMBED_TIMEOUT" envDefault:"60s"`
	ChunkSize    int           `env:"CHUNK_SIZE" envDefault:"900"`
	ChunkOverlap int           `env:"CHUNK_OVERLAP" envDefault:"150"`
	TopK         int           `env:"TOP_K" envDefault:"6"`
	MaxChars     int           `env:"MAX_CHARS" envDefault:"2000"`
	Watch        bool          `env:"WATCH" envDefault:"true"`
}

// GameConfig configures the server-status and player-lookup clients.
type GameConfig struct {
	ServerHost string        `env:"SERVER_HOST"`
	ServerPort int           `env:"SERVER_PORT" envDefault:"25565"`
	StatusURL  string        `env:"STATUS_URL" envDefault:"https://api.mcsrvstat.us/3"`
	PlayerHost string        `env:"PLAYER_API_HOST"`
	CacheTTL   time.Duration `env:"CACHE_TTL" envDefault:"20s"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

// Load reads .env (if present), parses the environment and validates
// required settings. Missing credentials are fatal here rather than at
// request time.
func Load() (*Config, error) {
	// Best effort: absence of .env is normal in production.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that env tags cannot express.
func (c *Config) Validate() error {
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("config: TELEGRAM_BOT_TOKEN is required when the Telegram channel is enabled")
	}
	if c.Discord.Enabled && c.Discord.BotToken == "" {
		return fmt.Errorf("config: DISCORD_BOT_TOKEN is required when the Discord channel is enabled")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is not set")
	}
	if c.RAG.Enabled && c.RAG.EmbedAPIKey == "" {
		return fmt.Errorf("config: RAG_EMBED_API_KEY is required when RAG is enabled")
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("config: RAG_CHUNK_OVERLAP (%d) must be smaller than RAG_CHUNK_SIZE (%d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.Game.ServerHost == "" {
		return fmt.Errorf("config: GAME_SERVER_HOST is not set")
	}
	return nil
}
