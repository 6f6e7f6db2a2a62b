// Package config handles Parley configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TranscriptBackend selects the local transcript store implementation
type TranscriptBackend string

const (
	BackendMemory TranscriptBackend = "memory"
	BackendSQLite TranscriptBackend = "sqlite"
	BackendRedis  TranscriptBackend = "redis"
)

// Config holds Parley configuration
type Config struct {
	// HTTP server
	ListenAddr string

	// LLM settings
	LLMProvider string // "anthropic" or "openai"
	LLMAPIKey   string
	LLMBaseURL  string
	Model       string
	MaxTokens   int
	Temperature float64

	// Memory service settings
	MemoryAPIKey  string
	MemoryBaseURL string

	// Timeouts
	CallTimeout     time.Duration // per external call
	RequestDeadline time.Duration // whole chat turn

	// Transcript store
	Backend                    TranscriptBackend
	SQLitePath                 string
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int
	MaxMessagesPerConversation int

	// Rate limiting
	RateLimitEnabled  bool
	RequestsPerMinute int

	// Webhooks
	WebhookURLs   []string
	WebhookSecret string

	// Logging
	LogLevel string
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:                 ":8080",
		LLMProvider:                "anthropic",
		Model:                      "claude-3-5-sonnet-20241022",
		MaxTokens:                  1024,
		Temperature:                0,
		MemoryBaseURL:              "https://api.getzep.com/api/v2",
		CallTimeout:                30 * time.Second,
		RequestDeadline:            2 * time.Minute,
		Backend:                    BackendMemory,
		SQLitePath:                 ".parley/parley.db",
		RedisAddr:                  "localhost:6379",
		MaxMessagesPerConversation: 1000,
		RateLimitEnabled:           false,
		RequestsPerMinute:          120,
		LogLevel:                   "info",
	}

	// Environment overrides
	if v := os.Getenv("PARLEY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PARLEY_LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	cfg.LLMAPIKey = os.Getenv("PARLEY_LLM_API_KEY")
	if v := os.Getenv("PARLEY_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("PARLEY_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("PARLEY_MAX_TOKENS"); v != "" {
		cfg.MaxTokens = parseIntOrDefault(v, cfg.MaxTokens)
	}
	cfg.MemoryAPIKey = os.Getenv("PARLEY_MEMORY_API_KEY")
	if v := os.Getenv("PARLEY_MEMORY_BASE_URL"); v != "" {
		cfg.MemoryBaseURL = v
	}
	if v := os.Getenv("PARLEY_CALL_TIMEOUT"); v != "" {
		cfg.CallTimeout = parseDurationOrDefault(v, cfg.CallTimeout)
	}
	if v := os.Getenv("PARLEY_REQUEST_DEADLINE"); v != "" {
		cfg.RequestDeadline = parseDurationOrDefault(v, cfg.RequestDeadline)
	}
	if v := os.Getenv("PARLEY_TRANSCRIPT_BACKEND"); v != "" {
		cfg.Backend = TranscriptBackend(v)
	}
	if v := os.Getenv("PARLEY_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("PARLEY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PARLEY_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PARLEY_REDIS_DB"); v != "" {
		cfg.RedisDB = parseIntOrDefault(v, 0)
	}
	if v := os.Getenv("PARLEY_MAX_MESSAGES"); v != "" {
		cfg.MaxMessagesPerConversation = parseIntOrDefault(v, cfg.MaxMessagesPerConversation)
	}
	if v := os.Getenv("PARLEY_RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimitEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLEY_REQUESTS_PER_MINUTE"); v != "" {
		cfg.RequestsPerMinute = parseIntOrDefault(v, cfg.RequestsPerMinute)
	}
	if v := os.Getenv("PARLEY_WEBHOOK_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, u)
			}
		}
	}
	cfg.WebhookSecret = os.Getenv("PARLEY_WEBHOOK_SECRET")
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLMProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown LLM provider %q", c.LLMProvider)
	}
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown transcript backend %q", c.Backend)
	}
	if c.MaxMessagesPerConversation < 2 {
		return fmt.Errorf("max messages per conversation must be at least 2, got %d", c.MaxMessagesPerConversation)
	}
	return nil
}

// ValidateSecrets checks that required process-wide secrets are present.
// Called by serve before the server starts so a missing key fails fast
// rather than per-request.
func (c *Config) ValidateSecrets() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("PARLEY_LLM_API_KEY is required")
	}
	if c.MemoryAPIKey == "" {
		return fmt.Errorf("PARLEY_MEMORY_API_KEY is required")
	}
	return nil
}

func parseIntOrDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
