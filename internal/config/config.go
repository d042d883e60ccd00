// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port                  string
	FrontendURL           string
	DBPath                string
	LLM                   LLMConfig
	Agent                 AgentConfig
	Guardrail             GuardrailConfig
	SSE                   SSEConfig
	HistoryTurns          int
	ConversationRetention time.Duration
}

// LLMConfig controls the outbound chat-completion client.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	DeepThinkModel string
	Timeout        time.Duration
}

// AgentConfig controls the agent reasoning tier.
type AgentConfig struct {
	Timeout time.Duration
}

// GuardrailConfig controls the content-policy interceptor.
type GuardrailConfig struct {
	// FailOpen lets requests through when pattern evaluation itself fails.
	// Off by default; failing closed is the safe behavior.
	FailOpen bool
}

// SSEConfig controls streaming delivery.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/assistant.db"),
		LLM: LLMConfig{
			APIKey:         getEnv("DEEPSEEK_API_KEY", ""),
			BaseURL:        getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
			Model:          getEnv("DEEPSEEK_MODEL", "deepseek-chat"),
			DeepThinkModel: getEnv("DEEPSEEK_DEEP_THINK_MODEL", "deepseek-reasoner"),
			Timeout:        getEnvDuration("DEEPSEEK_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			Timeout: getEnvDuration("AGENT_TIMEOUT", 45*time.Second),
		},
		Guardrail: GuardrailConfig{
			FailOpen: getEnvBool("GUARDRAIL_FAIL_OPEN", false),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		HistoryTurns:          getEnvInt("HISTORY_TURNS", 20),
		ConversationRetention: getEnvDuration("CONVERSATION_RETENTION", 30*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("DEEPSEEK_BASE_URL cannot be empty")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("DEEPSEEK_TIMEOUT must be > 0")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.HistoryTurns <= 0 {
		return fmt.Errorf("HISTORY_TURNS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
