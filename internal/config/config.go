package config

import (
	"encoding/json"
	"fmt"
)

// Config is the main steward configuration.
type Config struct {
	LLM           LLMConfig           `json:"llm" mapstructure:"llm"`
	Agent         AgentConfig         `json:"agent" mapstructure:"agent"`
	Conversations ConversationsConfig `json:"conversations" mapstructure:"conversations"`
	Memory        MemoryConfig        `json:"memory" mapstructure:"memory"`
	Users         UsersConfig         `json:"users" mapstructure:"users"`
	Gateway       GatewayConfig       `json:"gateway" mapstructure:"gateway"`
	Evals         EvalsConfig         `json:"evals" mapstructure:"evals"`
	Moderation    ModerationConfig    `json:"moderation" mapstructure:"moderation"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	DataDir       string              `json:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig holds the provider binding.
type LLMConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	Stream      bool    `json:"stream" mapstructure:"stream"`
}

// AgentConfig holds turn-engine settings.
type AgentConfig struct {
	MaxToolIterations int    `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	SystemPrompt      string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries        int    `json:"max_retries" mapstructure:"max_retries"`
}

// ConversationsConfig holds the conversation store settings.
type ConversationsConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // memory, file
	Dir           string `json:"dir" mapstructure:"dir"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// MemoryConfig holds the long-term memory settings.
type MemoryConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	DBPath          string `json:"db_path" mapstructure:"db_path"`
	NotesDir        string `json:"notes_dir" mapstructure:"notes_dir"`
	EmbeddingAPIKey string `json:"embedding_api_key" mapstructure:"embedding_api_key"`
	EmbeddingModel  string `json:"embedding_model" mapstructure:"embedding_model"`
	RecallLimit     int    `json:"recall_limit" mapstructure:"recall_limit"`
}

// UsersConfig holds user resolution settings.
type UsersConfig struct {
	Resolver    string `json:"resolver" mapstructure:"resolver"` // static, cookie
	StaticID    string `json:"static_id" mapstructure:"static_id"`
	CookieName  string `json:"cookie_name" mapstructure:"cookie_name"`
	AnonymousID string `json:"anonymous_id" mapstructure:"anonymous_id"`
}

// GatewayConfig holds gateway server settings.
type GatewayConfig struct {
	Port              int `json:"port" mapstructure:"port"`
	MessagesPerMinute int `json:"messages_per_minute" mapstructure:"messages_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// EvalsConfig holds evaluation harness settings.
type EvalsConfig struct {
	Concurrency    int `json:"concurrency" mapstructure:"concurrency"`
	CaseTimeoutSec int `json:"case_timeout_sec" mapstructure:"case_timeout_sec"`
}

// ModerationConfig holds content filter rules. Empty lists disable the
// filter.
type ModerationConfig struct {
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			MaxTokens:   4096,
			Temperature: 0.7,
			Stream:      true,
		},
		Agent: AgentConfig{
			MaxToolIterations: 10,
			MaxRetries:        3,
		},
		Conversations: ConversationsConfig{
			Backend:       "file",
			RetentionDays: 30,
			SweepSchedule: "0 3 * * *",
		},
		Memory: MemoryConfig{
			Enabled:        true,
			EmbeddingModel: "text-embedding-3-small",
			RecallLimit:    3,
		},
		Users: UsersConfig{
			Resolver:    "cookie",
			CookieName:  "steward_user",
			AnonymousID: "anonymous",
		},
		Gateway: GatewayConfig{
			Port:              8080,
			MessagesPerMinute: 30,
			MaxConcurrent:     2,
		},
		Evals: EvalsConfig{
			Concurrency:    4,
			CaseTimeoutSec: 120,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.LLM.Provider); err != nil {
		return err
	}
	if err := v.ValidateAPIKey(c.LLM.APIKey, c.LLM.Provider); err != nil {
		return err
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm max_tokens must be positive")
	}

	if c.Agent.MaxToolIterations <= 0 {
		return fmt.Errorf("agent max_tool_iterations must be positive")
	}

	switch c.Conversations.Backend {
	case "memory":
	case "file":
		if c.Conversations.Dir == "" {
			return fmt.Errorf("conversations dir is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid conversations backend: %s (must be: memory, file)", c.Conversations.Backend)
	}
	if c.Conversations.SweepSchedule != "" {
		if err := v.ValidateSchedule(c.Conversations.SweepSchedule); err != nil {
			return err
		}
	}

	if c.Memory.Enabled && c.Memory.DBPath == "" {
		return fmt.Errorf("memory db_path is required when memory is enabled")
	}

	switch c.Users.Resolver {
	case "cookie":
		if c.Users.CookieName == "" {
			return fmt.Errorf("users cookie_name is required for the cookie resolver")
		}
	case "static":
		if c.Users.StaticID == "" {
			return fmt.Errorf("users static_id is required for the static resolver")
		}
	default:
		return fmt.Errorf("invalid users resolver: %s (must be: static, cookie)", c.Users.Resolver)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
