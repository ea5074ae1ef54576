package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-ant-REDACTED"
	cfg.Conversations.Dir = "/tmp/steward/conversations"
	cfg.Memory.DBPath = "/tmp/steward/memory.db"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, 10, cfg.Agent.MaxToolIterations)
	assert.Equal(t, "file", cfg.Conversations.Backend)
	assert.Equal(t, "0 3 * * *", cfg.Conversations.SweepSchedule)
	assert.Equal(t, "cookie", cfg.Users.Resolver)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, 4, cfg.Evals.Concurrency)
	assert.True(t, cfg.Logging.Redaction)
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.LLM.APIKey = "" },
			wantErr: "API key is required",
		},
		{
			name:    "wrong anthropic key prefix",
			mutate:  func(c *Config) { c.LLM.APIKey = "sk-plain-key-123456" },
			wantErr: "sk-ant-",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.LLM.Provider = "llamacpp" },
			wantErr: "invalid llm provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.LLM.Model = "" },
			wantErr: "model is required",
		},
		{
			name:    "zero tool iterations",
			mutate:  func(c *Config) { c.Agent.MaxToolIterations = 0 },
			wantErr: "max_tool_iterations",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Conversations.Backend = "redis" },
			wantErr: "invalid conversations backend",
		},
		{
			name:    "file backend without dir",
			mutate:  func(c *Config) { c.Conversations.Dir = "" },
			wantErr: "dir is required",
		},
		{
			name:    "bad sweep schedule",
			mutate:  func(c *Config) { c.Conversations.SweepSchedule = "every day at 3" },
			wantErr: "invalid schedule",
		},
		{
			name:    "memory enabled without db path",
			mutate:  func(c *Config) { c.Memory.DBPath = "" },
			wantErr: "db_path",
		},
		{
			name:    "unknown resolver",
			mutate:  func(c *Config) { c.Users.Resolver = "ldap" },
			wantErr: "invalid users resolver",
		},
		{
			name: "static resolver without id",
			mutate: func(c *Config) {
				c.Users.Resolver = "static"
				c.Users.StaticID = ""
			},
			wantErr: "static_id",
		},
		{
			name:    "bad gateway port",
			mutate:  func(c *Config) { c.Gateway.Port = 70000 },
			wantErr: "gateway port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAPIKeyOpenAI(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-test12345", "openai"))
	assert.Error(t, v.ValidateAPIKey("key-without-prefix", "openai"))
}

func TestLoader(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.LLM.Provider)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Conversations.Dir)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "steward.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"llm": {"provider": "openai", "model": "gpt-4o", "api_key": "sk-test"},
			"gateway": {"port": 9999}
		}`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
		assert.Equal(t, 9999, cfg.Gateway.Port)
		// Untouched sections keep defaults.
		assert.Equal(t, 10, cfg.Agent.MaxToolIterations)
	})

	t.Run("save and reload round-trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "steward.json")
		loader := NewLoader(path)

		cfg := validConfig()
		cfg.Gateway.Port = 8123
		require.NoError(t, loader.Save(cfg))

		reloaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 8123, reloaded.Gateway.Port)
		assert.Equal(t, cfg.LLM.Model, reloaded.LLM.Model)
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}
