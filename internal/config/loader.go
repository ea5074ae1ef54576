package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader reads and writes the configuration file.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty path means the default location,
// ~/.steward/steward.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the configuration, layering the file over defaults and
// STEWARD_-prefixed environment variables over the file. A missing file
// yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("STEWARD")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".steward")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "steward.log")
	}
	if cfg.Conversations.Dir == "" {
		cfg.Conversations.Dir = filepath.Join(cfg.DataDir, "conversations")
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	}
	if cfg.Memory.NotesDir == "" {
		cfg.Memory.NotesDir = filepath.Join(cfg.DataDir, "notes")
	}

	return cfg, nil
}

// Save writes the configuration to the config file.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("llm", cfg.LLM)
	v.Set("agent", cfg.Agent)
	v.Set("conversations", cfg.Conversations)
	v.Set("memory", cfg.Memory)
	v.Set("users", cfg.Users)
	v.Set("gateway", cfg.Gateway)
	v.Set("evals", cfg.Evals)
	v.Set("moderation", cfg.Moderation)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the effective config file path.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".steward", "steward.json")
}

// Load is a convenience wrapper around NewLoader(path).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
