// Package config loads server configuration: defaults, then an optional TOML
// file, then environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Session  SessionConfig  `toml:"session"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr      string `toml:"addr"`
	StaticDir string `toml:"static_dir"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type DatabaseConfig struct {
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type SandboxConfig struct {
	WorkspaceRoot  string `toml:"workspace_root"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type SessionConfig struct {
	IdleMinutes int `toml:"idle_minutes"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// IdleTTL returns the session idle eviction duration.
func (c SessionConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// Timeout returns the sandbox command timeout.
func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:   ServerConfig{Addr: ":8080", StaticDir: "static"},
		LLM:      LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Database: DatabaseConfig{Path: "mirage.db"},
		Sandbox:  SandboxConfig{WorkspaceRoot: filepath.Join(home, "mirage-workspace"), TimeoutSeconds: 30},
		Session:  SessionConfig{IdleMinutes: 30},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "mirage.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MIRAGE_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MIRAGE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MIRAGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MIRAGE_STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := os.Getenv("MIRAGE_DATA_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MIRAGE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("MIRAGE_WORKSPACE"); v != "" {
		cfg.Sandbox.WorkspaceRoot = v
	}
	if os.Getenv("MIRAGE_OBSERVER_ENABLED") == "true" || os.Getenv("MIRAGE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
