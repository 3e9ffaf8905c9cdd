// Package config loads relay configuration from YAML or JSON5 files with
// environment expansion and $include merging.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when fields are absent.
const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 8192
	DefaultHTTPPort  = 8080
)

// Config is the top-level relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	Sessions SessionsConfig `yaml:"sessions" json:"sessions"`
	Hub      HubConfig      `yaml:"hub" json:"hub"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ServerConfig configures the HTTP/WS front.
type ServerConfig struct {
	Host      string `yaml:"host" json:"host"`
	HTTPPort  int    `yaml:"http_port" json:"http_port"`
	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Kind is "anthropic" (default) or "openai".
	Kind         string `yaml:"kind" json:"kind"`
	APIKey       string `yaml:"api_key" json:"api_key"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
	MaxTokens    int    `yaml:"max_tokens" json:"max_tokens"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries"`
}

// SessionsConfig configures the on-disk session store.
type SessionsConfig struct {
	Dir string `yaml:"dir" json:"dir"`

	// RetentionCron, when set, schedules deletion of sessions older than
	// RetentionMaxAge. Standard cron syntax, e.g. "0 3 * * *".
	RetentionCron   string        `yaml:"retention_cron" json:"retention_cron"`
	RetentionMaxAge time.Duration `yaml:"retention_max_age" json:"retention_max_age"`
}

// HubConfig configures the dispatch fabric.
type HubConfig struct {
	// DispatchTimeout bounds each tool dispatch. Default 120s.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" json:"dispatch_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load reads, merges, and validates the config file at path. A missing path
// yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		// Re-encode through YAML so both YAML and JSON5 sources decode
		// into the same tagged struct.
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = DefaultHTTPPort
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "anthropic"
	}
	if c.Provider.DefaultModel == "" {
		c.Provider.DefaultModel = DefaultModel
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = DefaultMaxTokens
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = "sessions"
	}
	if c.Hub.DispatchTimeout == 0 {
		c.Hub.DispatchTimeout = 120 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.Provider.Kind {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown provider kind %q", c.Provider.Kind)
	}
	if c.Sessions.RetentionCron != "" && c.Sessions.RetentionMaxAge <= 0 {
		return fmt.Errorf("config: retention_cron requires retention_max_age")
	}
	return nil
}
