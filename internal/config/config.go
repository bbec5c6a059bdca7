package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wabd/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	Listen         string          `toml:"listen"`
	RetentionDays  int             `toml:"retention_days"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Backfill       BackfillConfig  `toml:"backfill"`
}

// ReconnectConfig controls the bounded reconnect policy after an
// unexpected upstream disconnect.
type ReconnectConfig struct {
	MaxAttempts  int `toml:"max_attempts"`
	DelaySeconds int `toml:"delay_seconds"`
}

// BackfillConfig controls on-demand history requests issued when a consumer
// asks for messages the store does not yet have.
type BackfillConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	Count          int `toml:"count"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Listen:        "127.0.0.1:8765",
		RetentionDays: 0, // keep forever
		Reconnect: ReconnectConfig{
			MaxAttempts:  5,
			DelaySeconds: 5,
		},
		Backfill: BackfillConfig{
			TimeoutSeconds: 15,
			Count:          50,
		},
	}
}

// Load reads config from the given path, applying defaults for any field the
// file leaves unset. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.DelaySeconds <= 0 {
		c.Reconnect.DelaySeconds = d.Reconnect.DelaySeconds
	}
	if c.Backfill.TimeoutSeconds <= 0 {
		c.Backfill.TimeoutSeconds = d.Backfill.TimeoutSeconds
	}
	if c.Backfill.Count <= 0 {
		c.Backfill.Count = d.Backfill.Count
	}
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.DelaySeconds) * time.Second
}

// BackfillTimeout returns the bounded wait for an on-demand history request.
func (c *Config) BackfillTimeout() time.Duration {
	return time.Duration(c.Backfill.TimeoutSeconds) * time.Second
}

// RetentionHorizon returns the message retention horizon, or zero if
// retention cleanup is disabled.
func (c *Config) RetentionHorizon() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
