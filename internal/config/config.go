package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the engine configuration, loaded from a TOML file.
type Config struct {
	GatewayURL string `toml:"gateway_url"`
	RestURL    string `toml:"rest_url"`
	Token      string `toml:"token"`
	LogLevel   string `toml:"log_level"`

	CallTimeoutMs      int `toml:"call_timeout_ms"`
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms"`
	ReconnectAttempts  int `toml:"reconnect_attempts"`
	ReconnectDelayMs   int `toml:"reconnect_delay_ms"`
	PollIntervalMs     int `toml:"poll_interval_ms"`
	RetentionMs        int `toml:"retention_ms"`
	ChatPageSize       int `toml:"chat_page_size"`
	MessagePageSize    int `toml:"message_page_size"`
}

// Defaults returns the configuration used when no file overrides it.
func Defaults() *Config {
	return &Config{
		GatewayURL:         "ws://localhost:8081/ws",
		RestURL:            "http://localhost:8081/api",
		LogLevel:           "info",
		CallTimeoutMs:      10000,
		HandshakeTimeoutMs: 15000,
		ReconnectAttempts:  5,
		ReconnectDelayMs:   3000,
		PollIntervalMs:     10000,
		RetentionMs:        60000,
		ChatPageSize:       50,
		MessagePageSize:    50,
	}
}

// Load reads config from the given path, applying defaults for any
// field the file leaves unset. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

func (c *Config) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url must not be empty")
	}
	if c.RestURL == "" {
		return fmt.Errorf("rest_url must not be empty")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	return nil
}

// CallTimeout returns the per-request acknowledgement budget.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// HandshakeTimeout returns the initial connection budget.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// PollInterval returns the polling fallback interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Retention returns how long a sent-but-unconfirmed optimistic message
// may linger before the age purge removes it.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMs) * time.Millisecond
}
