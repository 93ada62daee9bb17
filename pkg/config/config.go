// Package config loads the pagemark configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values exported for documentation and validation.
const (
	DefaultBind          = "127.0.0.1:8787"
	DefaultDatabasePath  = "pagemark.db"
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultCapDelay      = 30 * time.Second
	DefaultMaxAttempts   = 10
	DefaultHeartbeat     = 30 * time.Second
)

// Config is the complete pagemark configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Live   LiveConfig   `yaml:"live"`
}

// ServerConfig configures the reference annotation server.
type ServerConfig struct {
	Bind         string `yaml:"bind"`
	DatabasePath string `yaml:"database_path"`
	AuthSecret   string `yaml:"auth_secret"`
	// NATSURL enables clustered fan-out; empty uses the in-memory bus.
	NATSURL string `yaml:"nats_url"`
}

// LiveConfig tunes the push-channel client.
type LiveConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	CapDelay          time.Duration `yaml:"cap_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns a config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:         DefaultBind,
			DatabasePath: DefaultDatabasePath,
		},
		Live: LiveConfig{
			BaseDelay:         DefaultBaseDelay,
			CapDelay:          DefaultCapDelay,
			MaxAttempts:       DefaultMaxAttempts,
			HeartbeatInterval: DefaultHeartbeat,
		},
	}
}

// Load reads path (optional) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PAGEMARK_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("PAGEMARK_DB"); v != "" {
		c.Server.DatabasePath = v
	}
	if v := os.Getenv("PAGEMARK_AUTH_SECRET"); v != "" {
		c.Server.AuthSecret = v
	}
	if v := os.Getenv("PAGEMARK_NATS_URL"); v != "" {
		c.Server.NATSURL = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind must not be empty")
	}
	if c.Server.DatabasePath == "" {
		return fmt.Errorf("server.database_path must not be empty")
	}
	if c.Live.BaseDelay < 0 || c.Live.CapDelay < 0 {
		return fmt.Errorf("live delays must not be negative")
	}
	if c.Live.CapDelay > 0 && c.Live.BaseDelay > c.Live.CapDelay {
		return fmt.Errorf("live.base_delay exceeds live.cap_delay")
	}
	if c.Live.MaxAttempts < 0 {
		return fmt.Errorf("live.max_attempts must not be negative")
	}
	return nil
}
