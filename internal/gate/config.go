// Package gate implements the edge-node side of the control protocol:
// configuration, the typed Tower API client, and its error taxonomy.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gate's file configuration.
type Config struct {
	Tower struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"tower"`

	Gate struct {
		ID       int64  `yaml:"id"`
		Name     string `yaml:"name"`
		Hostname string `yaml:"hostname"`
		// Listen is the SSH proxy bind address.
		Listen string `yaml:"listen"`
		// Mode selects the ingress mode: "nat" or "tproxy".
		Mode        string `yaml:"mode"`
		HostKeyPath string `yaml:"host_key_path"`
		Version     string `yaml:"version"`
	} `yaml:"gate"`

	Heartbeat struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"heartbeat"`

	API struct {
		TimeoutSeconds      int     `yaml:"timeout_seconds"`
		RetryAttempts       int     `yaml:"retry_attempts"`
		RetryBackoffSeconds float64 `yaml:"retry_backoff_seconds"`
		CacheTTLSeconds     int     `yaml:"cache_ttl_seconds"`
	} `yaml:"api"`

	Recording struct {
		Enabled              bool   `yaml:"enabled"`
		SpoolDir             string `yaml:"spool_dir"`
		FlushEvents          int    `yaml:"flush_events"`
		FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	} `yaml:"recording"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// LoadConfig reads and validates a gate configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Gate.Mode = "nat"
	cfg.Gate.Listen = ":2222"
	cfg.Gate.HostKeyPath = "gate_host_key"
	cfg.Gate.Version = "dev"
	cfg.Heartbeat.IntervalSeconds = 30
	cfg.API.TimeoutSeconds = 10
	cfg.API.RetryAttempts = 3
	cfg.API.RetryBackoffSeconds = 2.0
	cfg.API.CacheTTLSeconds = 5
	cfg.Recording.Enabled = true
	cfg.Recording.SpoolDir = "/var/lib/towergate/spool"
	cfg.Recording.FlushEvents = 50
	cfg.Recording.FlushIntervalSeconds = 3
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func (c *Config) validate() error {
	if c.Tower.URL == "" {
		return errors.New("tower.url is required")
	}
	if c.Tower.Token == "" {
		return errors.New("tower.token is required")
	}
	if c.Gate.ID == 0 {
		return errors.New("gate.id is required")
	}
	if c.Gate.Name == "" {
		return errors.New("gate.name is required")
	}
	if c.Gate.Mode != "nat" && c.Gate.Mode != "tproxy" {
		return fmt.Errorf("gate.mode must be nat or tproxy, got %q", c.Gate.Mode)
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return errors.New("heartbeat.interval_seconds must be positive")
	}
	if c.API.RetryAttempts < 1 {
		return errors.New("api.retry_attempts must be at least 1")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// APITimeout returns the per-request Tower call timeout.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// SetupLogger builds the process logger from the logging section.
func (c *Config) SetupLogger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
