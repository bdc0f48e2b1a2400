// Package config loads and validates the proxy configuration.
//
// DESIGN: Defaults first, YAML file overlay second, environment overrides
// last. Every value has a usable default so the proxy runs with no config
// file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Routing       RoutingConfig       `yaml:"routing"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig holds the forwarding target.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
}

// RoutingConfig holds adaptive downgrade routing settings.
type RoutingConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Threshold       int               `yaml:"threshold"`
	KnownTokenLimit int64             `yaml:"known_token_limit"`
	Ladder          map[string]string `yaml:"ladder"`
}

// AlertsConfig holds threshold tiers for the alert evaluator.
type AlertsConfig struct {
	WarningThreshold  int `yaml:"warning_threshold"`
	CriticalThreshold int `yaml:"critical_threshold"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NotificationsConfig holds out-of-band alert delivery settings.
type NotificationsConfig struct {
	Desktop bool `yaml:"desktop"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Upstream: UpstreamConfig{
			BaseURL: DefaultUpstreamBaseURL,
		},
		Routing: RoutingConfig{
			Enabled:         true,
			Threshold:       DefaultRouteThreshold,
			KnownTokenLimit: DefaultKnownTokenLimit,
		},
		Alerts: AlertsConfig{
			WarningThreshold:  DefaultWarningThreshold,
			CriticalThreshold: DefaultCriticalThreshold,
		},
		Storage: StorageConfig{
			Path: DefaultDBPath,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
	}
}

// Load reads the config file at path (if non-empty), applies env overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides (set directly or via .env).
func (c *Config) applyEnv() {
	if v := os.Getenv("QUOTAGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("QUOTAGATE_UPSTREAM_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("QUOTAGATE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("QUOTAGATE_KNOWN_TOKEN_LIMIT"); v != "" {
		if limit, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Routing.KnownTokenLimit = limit
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must not be empty")
	}
	if c.Routing.Threshold < 0 || c.Routing.Threshold > 100 {
		return fmt.Errorf("routing.threshold must be in 0..100, got %d", c.Routing.Threshold)
	}
	if c.Routing.KnownTokenLimit <= 0 {
		return fmt.Errorf("routing.known_token_limit must be > 0, got %d", c.Routing.KnownTokenLimit)
	}
	if c.Alerts.WarningThreshold > c.Alerts.CriticalThreshold {
		return fmt.Errorf("alerts.warning_threshold (%d) must not exceed critical_threshold (%d)",
			c.Alerts.WarningThreshold, c.Alerts.CriticalThreshold)
	}
	return nil
}
