// Package config provides configuration management for Folio licensing.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRemoteTimeout bounds every call to the license server.
	DefaultRemoteTimeout = 5 * time.Second
	// DefaultRevalidateSchedule is the background re-validation cron schedule.
	DefaultRevalidateSchedule = "@every 24h"
	// DefaultTrialLimit is the number of free conversions.
	DefaultTrialLimit = 10

	configFileName = "config.yml"
)

// DefaultDataDir returns the default data directory (~/.folio).
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".folio"), nil
}

// DefaultConfigPath returns the default config file path (~/.folio/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Config holds Folio's licensing configuration.
type Config struct {
	DataDir       string `yaml:"data_dir,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	LogFormat     string `yaml:"log_format,omitempty"`
	PublicKeyPath string `yaml:"public_key_path,omitempty"`

	Remote     RemoteConfig     `yaml:"remote,omitempty"`
	Trial      TrialConfig      `yaml:"trial,omitempty"`
	Revalidate RevalidateConfig `yaml:"revalidate,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Proxy      *ProxyConfig     `yaml:"proxy,omitempty"`
}

// RemoteConfig points at the license server. An empty URL disables it.
type RemoteConfig struct {
	URL         string        `yaml:"url,omitempty"`
	Key         string        `yaml:"key,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	ReportUsage bool          `yaml:"report_usage,omitempty"`
}

// TrialConfig configures the free tier.
type TrialConfig struct {
	Limit int `yaml:"limit,omitempty"`
}

// RevalidateConfig configures background re-validation.
type RevalidateConfig struct {
	Schedule string `yaml:"schedule,omitempty"`
}

// MetricsConfig configures the Prometheus listener of the daemon.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
}

// HasProxy returns true if any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// RemoteConfigured returns true if a license server is configured.
func (c *Config) RemoteConfigured() bool {
	return c.Remote.URL != ""
}

// GetProxyConfig returns the proxy settings, or nil when none are set.
func (c *Config) GetProxyConfig() *ProxyConfig {
	if !c.Proxy.HasProxy() {
		return nil
	}
	return c.Proxy
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultRemoteTimeout
	}
	if c.Trial.Limit == 0 {
		c.Trial.Limit = DefaultTrialLimit
	}
	if c.Revalidate.Schedule == "" {
		c.Revalidate.Schedule = DefaultRevalidateSchedule
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("remote.url must be an http(s) URL, got %q", c.Remote.URL)
		}
		if c.Remote.Key == "" {
			return errors.New("remote.key is required when remote.url is set")
		}
	}
	if c.Remote.Timeout < 0 {
		return errors.New("remote.timeout must not be negative")
	}
	if c.Trial.Limit < 0 {
		return errors.New("trial.limit must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Resolve loads the file at path, applies the .env file next to it and the
// environment, fills defaults, and validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := LoadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
