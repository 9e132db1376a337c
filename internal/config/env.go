package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvDataDir       = "FOLIO_DATA_DIR"
	EnvRemoteURL     = "FOLIO_REMOTE_URL"
	EnvRemoteKey     = "FOLIO_REMOTE_KEY"
	EnvRemoteTimeout = "FOLIO_REMOTE_TIMEOUT"
	EnvLogLevel      = "FOLIO_LOG_LEVEL"
	EnvTrialLimit    = "FOLIO_TRIAL_LIMIT"
	EnvPublicKeyPath = "FOLIO_PUBLIC_KEY_PATH"
	EnvSOCKS5Proxy   = "FOLIO_SOCKS5_PROXY"
)

// LoadDotEnv loads dir/.env into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	c.DataDir = getEnvString(EnvDataDir, c.DataDir)
	c.LogLevel = getEnvString(EnvLogLevel, c.LogLevel)
	c.PublicKeyPath = getEnvString(EnvPublicKeyPath, c.PublicKeyPath)
	c.Remote.URL = getEnvString(EnvRemoteURL, c.Remote.URL)
	c.Remote.Key = getEnvString(EnvRemoteKey, c.Remote.Key)
	c.Remote.Timeout = getEnvDuration(EnvRemoteTimeout, c.Remote.Timeout)
	c.Trial.Limit = getEnvInt(EnvTrialLimit, c.Trial.Limit)

	proxy := ProxyConfig{}
	if c.Proxy != nil {
		proxy = *c.Proxy
	}
	proxy.HTTPProxy = getEnvString("HTTP_PROXY", getEnvString("http_proxy", proxy.HTTPProxy))
	proxy.HTTPSProxy = getEnvString("HTTPS_PROXY", getEnvString("https_proxy", proxy.HTTPSProxy))
	proxy.NoProxy = getEnvString("NO_PROXY", getEnvString("no_proxy", proxy.NoProxy))
	proxy.SOCKS5Proxy = getEnvString(EnvSOCKS5Proxy, proxy.SOCKS5Proxy)
	if proxy.HasProxy() || proxy.NoProxy != "" {
		c.Proxy = &proxy
	}
}

// getEnvString reads a string from an environment variable, returning the default if unset.
func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration such as "5s" from an environment variable.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
