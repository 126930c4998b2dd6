// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-listener/config.toml",
	"configs/config.toml",
}

// tokenPlaceholder is the token value shipped in the example config.
const tokenPlaceholder = "YOUR_TOKEN_HERE"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Address   string `kong:"short='a',help='Relay endpoint address (overrides config).',env='RELAY_ADDRESS'"`
	Token     string `kong:"help='Relay shared access signature (overrides config).',env='RELAY_TOKEN'"`
	Upstream  string `kong:"short='u',help='Upstream base URL (overrides config).',env='UPSTREAM_URL'"`
	AdminPort int    `kong:"short='p',help='Admin listen port (overrides config).',env='ADMIN_PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// RelayConfig holds the relay endpoint and per-request engine settings.
type RelayConfig struct {
	Address                 string  `toml:"address"`
	Token                   string  `toml:"token"`
	OperationTimeoutSeconds int     `toml:"operation_timeout_seconds"`
	FlushIntervalSeconds    int     `toml:"flush_interval_seconds"`
	ReconnectPerSecond      float64 `toml:"reconnect_per_second"`
}

// OperationTimeout returns the per-operation network timeout.
func (c *RelayConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

// FlushInterval returns the response watchdog interval.
func (c *RelayConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string          `toml:"base_url"`
	TimeoutSeconds  int             `toml:"timeout_seconds"`
	IdleConnections int             `toml:"idle_connections"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls admission of relayed requests to the upstream.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (9090)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File, when set, sends logs to a rotated file instead of stdout.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-listener/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Address != "" {
		c.Relay.Address = cli.Address
	}
	if cli.Token != "" {
		c.Relay.Token = cli.Token
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.AdminPort != 0 {
		c.Admin.Port = cli.AdminPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Relay endpoint: required, absolute.
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address is required")
	}
	ru, err := url.Parse(c.Relay.Address)
	if err != nil {
		return fmt.Errorf("relay.address is not a valid URL: %w", err)
	}
	switch ru.Scheme {
	case "https", "http", "sb", "wss", "ws":
	default:
		return fmt.Errorf("relay.address must use https, http, sb, wss or ws; got %q", c.Relay.Address)
	}
	if ru.Host == "" {
		return fmt.Errorf("relay.address has no host; got %q", c.Relay.Address)
	}
	if c.Relay.Token == tokenPlaceholder {
		return fmt.Errorf("relay.token contains placeholder value; set a real token or leave empty")
	}
	if c.Relay.OperationTimeoutSeconds < 0 {
		return fmt.Errorf("relay.operation_timeout_seconds must be non-negative; got %d", c.Relay.OperationTimeoutSeconds)
	}
	if c.Relay.FlushIntervalSeconds < 0 {
		return fmt.Errorf("relay.flush_interval_seconds must be non-negative; got %d", c.Relay.FlushIntervalSeconds)
	}
	if c.Relay.ReconnectPerSecond < 0 {
		return fmt.Errorf("relay.reconnect_per_second must be non-negative; got %v", c.Relay.ReconnectPerSecond)
	}

	// Upstream URL: required, plain HTTP allowed for local services.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.RateLimit.Enabled && c.Upstream.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("upstream.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Upstream.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.RateLimit.Burst < 0 {
		return fmt.Errorf("upstream.rate_limit.burst must be non-negative; got %d", c.Upstream.RateLimit.Burst)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must be non-negative")
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/relay/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Relay.OperationTimeoutSeconds == 0 {
		c.Relay.OperationTimeoutSeconds = 60
	}
	if c.Relay.FlushIntervalSeconds == 0 {
		c.Relay.FlushIntervalSeconds = 200
	}
	if c.Relay.ReconnectPerSecond == 0 {
		c.Relay.ReconnectPerSecond = 1
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.RateLimit.Burst == 0 {
		c.Upstream.RateLimit.Burst = 1
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold the relay token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
