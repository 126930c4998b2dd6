package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[relay]
address = "https://ns.example.net/hub"

[upstream]
base_url = "http://127.0.0.1:8080"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[relay]
address = "https://ns.example.net/hub"
token = "SharedAccessSignature sr=x&se=4102444800"
operation_timeout_seconds = 30
flush_interval_seconds = 5
reconnect_per_second = 0.5

[upstream]
base_url = "https://backend.internal"
timeout_seconds = 60
idle_connections = 50

[upstream.rate_limit]
enabled = true
requests_per_second = 25.0
burst = 10

[admin]
host = "0.0.0.0"
port = 9100

[log]
level = "debug"
format = "text"
file = "/var/log/relay-listener.log"
max_backups = 3
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Address != "https://ns.example.net/hub" {
		t.Errorf("Relay.Address = %q", cfg.Relay.Address)
	}
	if got := cfg.Relay.OperationTimeout(); got != 30*time.Second {
		t.Errorf("OperationTimeout() = %v, want 30s", got)
	}
	if got := cfg.Relay.FlushInterval(); got != 5*time.Second {
		t.Errorf("FlushInterval() = %v, want 5s", got)
	}
	if cfg.Relay.ReconnectPerSecond != 0.5 {
		t.Errorf("ReconnectPerSecond = %v, want 0.5", cfg.Relay.ReconnectPerSecond)
	}
	if cfg.Upstream.TimeoutSeconds != 60 || cfg.Upstream.IdleConnections != 50 {
		t.Errorf("Upstream = %+v", cfg.Upstream)
	}
	if rl := cfg.Upstream.RateLimit; !rl.Enabled || rl.RequestsPerSecond != 25 || rl.Burst != 10 {
		t.Errorf("Upstream.RateLimit = %+v", rl)
	}
	if cfg.Admin.Addr() != "0.0.0.0:9100" {
		t.Errorf("Admin.Addr() = %q", cfg.Admin.Addr())
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Log.File != "/var/log/relay-listener.log" || cfg.Log.MaxBackups != 3 {
		t.Errorf("Log file settings = %+v", cfg.Log)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalConfig)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Relay.OperationTimeout(); got != 60*time.Second {
		t.Errorf("OperationTimeout() = %v, want 60s", got)
	}
	if got := cfg.Relay.FlushInterval(); got != 200*time.Second {
		t.Errorf("FlushInterval() = %v, want 200s", got)
	}
	if cfg.Relay.ReconnectPerSecond != 1 {
		t.Errorf("ReconnectPerSecond = %v, want 1", cfg.Relay.ReconnectPerSecond)
	}
	if cfg.Upstream.TimeoutSeconds != 120 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want 120", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.Upstream.IdleConnections != 100 {
		t.Errorf("Upstream.IdleConnections = %d, want 100", cfg.Upstream.IdleConnections)
	}
	if cfg.Upstream.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
	if cfg.Admin.Addr() != "127.0.0.1:9090" {
		t.Errorf("Admin.Addr() = %q, want 127.0.0.1:9090", cfg.Admin.Addr())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" || cfg.Log.File != "" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cli := &CLI{
		Config:    path,
		Address:   "sb://other.example.net/hub2",
		Token:     "sr=x&se=4102444800",
		Upstream:  "https://override.internal",
		AdminPort: 9999,
		LogLevel:  "warn",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.Address != cli.Address {
		t.Errorf("Relay.Address = %q, want %q", cfg.Relay.Address, cli.Address)
	}
	if cfg.Relay.Token != cli.Token {
		t.Errorf("Relay.Token = %q, want %q", cfg.Relay.Token, cli.Token)
	}
	if cfg.Upstream.BaseURL != cli.Upstream {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, cli.Upstream)
	}
	if cfg.Admin.Port != 9999 {
		t.Errorf("Admin.Port = %d, want 9999", cfg.Admin.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "missing relay address",
			data:    "[upstream]\nbase_url = \"http://127.0.0.1\"\n",
			wantErr: "relay.address is required",
		},
		{
			name:    "relay address scheme",
			data:    "[relay]\naddress = \"ftp://ns/hub\"\n[upstream]\nbase_url = \"http://127.0.0.1\"\n",
			wantErr: "relay.address must use",
		},
		{
			name:    "relay address host",
			data:    "[relay]\naddress = \"https:///hub\"\n[upstream]\nbase_url = \"http://127.0.0.1\"\n",
			wantErr: "relay.address has no host",
		},
		{
			name:    "negative operation timeout",
			data:    "[relay]\naddress = \"https://ns/hub\"\noperation_timeout_seconds = -1\n[upstream]\nbase_url = \"http://127.0.0.1\"\n",
			wantErr: "operation_timeout_seconds",
		},
		{
			name:    "negative flush interval",
			data:    "[relay]\naddress = \"https://ns/hub\"\nflush_interval_seconds = -1\n[upstream]\nbase_url = \"http://127.0.0.1\"\n",
			wantErr: "flush_interval_seconds",
		},
		{
			name:    "missing upstream",
			data:    "[relay]\naddress = \"https://ns/hub\"\n",
			wantErr: "upstream.base_url is required",
		},
		{
			name:    "upstream scheme",
			data:    "[relay]\naddress = \"https://ns/hub\"\n[upstream]\nbase_url = \"ftp://x\"\n",
			wantErr: "upstream.base_url must use http or https",
		},
		{
			name:    "admin port",
			data:    minimalConfig + "[admin]\nport = 70000\n",
			wantErr: "admin.port",
		},
		{
			name:    "negative upstream timeout",
			data:    "[relay]\naddress = \"https://ns/hub\"\n[upstream]\nbase_url = \"http://x\"\ntimeout_seconds = -5\n",
			wantErr: "timeout_seconds",
		},
		{
			name:    "rate limit without rate",
			data:    minimalConfig + "[upstream.rate_limit]\nenabled = true\nrequests_per_second = 0\n",
			wantErr: "requests_per_second",
		},
		{
			name:    "log level",
			data:    minimalConfig + "[log]\nlevel = \"verbose\"\n",
			wantErr: "log.level",
		},
		{
			name:    "log format",
			data:    minimalConfig + "[log]\nformat = \"xml\"\n",
			wantErr: "log.format",
		},
		{
			name:    "metrics path without slash",
			data:    minimalConfig + "[metrics]\nenabled = true\npath = \"metrics\"\n",
			wantErr: "must start with '/'",
		},
		{
			name:    "metrics path conflicts with status route",
			data:    minimalConfig + "[metrics]\nenabled = true\npath = \"/relay/status/m\"\n",
			wantErr: "conflicts with reserved route",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_PlaceholderToken(t *testing.T) {
	path := writeConfig(t, `
[relay]
address = "https://ns.example.net/hub"
token = "YOUR_TOKEN_HERE"

[upstream]
base_url = "http://127.0.0.1:8080"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for placeholder token, got nil")
	}
	if !strings.Contains(err.Error(), "placeholder") {
		t.Errorf("error = %q, want mention of placeholder", err)
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, minimalConfig+"[metrics]\nenabled = false\npath = \"no-slash\"\n")

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v, want nil when metrics are disabled", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.toml")
	second := filepath.Join(dir, "second.toml")
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, []byte(minimalConfig), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml"), first, second}); got != first {
		t.Errorf("findConfigInPaths() = %q, want %q", got, first)
	}
	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml")}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}
