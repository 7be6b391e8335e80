package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/iked/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Admin.Addr != ":8443" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":8443")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.IKE.DefaultMode != "pull" {
		t.Errorf("IKE.DefaultMode = %q, want %q", cfg.IKE.DefaultMode, "pull")
	}

	if cfg.IKE.HalfOpenTimeout != 30*time.Second {
		t.Errorf("IKE.HalfOpenTimeout = %v, want %v", cfg.IKE.HalfOpenTimeout, 30*time.Second)
	}

	if cfg.IKE.KeepaliveInterval != 20*time.Second {
		t.Errorf("IKE.KeepaliveInterval = %v, want %v", cfg.IKE.KeepaliveInterval, 20*time.Second)
	}

	if cfg.IKE.ListenAddr != ":500" {
		t.Errorf("IKE.ListenAddr = %q, want %q", cfg.IKE.ListenAddr, ":500")
	}

	if cfg.Kernel.Backend != "noop" {
		t.Errorf("Kernel.Backend = %q, want %q", cfg.Kernel.Backend, "noop")
	}

	if cfg.Kernel.TunInterface != "ipsec0" {
		t.Errorf("Kernel.TunInterface = %q, want %q", cfg.Kernel.TunInterface, "ipsec0")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
admin:
  addr: ":9443"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
ike:
  default_mode: "push"
  half_open_timeout: "15s"
  keepalive_interval: "10s"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":9443" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":9443")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.IKE.DefaultMode != "push" {
		t.Errorf("IKE.DefaultMode = %q, want %q", cfg.IKE.DefaultMode, "push")
	}

	if cfg.IKE.HalfOpenTimeout != 15*time.Second {
		t.Errorf("IKE.HalfOpenTimeout = %v, want %v", cfg.IKE.HalfOpenTimeout, 15*time.Second)
	}

	if cfg.IKE.KeepaliveInterval != 10*time.Second {
		t.Errorf("IKE.KeepaliveInterval = %v, want %v", cfg.IKE.KeepaliveInterval, 10*time.Second)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override admin.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
admin:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Admin.Addr != ":55555" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":55555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.IKE.DefaultMode != "pull" {
		t.Errorf("IKE.DefaultMode = %q, want default %q", cfg.IKE.DefaultMode, "pull")
	}

	if cfg.IKE.HalfOpenTimeout != 30*time.Second {
		t.Errorf("IKE.HalfOpenTimeout = %v, want default %v", cfg.IKE.HalfOpenTimeout, 30*time.Second)
	}

	if cfg.IKE.KeepaliveInterval != 20*time.Second {
		t.Errorf("IKE.KeepaliveInterval = %v, want default %v", cfg.IKE.KeepaliveInterval, 20*time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty admin addr",
			modify: func(cfg *config.Config) {
				cfg.Admin.Addr = ""
			},
			wantErr: config.ErrEmptyAdminAddr,
		},
		{
			name: "invalid default mode",
			modify: func(cfg *config.Config) {
				cfg.IKE.DefaultMode = "bogus"
			},
			wantErr: config.ErrInvalidMode,
		},
		{
			name: "zero half open timeout",
			modify: func(cfg *config.Config) {
				cfg.IKE.HalfOpenTimeout = 0
			},
			wantErr: config.ErrInvalidHalfOpenTimeout,
		},
		{
			name: "negative half open timeout",
			modify: func(cfg *config.Config) {
				cfg.IKE.HalfOpenTimeout = -1 * time.Second
			},
			wantErr: config.ErrInvalidHalfOpenTimeout,
		},
		{
			name: "zero keepalive interval",
			modify: func(cfg *config.Config) {
				cfg.IKE.KeepaliveInterval = 0
			},
			wantErr: config.ErrInvalidKeepaliveInterval,
		},
		{
			name: "negative keepalive interval",
			modify: func(cfg *config.Config) {
				cfg.IKE.KeepaliveInterval = -500 * time.Millisecond
			},
			wantErr: config.ErrInvalidKeepaliveInterval,
		},
		{
			name: "empty listen addr",
			modify: func(cfg *config.Config) {
				cfg.IKE.ListenAddr = ""
			},
			wantErr: config.ErrEmptyListenAddr,
		},
		{
			name: "invalid kernel backend",
			modify: func(cfg *config.Config) {
				cfg.Kernel.Backend = "bogus"
			},
			wantErr: config.ErrInvalidKernelBackend,
		},
		{
			name: "ovsdb backend missing endpoint",
			modify: func(cfg *config.Config) {
				cfg.Kernel.Backend = "ovsdb"
			},
			wantErr: config.ErrMissingOVSDBEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Connection Config Tests
// -------------------------------------------------------------------------

func TestLoadWithConnections(t *testing.T) {
	t.Parallel()

	yamlContent := `
admin:
  addr: ":8443"
connections:
  - name: road-warrior
    local_host: "203.0.113.1"
    remote_host: "203.0.113.9"
    local_id: "gw.example.com"
    remote_id: "client@example.com"
    mode: pull
    virtual_ip: "10.8.0.5"
    dns: ["8.8.8.8", "8.8.4.4"]
  - name: site-to-site
    local_host: "203.0.113.2"
    remote_host: "203.0.113.10"
    mode: push
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Connections) != 2 {
		t.Fatalf("Connections count = %d, want 2", len(cfg.Connections))
	}

	c1 := cfg.Connections[0]
	if c1.Name != "road-warrior" {
		t.Errorf("Connections[0].Name = %q, want %q", c1.Name, "road-warrior")
	}
	if c1.RemoteHost != "203.0.113.9" {
		t.Errorf("Connections[0].RemoteHost = %q, want %q", c1.RemoteHost, "203.0.113.9")
	}
	if c1.Mode != "pull" {
		t.Errorf("Connections[0].Mode = %q, want %q", c1.Mode, "pull")
	}
	if c1.VirtualIP != "10.8.0.5" {
		t.Errorf("Connections[0].VirtualIP = %q, want %q", c1.VirtualIP, "10.8.0.5")
	}
	if len(c1.DNS) != 2 {
		t.Errorf("Connections[0].DNS count = %d, want 2", len(c1.DNS))
	}

	c2 := cfg.Connections[1]
	if c2.Name != "site-to-site" {
		t.Errorf("Connections[1].Name = %q, want %q", c2.Name, "site-to-site")
	}
	if c2.Mode != "push" {
		t.Errorf("Connections[1].Mode = %q, want %q", c2.Mode, "push")
	}

	if c1.ConnectionKey() == c2.ConnectionKey() {
		t.Error("Connections[0] and Connections[1] have the same key, expected different")
	}
}

func TestValidateConnectionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty connection remote host",
			modify: func(cfg *config.Config) {
				cfg.Connections = []config.ConnectionConfig{
					{LocalHost: "10.0.0.2"},
				}
			},
			wantErr: config.ErrInvalidConnectionRemote,
		},
		{
			name: "invalid connection remote host",
			modify: func(cfg *config.Config) {
				cfg.Connections = []config.ConnectionConfig{
					{LocalHost: "10.0.0.2", RemoteHost: "not-an-ip"},
				}
			},
			wantErr: config.ErrInvalidConnectionRemote,
		},
		{
			name: "invalid connection mode",
			modify: func(cfg *config.Config) {
				cfg.Connections = []config.ConnectionConfig{
					{LocalHost: "10.0.0.2", RemoteHost: "10.0.0.1", Mode: "bogus"},
				}
			},
			wantErr: config.ErrInvalidConnectionMode,
		},
		{
			name: "duplicate connection keys",
			modify: func(cfg *config.Config) {
				cfg.Connections = []config.ConnectionConfig{
					{LocalHost: "10.0.0.2", RemoteHost: "10.0.0.1"},
					{LocalHost: "10.0.0.2", RemoteHost: "10.0.0.1"},
				}
			},
			wantErr: config.ErrDuplicateConnectionKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConnectionValidModes(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"pull", "push", ""} {
		cfg := config.DefaultConfig()
		cfg.Connections = []config.ConnectionConfig{
			{LocalHost: "10.0.0.2", RemoteHost: "10.0.0.1", Mode: mode},
		}

		if err := config.Validate(cfg); err != nil {
			t.Errorf("Validate() with mode %q returned error: %v", mode, err)
		}
	}
}

func TestConnectionConfigKey(t *testing.T) {
	t.Parallel()

	cc := config.ConnectionConfig{
		LocalHost:  "10.0.0.2",
		RemoteHost: "10.0.0.1",
	}

	want := "10.0.0.2|10.0.0.1"
	if got := cc.ConnectionKey(); got != want {
		t.Errorf("ConnectionKey() = %q, want %q", got, want)
	}
}

func TestConnectionConfigRemoteAddr(t *testing.T) {
	t.Parallel()

	cc := config.ConnectionConfig{RemoteHost: "10.0.0.1"}
	addr, err := cc.RemoteAddr()
	if err != nil {
		t.Fatalf("RemoteAddr() error: %v", err)
	}
	if addr.String() != "10.0.0.1" {
		t.Errorf("RemoteAddr() = %s, want 10.0.0.1", addr)
	}
}

func TestConnectionConfigLocalAddr(t *testing.T) {
	t.Parallel()

	cc := config.ConnectionConfig{LocalHost: "10.0.0.2"}
	addr, err := cc.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error: %v", err)
	}
	if addr.String() != "10.0.0.2" {
		t.Errorf("LocalAddr() = %s, want 10.0.0.2", addr)
	}
}

func TestConnectionConfigLocalAddrEmpty(t *testing.T) {
	t.Parallel()

	cc := config.ConnectionConfig{LocalHost: ""}
	addr, err := cc.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error: %v", err)
	}
	if addr.IsValid() {
		t.Errorf("LocalAddr() should be zero value for empty, got %s", addr)
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
admin:
  addr: ":8443"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("IKED_ADMIN_ADDR", ":9443")
	t.Setenv("IKED_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":9443" {
		t.Errorf("Admin.Addr = %q, want %q (from env)", cfg.Admin.Addr, ":9443")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
admin:
  addr: ":8443"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("IKED_METRICS_ADDR", ":9200")
	t.Setenv("IKED_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "iked.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
