// Package config manages iked daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete iked configuration.
type Config struct {
	Admin       AdminConfig        `koanf:"admin"`
	Metrics     MetricsConfig      `koanf:"metrics"`
	Log         LogConfig          `koanf:"log"`
	IKE         IKEConfig          `koanf:"ike"`
	Kernel      KernelConfig       `koanf:"kernel"`
	Credential  CredentialConfig   `koanf:"credential"`
	Connections []ConnectionConfig `koanf:"connections"`
}

// CredentialConfig selects the credential collaborator that verifies a
// connection's RemoteID before its ModeCfg session is created.
type CredentialConfig struct {
	// TrustedKeysDir is a directory of "<identity>.pub.pem" PKIX RSA public
	// key files, one per identity a connection's RemoteID may name. Empty
	// (the default) disables identity verification entirely: every
	// connection's RemoteID is accepted unchecked.
	TrustedKeysDir string `koanf:"trusted_keys_dir"`
}

// KernelConfig selects and configures the kernel collaborator that installs
// ModeCfg-assigned virtual addresses once a session reaches StateDone.
type KernelConfig struct {
	// Backend selects the kernel.Interface implementation: "noop" (default,
	// logs only) or "ovsdb" (mirrors installed addresses into an Open
	// vSwitch database for OVS-managed fabrics).
	Backend string `koanf:"backend"`

	// OVSDBEndpoint is the OVSDB connection endpoint (e.g.,
	// "tcp:127.0.0.1:6640"), used only when Backend is "ovsdb".
	OVSDBEndpoint string `koanf:"ovsdb_endpoint"`

	// TunInterface is the interface name a ModeCfg-assigned virtual
	// address is installed onto.
	TunInterface string `koanf:"tun_interface"`
}

// AdminConfig holds the Admin API server configuration.
type AdminConfig struct {
	// Addr is the HTTP listen address for the admin API (e.g., ":8443").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// IKEConfig holds the default IKE/ModeCfg session parameters. The
// retransmit/half-open/keepalive schedule is daemon-wide policy, not
// overridable per connection.
type IKEConfig struct {
	// ListenAddr is the UDP address the daemon listens on for inbound
	// ModeCfg datagrams (e.g., ":500").
	ListenAddr string `koanf:"listen_addr"`

	// DefaultMode is a ModeCfg mode, "pull" or "push". It is validated on
	// load but not applied: a session's mode comes from the request that
	// creates it, not from the configuration.
	DefaultMode string `koanf:"default_mode"`

	// HalfOpenTimeout is validated on load (it must be > 0) but not
	// applied: sessions use the fixed ike.HalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration `koanf:"half_open_timeout"`

	// KeepaliveInterval is validated on load (it must be > 0) but not
	// applied: sessions use the fixed ike.KeepaliveInterval (20s).
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"`
}

// ConnectionConfig describes a declarative connection from the
// configuration file. Each entry is reconciled into the ike.Store on
// daemon startup and SIGHUP reload.
type ConnectionConfig struct {
	// Name is the symbolic connection name. Must be unique.
	Name string `koanf:"name"`

	// LocalHost and RemoteHost are the connection's endpoint addresses.
	// Either may be the wildcard address ("0.0.0.0" or "::").
	LocalHost  string `koanf:"local_host"`
	RemoteHost string `koanf:"remote_host"`

	// LocalID and RemoteID are the negotiated identities for this
	// connection.
	LocalID  string `koanf:"local_id"`
	RemoteID string `koanf:"remote_id"`

	// Mode is "pull", "push" or empty. It is validated on load but not
	// copied onto ike.Connection: a session's mode comes from the request
	// that creates it.
	Mode string `koanf:"mode"`

	// VirtualIP is the address the responder assigns to the initiator via
	// ModeCfg. Empty means no virtual IP is configured.
	VirtualIP string `koanf:"virtual_ip"`

	// DNS and NBNS are name-server addresses offered during ModeCfg, up
	// to two each.
	DNS  []string `koanf:"dns"`
	NBNS []string `koanf:"nbns"`
}

// ConnectionKey returns a unique identifier for the connection based on
// (local_host, remote_host). Used for diffing connections on SIGHUP reload.
func (cc ConnectionConfig) ConnectionKey() string {
	return cc.LocalHost + "|" + cc.RemoteHost
}

// RemoteAddr parses RemoteHost as a netip.Addr.
func (cc ConnectionConfig) RemoteAddr() (netip.Addr, error) {
	if cc.RemoteHost == "" {
		return netip.Addr{}, fmt.Errorf("connection remote_host: %w", ErrInvalidConnectionRemote)
	}
	addr, err := netip.ParseAddr(cc.RemoteHost)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse connection remote_host %q: %w", cc.RemoteHost, err)
	}
	return addr, nil
}

// LocalAddr parses LocalHost as a netip.Addr.
func (cc ConnectionConfig) LocalAddr() (netip.Addr, error) {
	if cc.LocalHost == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(cc.LocalHost)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse connection local_host %q: %w", cc.LocalHost, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// half-open/keepalive defaults reproduce the classic pluto/charon cadence:
// a 30s window to complete ModeCfg and a 20s NAT keepalive once
// established.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8443",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		IKE: IKEConfig{
			ListenAddr:        ":500",
			DefaultMode:       "pull",
			HalfOpenTimeout:   30 * time.Second,
			KeepaliveInterval: 20 * time.Second,
		},
		Kernel: KernelConfig{
			Backend:      "noop",
			TunInterface: "ipsec0",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for iked configuration.
// Variables are named IKED_<section>_<key>, e.g., IKED_ADMIN_ADDR. Every
// "_" after the prefix becomes ".", so a key that itself contains an
// underscore (e.g. ike.listen_addr) cannot be set from the environment.
const envPrefix = "IKED_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (IKED_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	IKED_ADMIN_ADDR    -> admin.addr
//	IKED_METRICS_ADDR  -> metrics.addr
//	IKED_METRICS_PATH  -> metrics.path
//	IKED_LOG_LEVEL     -> log.level
//	IKED_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// IKED_ADMIN_ADDR -> admin.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms IKED_ADMIN_ADDR -> admin.addr.
// Strips the IKED_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":             defaults.Admin.Addr,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"ike.listen_addr":        defaults.IKE.ListenAddr,
		"ike.default_mode":       defaults.IKE.DefaultMode,
		"ike.half_open_timeout":  defaults.IKE.HalfOpenTimeout.String(),
		"ike.keepalive_interval": defaults.IKE.KeepaliveInterval.String(),
		"kernel.backend":         defaults.Kernel.Backend,
		"kernel.tun_interface":   defaults.Kernel.TunInterface,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin API listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrEmptyListenAddr indicates the IKE UDP listen address is empty.
	ErrEmptyListenAddr = errors.New("ike.listen_addr must not be empty")

	// ErrInvalidMode indicates ike.default_mode is neither pull nor push.
	ErrInvalidMode = errors.New("ike.default_mode must be pull or push")

	// ErrInvalidHalfOpenTimeout indicates the half-open timeout is invalid.
	ErrInvalidHalfOpenTimeout = errors.New("ike.half_open_timeout must be > 0")

	// ErrInvalidKeepaliveInterval indicates the keepalive interval is invalid.
	ErrInvalidKeepaliveInterval = errors.New("ike.keepalive_interval must be > 0")

	// ErrInvalidConnectionRemote indicates a connection has an invalid or
	// missing remote_host.
	ErrInvalidConnectionRemote = errors.New("connection remote_host is invalid")

	// ErrInvalidConnectionMode indicates a connection has an unrecognized
	// mode.
	ErrInvalidConnectionMode = errors.New("connection mode must be pull or push")

	// ErrDuplicateConnectionKey indicates two connections share the same
	// (local_host, remote_host) key.
	ErrDuplicateConnectionKey = errors.New("duplicate connection key")

	// ErrInvalidKernelBackend indicates kernel.backend is neither "noop"
	// nor "ovsdb".
	ErrInvalidKernelBackend = errors.New("kernel.backend must be noop or ovsdb")

	// ErrMissingOVSDBEndpoint indicates kernel.backend is "ovsdb" but
	// kernel.ovsdb_endpoint was not set.
	ErrMissingOVSDBEndpoint = errors.New("kernel.ovsdb_endpoint must be set when kernel.backend is ovsdb")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.IKE.ListenAddr == "" {
		return ErrEmptyListenAddr
	}

	if !ValidModes[cfg.IKE.DefaultMode] {
		return ErrInvalidMode
	}

	if cfg.IKE.HalfOpenTimeout <= 0 {
		return ErrInvalidHalfOpenTimeout
	}

	if cfg.IKE.KeepaliveInterval <= 0 {
		return ErrInvalidKeepaliveInterval
	}

	if err := validateConnections(cfg.Connections); err != nil {
		return err
	}

	if err := validateKernel(cfg.Kernel); err != nil {
		return err
	}

	return nil
}

// validKernelBackends lists the recognized kernel.backend strings.
var validKernelBackends = map[string]bool{
	"noop":  true,
	"ovsdb": true,
}

// validateKernel checks the kernel collaborator configuration.
func validateKernel(kc KernelConfig) error {
	if !validKernelBackends[kc.Backend] {
		return ErrInvalidKernelBackend
	}
	if kc.Backend == "ovsdb" && kc.OVSDBEndpoint == "" {
		return ErrMissingOVSDBEndpoint
	}
	return nil
}

// ValidModes lists the recognized ModeCfg mode strings.
var ValidModes = map[string]bool{
	"pull": true,
	"push": true,
}

// validateConnections checks each declarative connection entry for
// correctness.
func validateConnections(conns []ConnectionConfig) error {
	seen := make(map[string]struct{}, len(conns))

	for i, cc := range conns {
		if _, err := cc.RemoteAddr(); err != nil {
			return fmt.Errorf("connections[%d]: %w: %w", i, ErrInvalidConnectionRemote, err)
		}

		if cc.Mode != "" && !ValidModes[cc.Mode] {
			return fmt.Errorf("connections[%d] mode %q: %w", i, cc.Mode, ErrInvalidConnectionMode)
		}

		key := cc.ConnectionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("connections[%d] key %q: %w", i, key, ErrDuplicateConnectionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
