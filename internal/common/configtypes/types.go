// Package configtypes defines the bootstrap configuration of a WAF
// worker. Everything here is read once at startup from the YAML file and
// the environment; the WAF policy itself (vhosts, endpoints, profiles)
// lives in the config store and is pulled by the sync coordinator.
package configtypes

import (
	"github.com/formwarden/waf/pkg/types"
)

// Log level constants
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// WafConfig is the main worker configuration.
type WafConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Redis        RedisConfig         `yaml:"redis"`
	Sync         SyncConfig          `yaml:"sync"`
	Upstream     UpstreamConfig      `yaml:"upstream"`
	Trust        TrustConfig         `yaml:"trust"`
	Log          LogConfig           `yaml:"log"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	EventLogging *EventLoggingConfig `yaml:"event_logging,omitempty"`
	InstanceID   string              `yaml:"instance_id,omitempty"`
}

// ServerConfig configures the public listener.
type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Timeout types.Duration `yaml:"timeout"`
	TLS     TLSConfig      `yaml:"tls"`

	// Debug forces response debug headers on regardless of the
	// expose_waf_headers threshold.
	Debug bool `yaml:"debug,omitempty"`

	// ClientIPHeaders are checked in order before falling back to the
	// peer address. Defaults to X-Forwarded-For.
	ClientIPHeaders []string `yaml:"client_ip_headers,omitempty"`

	// InspectMethods and InspectContentTypes gate which submissions run
	// through the defense pipeline. Empty means the defaults
	// (POST/PUT/PATCH; urlencoded, multipart, JSON). A content type of
	// "*" inspects any body.
	InspectMethods      []string `yaml:"inspect_methods,omitempty"`
	InspectContentTypes []string `yaml:"inspect_content_types,omitempty"`
}

// TLSConfig holds TLS/HTTPS configuration for the public listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RedisConfig configures the config store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	Interval       types.Duration `yaml:"interval"`
	LeaderElection bool           `yaml:"leader_election,omitempty"`
	WorkerIndex    int            `yaml:"worker_index,omitempty"`
}

// UpstreamConfig is the environment-level routing fallback, used when
// neither the vhost nor the stored global routing names an upstream.
type UpstreamConfig struct {
	Addr    string         `yaml:"addr"`
	AddrSSL string         `yaml:"addr_ssl"`
	UseTLS  bool           `yaml:"use_tls"`
	Timeout types.Duration `yaml:"timeout"`
}

// TrustConfig configures CAPTCHA trust cookies.
type TrustConfig struct {
	// Secret signs trust cookies; every worker behind one domain must
	// share it.
	Secret     string `yaml:"secret"`
	CookieName string `yaml:"cookie_name,omitempty"`
	// MaxAge is the default trust duration in seconds when the endpoint
	// does not set one.
	MaxAge int `yaml:"max_age,omitempty"`
}

// LogConfig holds all logging configuration.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

// ConsoleLogConfig configures stdout logging.
type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level,omitempty"`
	Format  string `yaml:"format,omitempty"`
}

// FileLogConfig configures file logging with rotation.
type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Level    string         `yaml:"level,omitempty"`
	Format   string         `yaml:"format,omitempty"`
	Path     string         `yaml:"path,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig configures log rotation (lumberjack).
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxAge     int  `yaml:"max_age"`     // days
	MaxBackups int  `yaml:"max_backups"` // files
	Compress   bool `yaml:"compress"`
}

// MetricsConfig configures the Prometheus metrics server.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// EventLoggingConfig configures decision event emission.
type EventLoggingConfig struct {
	File EventFileConfig `yaml:"file"`
}

// EventFileConfig configures file-based decision event logging.
type EventFileConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Template string         `yaml:"template,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}
