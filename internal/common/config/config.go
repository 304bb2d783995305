// Package config loads the worker bootstrap configuration: YAML file
// first, then environment variable overrides. The environment always
// wins so the same file can ship in every container.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/yamlutil"
	"github.com/formwarden/waf/pkg/types"
)

// Environment variables recognized at startup.
const (
	EnvRedisHost       = "REDIS_HOST"
	EnvRedisPort       = "REDIS_PORT"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRedisDB         = "REDIS_DB"
	EnvSyncInterval    = "WAF_SYNC_INTERVAL"
	EnvUpstream        = "HAPROXY_UPSTREAM"
	EnvUpstreamSSL     = "HAPROXY_UPSTREAM_SSL"
	EnvUpstreamUseTLS  = "UPSTREAM_SSL"
	EnvUpstreamTimeout = "HAPROXY_TIMEOUT"
	EnvLeaderElection  = "WAF_USE_LEADER_ELECTION"
	EnvTrustSecret     = "WAF_TRUST_SECRET"
)

// Load reads the YAML file at path (optional: empty path or a missing
// file yields pure defaults), applies environment overrides, and
// validates the result.
func Load(path string) (*configtypes.WafConfig, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *configtypes.WafConfig {
	return &configtypes.WafConfig{
		Server: configtypes.ServerConfig{
			Listen:  ":8080",
			Timeout: types.Duration(30 * time.Second),
		},
		Redis: configtypes.RedisConfig{
			Addr: "redis:6379",
		},
		Sync: configtypes.SyncConfig{
			Interval: types.Duration(30 * time.Second),
		},
		Upstream: configtypes.UpstreamConfig{
			Addr:    "haproxy:80",
			AddrSSL: "haproxy:443",
			Timeout: types.Duration(30 * time.Second),
		},
		Trust: configtypes.TrustConfig{
			CookieName: "waf_trust",
			MaxAge:     3600,
		},
		Log: configtypes.LogConfig{
			Level: configtypes.LogLevelInfo,
			Console: configtypes.ConsoleLogConfig{
				Enabled: true,
				Format:  configtypes.LogFormatConsole,
			},
		},
		Metrics: configtypes.MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "waf",
		},
	}
}

func applyEnv(cfg *configtypes.WafConfig) {
	host := os.Getenv(EnvRedisHost)
	port := os.Getenv(EnvRedisPort)
	if host != "" || port != "" {
		if host == "" {
			host = "redis"
		}
		if port == "" {
			port = "6379"
		}
		cfg.Redis.Addr = host + ":" + port
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv(EnvSyncInterval); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Sync.Interval = types.Duration(time.Duration(secs) * time.Second)
		}
	}
	if v := os.Getenv(EnvUpstream); v != "" {
		cfg.Upstream.Addr = v
	}
	if v := os.Getenv(EnvUpstreamSSL); v != "" {
		cfg.Upstream.AddrSSL = v
	}
	if v := os.Getenv(EnvUpstreamUseTLS); v != "" {
		cfg.Upstream.UseTLS = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvUpstreamTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Upstream.Timeout = types.Duration(time.Duration(secs) * time.Second)
		}
	}
	if v := os.Getenv(EnvLeaderElection); v != "" {
		cfg.Sync.LeaderElection = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvTrustSecret); v != "" {
		cfg.Trust.Secret = v
	}
}

func validate(cfg *configtypes.WafConfig) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls requires cert_file and key_file")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == cfg.Server.Listen {
		return fmt.Errorf("metrics.listen must differ from server.listen")
	}
	return nil
}
