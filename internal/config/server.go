package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds syncd's configuration, loaded from environment
// variables.
type ServerConfig struct {
	ListenAddr      string
	DataDir         string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	RateLimitPush  int // /v1/sync/push per client IP per minute (default: 60)
	RateLimitPull  int // /v1/sync/pull per client IP per minute (default: 120)
	RateLimitOther int // all other endpoints per client IP per minute (default: 300)

	PingInterval time.Duration // SSE keepalive ping cadence (default: 30s)
}

// LoadServerConfig reads syncd configuration from environment variables with
// sensible defaults.
func LoadServerConfig() ServerConfig {
	cfg := ServerConfig{
		ListenAddr:      ":8080",
		DataDir:         "./data",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		RateLimitPush:  60,
		RateLimitPull:  120,
		RateLimitOther: 300,

		PingInterval: 30 * time.Second,
	}

	if v := os.Getenv("ORDERSYNCD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ORDERSYNCD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ORDERSYNCD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("ORDERSYNCD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("ORDERSYNCD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORDERSYNCD_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("ORDERSYNCD_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	if v := os.Getenv("ORDERSYNCD_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}
	if v := os.Getenv("ORDERSYNCD_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PingInterval = d
		}
	}

	return cfg
}
