// Package config loads the relay's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every RELAY_* setting. Defaults are provided via struct tags.
type Config struct {
	// Addr is the listen address. ENV: RELAY_ADDR
	Addr string `env:"RELAY_ADDR,default=:8080"`
	// LogLevel is debug, info, warn or error. ENV: RELAY_LOG_LEVEL
	LogLevel string `env:"RELAY_LOG_LEVEL,default=info"`
	// LogFormat is json or text. ENV: RELAY_LOG_FORMAT
	LogFormat string `env:"RELAY_LOG_FORMAT,default=json"`

	// BackendURL is the default backend target. ENV: RELAY_BACKEND_URL
	BackendURL string `env:"RELAY_BACKEND_URL"`
	// BackendTargets maps route namespaces to backends as "ns=url" pairs
	// separated by ";". ENV: RELAY_BACKEND_TARGETS
	BackendTargets []string `env:"RELAY_BACKEND_TARGETS"`
	// BackendToken is sent as a bearer token to every backend. ENV: RELAY_BACKEND_TOKEN
	BackendToken   string        `env:"RELAY_BACKEND_TOKEN"`
	BackendTimeout time.Duration `env:"RELAY_BACKEND_TIMEOUT,default=30s"`

	// StrictSessionIDs requires UUID session ids and disables the default
	// label fallback. ENV: RELAY_STRICT_SESSION_IDS
	StrictSessionIDs  bool          `env:"RELAY_STRICT_SESSION_IDS,default=false"`
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL,default=30s"`

	CacheEnabled  bool          `env:"RELAY_CACHE_ENABLED,default=true"`
	CachedMethod  string        `env:"RELAY_CACHED_METHOD,default=tools/list"`
	CacheTTL      time.Duration `env:"RELAY_CACHE_TTL,default=60s"`
	CacheCooldown time.Duration `env:"RELAY_CACHE_COOLDOWN,default=10s"`
	// CacheWarmup issues the cached query once at startup. ENV: RELAY_CACHE_WARMUP
	CacheWarmup bool `env:"RELAY_CACHE_WARMUP,default=false"`

	// RedisAddr enables the Redis cache snapshot store when set. ENV: RELAY_REDIS_ADDR
	RedisAddr      string `env:"RELAY_REDIS_ADDR"`
	RedisKeyPrefix string `env:"RELAY_REDIS_KEY_PREFIX,default=mcp-relay:cache:"`

	// TraceExporter is none, stdout or otlp-http. ENV: RELAY_TRACE_EXPORTER
	TraceExporter string `env:"RELAY_TRACE_EXPORTER,default=none"`
	// TraceEndpoint is the OTLP/HTTP collector host:port. ENV: RELAY_TRACE_ENDPOINT
	TraceEndpoint   string  `env:"RELAY_TRACE_ENDPOINT,default=localhost:4318"`
	TraceSampleRate float64 `env:"RELAY_TRACE_SAMPLE_RATE,default=1"`

	ServerName      string        `env:"RELAY_SERVER_NAME,default=mcp-relay"`
	ServerVersion   string        `env:"RELAY_SERVER_VERSION,default=dev"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT,default=10s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envdecode cannot express.
func (c *Config) Validate() error {
	targets, err := c.Targets()
	if err != nil {
		return err
	}
	if c.BackendURL == "" && len(targets) == 0 {
		return fmt.Errorf("RELAY_BACKEND_URL or RELAY_BACKEND_TARGETS is required")
	}
	if c.BackendURL != "" {
		if err := checkURL(c.BackendURL); err != nil {
			return fmt.Errorf("RELAY_BACKEND_URL: %w", err)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("RELAY_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	switch c.TraceExporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("RELAY_TRACE_EXPORTER must be none, stdout or otlp-http, got %q", c.TraceExporter)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("RELAY_CACHE_TTL must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

// Targets parses BackendTargets into namespace → URL.
func (c *Config) Targets() (map[string]string, error) {
	out := make(map[string]string, len(c.BackendTargets))
	for _, pair := range c.BackendTargets {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ns, target, ok := strings.Cut(pair, "=")
		ns, target = strings.Trim(strings.TrimSpace(ns), "/"), strings.TrimSpace(target)
		if !ok || ns == "" || target == "" {
			return nil, fmt.Errorf("RELAY_BACKEND_TARGETS: want ns=url, got %q", pair)
		}
		if strings.Contains(ns, "/") {
			return nil, fmt.Errorf("RELAY_BACKEND_TARGETS: namespace %q must be a single path segment", ns)
		}
		if err := checkURL(target); err != nil {
			return nil, fmt.Errorf("RELAY_BACKEND_TARGETS[%s]: %w", ns, err)
		}
		if _, dup := out[ns]; dup {
			return nil, fmt.Errorf("RELAY_BACKEND_TARGETS: duplicate namespace %q", ns)
		}
		out[ns] = target
	}
	return out, nil
}

// Level maps LogLevel to a slog.Level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("RELAY_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
