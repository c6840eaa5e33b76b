// Package config provides configuration loading for the SOAR engine.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all engine configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/cybersentinel")
	DataDir string `json:"data_dir"`

	// DatabasePath overrides the default <data_dir>/soar.db location.
	DatabasePath string `json:"database_path,omitempty"`

	// Auth
	AuthEnabled bool `json:"auth_enabled"`
	// JWTSecret verifies operator bearer tokens (HS256).
	JWTSecret string `json:"jwt_secret,omitempty"`

	// Directory of playbook pack YAML files loaded at boot (optional).
	PacksDir string `json:"packs_dir,omitempty"`

	Security   SecurityConfig   `json:"security,omitempty"`
	Engine     EngineConfig     `json:"engine,omitempty"`
	Redis      RedisConfig      `json:"redis,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Connectors ConnectorsConfig `json:"connectors,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// SecurityConfig tunes the ingestion security filter.
type SecurityConfig struct {
	// Sliding-window request ceiling per source IP.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	// Short-window burst ceiling per source IP (5s window).
	BurstLimit int `json:"burst_limit"`
	// Minutes an IP stays blocked after exceeding a window.
	BlockMinutes int `json:"block_minutes"`
	// Replay nonce retention window.
	NonceWindowMinutes int `json:"nonce_window_minutes"`
	// Max tolerated |now - X-CyberSentinel-Timestamp|, in seconds.
	TimestampSkewSeconds int `json:"timestamp_skew_seconds"`
	// Admitted-event ceilings.
	PlaybookFloodPerMinute int `json:"playbook_flood_per_minute"`
	GlobalFloodPerMinute   int `json:"global_flood_per_minute"`
	// IPs exempt from every filter check: rate, burst, replay,
	// signature, and flood.
	TrustedIPs []string `json:"trusted_ips,omitempty"`
}

// EngineConfig tunes playbook execution.
type EngineConfig struct {
	// Concurrent execution workers.
	Workers int `json:"workers"`
	// Per-step wall clock ceiling when the step declares none.
	DefaultStepTimeoutSeconds int `json:"default_step_timeout_seconds"`
	// Force shadow mode for every playbook regardless of its own flag.
	ShadowMode bool `json:"shadow_mode"`
}

// RedisConfig selects the distributed security cache backend. Empty Addr
// keeps the in-process cache.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// TelemetryConfig configures trace export. Empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// ConnectorsConfig holds boot-time connector credentials. No hot-reload:
// changing a credential means restarting the engine.
type ConnectorsConfig struct {
	// HTTPCredentials are injected as auth headers on outbound
	// http_request calls whose URL matches the prefix.
	HTTPCredentials []HTTPCredential `json:"http_credentials,omitempty"`
}

// HTTPCredential binds an auth header to a URL prefix.
type HTTPCredential struct {
	URLPrefix string `json:"url_prefix"`
	Header    string `json:"header"`
	Value     string `json:"value"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/cybersentinel",
		LogLevel:   "info",
		Security: SecurityConfig{
			RateLimitPerMinute:     100,
			BurstLimit:             20,
			BlockMinutes:           5,
			NonceWindowMinutes:     10,
			TimestampSkewSeconds:   300,
			PlaybookFloodPerMinute: 50,
			GlobalFloodPerMinute:   500,
		},
		Engine: EngineConfig{
			Workers:                   4,
			DefaultStepTimeoutSeconds: 30,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("SOAR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SOAR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SOAR_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SOAR_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SOAR_PACKS_DIR"); v != "" {
		cfg.PacksDir = v
	}
	if v := os.Getenv("WEBHOOK_TRUSTED_IPS"); v != "" {
		cfg.Security.TrustedIPs = splitAndTrim(v)
	}
	if v := os.Getenv("SOAR_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SOAR_BURST_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.BurstLimit = n
		}
	}
	if v := os.Getenv("SOAR_SHADOW_MODE"); v != "" {
		cfg.Engine.ShadowMode = v == "true" || v == "1"
	}
	if v := os.Getenv("SOAR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("SOAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SOAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SOAR_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("SOAR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SOAR_HTTP_CREDENTIALS"); v != "" {
		creds, err := parseHTTPCredentials(v)
		if err != nil {
			// A malformed credential must stop boot. Ignoring it would
			// send outbound calls unauthenticated without any signal.
			return cfg, fmt.Errorf("parse SOAR_HTTP_CREDENTIALS: %w", err)
		}
		cfg.Connectors.HTTPCredentials = creds
	}

	return cfg, nil
}

// parseHTTPCredentials parses a comma list of prefix|header|value
// entries. Errors never echo the entry so secrets stay out of logs.
func parseHTTPCredentials(s string) ([]HTTPCredential, error) {
	entries := splitAndTrim(s)
	out := make([]HTTPCredential, 0, len(entries))
	for i, entry := range entries {
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("entry %d is not url_prefix|header|value", i+1)
		}
		out = append(out, HTTPCredential{
			URLPrefix: parts[0],
			Header:    parts[1],
			Value:     parts[2],
		})
	}
	return out, nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c Config) Validate() error {
	if c.Security.RateLimitPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit_per_minute must be positive, got %d", c.Security.RateLimitPerMinute)
	}
	if c.Security.BurstLimit <= 0 {
		return fmt.Errorf("security.burst_limit must be positive, got %d", c.Security.BurstLimit)
	}
	if c.Security.BlockMinutes <= 0 {
		return fmt.Errorf("security.block_minutes must be positive, got %d", c.Security.BlockMinutes)
	}
	if c.Security.TimestampSkewSeconds <= 0 {
		return fmt.Errorf("security.timestamp_skew_seconds must be positive, got %d", c.Security.TimestampSkewSeconds)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.AuthEnabled && len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes when auth is enabled")
	}
	for i, cred := range c.Connectors.HTTPCredentials {
		if cred.URLPrefix == "" || cred.Header == "" {
			return fmt.Errorf("connectors.http_credentials[%d] needs url_prefix and header", i)
		}
	}
	return nil
}

// DBPath returns the SQLite database location.
func (c Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "soar.db")
}

// HasRedis reports whether a distributed security cache is configured.
func (c Config) HasRedis() bool {
	return c.Redis.Addr != ""
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
