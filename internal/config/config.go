// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Auth        AuthConfig
	Upstream    UpstreamConfig
	Bridge      BridgeConfig
	Registry    RegistryConfig
}

// AuthConfig controls bearer-token validation for the WebSocket endpoint.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// UpstreamConfig describes the realtime provider.
type UpstreamConfig struct {
	BaseURL        string // credential-issuance API, e.g. https://api.provider.example
	RealtimeURL    string // realtime WebSocket endpoint
	APIKey         string // long-lived server key, exchanged for ephemeral credentials
	RequestTimeout time.Duration
	DefaultModel   string
	DefaultVoice   string
}

// BridgeConfig tunes the per-connection relay.
type BridgeConfig struct {
	IdleTimeout        time.Duration // no frames in either direction
	MaxSessionDuration time.Duration // absolute ceiling regardless of activity
	QueueSize          int           // bounded outbound queue per direction
	RefreshMargin      time.Duration // re-mint credential this close to expiry
	ConfigWait         time.Duration // how long to wait for a session.config frame
	DialTimeout        time.Duration // upstream WebSocket handshake timeout
}

// RegistryConfig tunes the in-memory session registry.
type RegistryConfig struct {
	GracePeriod   time.Duration // finalized entries linger this long for lookups
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/voicegate.db"),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", "voxscreen"),
		},
		Upstream: UpstreamConfig{
			BaseURL:        getEnv("UPSTREAM_BASE_URL", "https://api.openai.com"),
			RealtimeURL:    getEnv("UPSTREAM_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			APIKey:         getEnv("UPSTREAM_API_KEY", ""),
			RequestTimeout: getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 10*time.Second),
			DefaultModel:   getEnv("UPSTREAM_DEFAULT_MODEL", "gpt-4o-realtime-preview"),
			DefaultVoice:   getEnv("UPSTREAM_DEFAULT_VOICE", "alloy"),
		},
		Bridge: BridgeConfig{
			IdleTimeout:        getEnvDuration("BRIDGE_IDLE_TIMEOUT", 90*time.Second),
			MaxSessionDuration: getEnvDuration("BRIDGE_MAX_SESSION_DURATION", 30*time.Minute),
			QueueSize:          getEnvInt("BRIDGE_QUEUE_SIZE", 256),
			RefreshMargin:      getEnvDuration("BRIDGE_REFRESH_MARGIN", 15*time.Second),
			ConfigWait:         getEnvDuration("BRIDGE_CONFIG_WAIT", 3*time.Second),
			DialTimeout:        getEnvDuration("BRIDGE_DIAL_TIMEOUT", 15*time.Second),
		},
		Registry: RegistryConfig{
			GracePeriod:   getEnvDuration("REGISTRY_GRACE_PERIOD", time.Minute),
			SweepInterval: getEnvDuration("REGISTRY_SWEEP_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL cannot be empty")
	}
	if c.Upstream.RealtimeURL == "" {
		return fmt.Errorf("UPSTREAM_REALTIME_URL cannot be empty")
	}
	if c.Bridge.QueueSize <= 0 {
		return fmt.Errorf("BRIDGE_QUEUE_SIZE must be > 0")
	}
	if c.Bridge.IdleTimeout <= 0 {
		return fmt.Errorf("BRIDGE_IDLE_TIMEOUT must be > 0")
	}
	if c.Bridge.MaxSessionDuration <= 0 {
		return fmt.Errorf("BRIDGE_MAX_SESSION_DURATION must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
