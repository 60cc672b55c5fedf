// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects which device a process plays.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleCompanion Role = "companion"
)

// Config holds all application configuration.
type Config struct {
	Role           Role
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	LogLevel       string
	StylistAddr    string // remote stylist gRPC address; empty answers locally
	Store          StoreConfig
	Peer           PeerConfig
	Handshake      HandshakeConfig
	Push           PushConfig
}

// StoreConfig locates the shared store.
type StoreConfig struct {
	Path            string
	SharedNamespace string
	LocalNamespace  string
	Codec           string
}

// PeerConfig controls the live link between the devices.
type PeerConfig struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
}

// HandshakeConfig bounds the companion's configuration checks.
type HandshakeConfig struct {
	CheckTimeout     time.Duration
	StartupTimeout   time.Duration
	RetryInterval    time.Duration
	RetryMaxAttempts int
}

// PushConfig controls repeated profile pushes after lifecycle events.
type PushConfig struct {
	RepeatCount int
	RepeatDelay time.Duration
}

// Load reads configuration for role from environment variables.
func Load(role Role) (*Config, error) {
	defaultPort := "8080"
	if role == RoleCompanion {
		defaultPort = "8081"
	}

	cfg := &Config{
		Role:        role,
		Port:        getEnv("PORT", defaultPort),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StylistAddr: getEnv("STYLIST_ADDR", ""),
		Store: StoreConfig{
			Path:            getEnv("SHARED_STORE_PATH", "./data/shared.db"),
			SharedNamespace: getEnv("SHARED_NAMESPACE", "group.wardrobe"),
			LocalNamespace:  getEnv("LOCAL_NAMESPACE", "companion.local"),
			Codec:           getEnv("RECORD_CODEC", "json"),
		},
		Peer: PeerConfig{
			URL:            getEnv("PEER_URL", "ws://localhost:8080/ws/peer"),
			Token:          getEnv("PEER_TOKEN", ""),
			RequestTimeout: getEnvDuration("PEER_REQUEST_TIMEOUT", 5*time.Second),
			ReconnectBase:  getEnvDuration("RECONNECT_BASE", time.Second),
			ReconnectMax:   getEnvDuration("RECONNECT_MAX", 30*time.Second),
		},
		Handshake: HandshakeConfig{
			CheckTimeout:     getEnvDuration("CHECK_TIMEOUT", 5*time.Second),
			StartupTimeout:   getEnvDuration("STARTUP_TIMEOUT", 5*time.Second),
			RetryInterval:    getEnvDuration("RETRY_INTERVAL", 10*time.Second),
			RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 6),
		},
		Push: PushConfig{
			RepeatCount: getEnvInt("PUSH_REPEAT_COUNT", 3),
			RepeatDelay: getEnvDuration("PUSH_REPEAT_DELAY", 2*time.Second),
		},
	}
	cfg.AllowedOrigins = parseList(getEnv("ALLOWED_ORIGINS", ""))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
		if cfg.FrontendURL != "" {
			cfg.AllowedOrigins = []string{cfg.FrontendURL}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Role != RolePrimary && c.Role != RoleCompanion {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("SHARED_STORE_PATH cannot be empty")
	}
	if c.Store.SharedNamespace == "" || c.Store.LocalNamespace == "" {
		return fmt.Errorf("SHARED_NAMESPACE and LOCAL_NAMESPACE cannot be empty")
	}
	if c.Store.SharedNamespace == c.Store.LocalNamespace {
		return fmt.Errorf("SHARED_NAMESPACE and LOCAL_NAMESPACE must differ")
	}
	if c.Store.Codec != "json" && c.Store.Codec != "cbor" {
		return fmt.Errorf("RECORD_CODEC must be json or cbor, got %q", c.Store.Codec)
	}
	if c.Role == RoleCompanion && c.Peer.URL == "" {
		return fmt.Errorf("PEER_URL cannot be empty for the companion")
	}
	if c.Peer.RequestTimeout <= 0 || c.Handshake.CheckTimeout <= 0 || c.Handshake.StartupTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if c.Handshake.RetryInterval <= 0 {
		return fmt.Errorf("RETRY_INTERVAL must be > 0")
	}
	if c.Handshake.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.Peer.ReconnectBase <= 0 || c.Peer.ReconnectMax < c.Peer.ReconnectBase {
		return fmt.Errorf("RECONNECT_BASE must be > 0 and <= RECONNECT_MAX")
	}
	if c.Push.RepeatCount <= 0 {
		return fmt.Errorf("PUSH_REPEAT_COUNT must be > 0")
	}
	if c.Push.RepeatDelay <= 0 {
		return fmt.Errorf("PUSH_REPEAT_DELAY must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
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

// getEnvDuration accepts Go durations ("10s") or bare seconds ("10").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
