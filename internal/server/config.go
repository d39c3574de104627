// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the messenger service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverDocument = "document"
)

const (
	defaultPort             = ":8787"
	defaultMaxMessageSize   = 64 << 10
	defaultRateLimitCount   = 100
	defaultRateLimitWindow  = 60 * time.Second
	defaultSessionTTL       = 7 * 24 * time.Hour
	defaultDBPath           = "messenger.db"
	defaultDocumentPath     = "server_data.json"
	defaultFilesDir         = "files"
	defaultMaxFileSize      = 10 << 20
	defaultShutdownTimeout  = 30 * time.Second
	defaultMaxPendingEvents = 256
)

// RateLimitConfig defines the sliding window applied per client address.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Config holds the server configuration settings including security controls
// and the storage backend selection.
type Config struct {
	Port             string
	AllowedOrigins   []string
	MaxMessageSize   int64
	RateLimit        RateLimitConfig
	SessionTTL       time.Duration
	StoreDriver      string
	DBPath           string
	DocumentPath     string
	FilesDir         string
	MaxFileSize      int64
	RedisAddr        string
	ShutdownTimeout  time.Duration
	MaxPendingEvents int
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8787",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Requests: defaultRateLimitCount,
			Window:   defaultRateLimitWindow,
		},
		SessionTTL:       defaultSessionTTL,
		StoreDriver:      DriverSQLite,
		DBPath:           defaultDBPath,
		DocumentPath:     defaultDocumentPath,
		FilesDir:         defaultFilesDir,
		MaxFileSize:      defaultMaxFileSize,
		ShutdownTimeout:  defaultShutdownTimeout,
		MaxPendingEvents: defaultMaxPendingEvents,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = defaultRateLimitCount
	}

	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = defaultRateLimitWindow
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver != DriverSQLite && cfg.StoreDriver != DriverDocument {
		cfg.StoreDriver = DriverSQLite
	}

	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}

	if cfg.DocumentPath == "" {
		cfg.DocumentPath = defaultDocumentPath
	}

	if cfg.FilesDir == "" {
		cfg.FilesDir = defaultFilesDir
	}

	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.MaxPendingEvents <= 0 {
		cfg.MaxPendingEvents = defaultMaxPendingEvents
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_MESSAGE_SIZE
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseSize(maxSize, cfg.MaxMessageSize)
	}

	// Load RATE_LIMIT_REQUESTS
	if requests := os.Getenv("RATE_LIMIT_REQUESTS"); requests != "" {
		cfg.RateLimit.Requests = parseIntValue(requests, cfg.RateLimit.Requests)
	}

	// Load RATE_LIMIT_WINDOW
	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		cfg.RateLimit.Window = parseDuration(window, time.Second, cfg.RateLimit.Window)
	}

	if ttl := os.Getenv("SESSION_TTL"); ttl != "" {
		cfg.SessionTTL = parseDuration(ttl, time.Hour, cfg.SessionTTL)
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = driver
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}

	if path := os.Getenv("DOCUMENT_PATH"); path != "" {
		cfg.DocumentPath = path
	}

	if dir := os.Getenv("FILES_DIR"); dir != "" {
		cfg.FilesDir = dir
	}

	if maxSize := os.Getenv("MAX_FILE_SIZE"); maxSize != "" {
		cfg.MaxFileSize = parseSize(maxSize, cfg.MaxFileSize)
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, time.Second, cfg.ShutdownTimeout)
	}

	if pending := os.Getenv("MAX_PENDING_EVENTS"); pending != "" {
		cfg.MaxPendingEvents = parseIntValue(pending, cfg.MaxPendingEvents)
	}

	cfg = sanitizeConfig(cfg)
	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration reads a positive integer count of unit.
func parseDuration(value string, unit, defaultValue time.Duration) time.Duration {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return time.Duration(n) * unit
	}
	return defaultValue
}
