// Package config provides environment configuration for the sync engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Status server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Identity of the signed-in user the engine synchronizes for
	UserID   string
	UserName string

	// Marketplace server API
	APIBaseURL    string
	APITimeout    time.Duration
	JWTSecret     string
	JWTExpiration time.Duration

	// Server notification stream (SSE)
	SSEPath    string
	SSEEnabled bool

	// NATS message log settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Reconnect backoff
	ReconnectInitial    time.Duration
	ReconnectCeiling    time.Duration
	ReconnectMaxElapsed time.Duration

	// Toast behavior
	ToastTTL       time.Duration
	PreviewMaxRune int

	// Rate limiting for the manual resync entry point
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8090"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Identity
		UserID:   getEnv("CHATSYNC_USER_ID", ""),
		UserName: getEnv("CHATSYNC_USER_NAME", ""),

		// Marketplace API
		APIBaseURL:    getEnv("API_BASE_URL", "http://localhost:8080"),
		APITimeout:    getDurationEnv("API_TIMEOUT", 10*time.Second),
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// SSE
		SSEPath:    getEnv("SSE_PATH", "/api/notifications/stream"),
		SSEEnabled: getBoolEnv("SSE_ENABLED", true),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Backoff
		ReconnectInitial:    getDurationEnv("RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectCeiling:    getDurationEnv("RECONNECT_CEILING", 30*time.Second),
		ReconnectMaxElapsed: getDurationEnv("RECONNECT_MAX_ELAPSED", 5*time.Minute),

		// Toasts
		ToastTTL:       getDurationEnv("TOAST_TTL", 5*time.Second),
		PreviewMaxRune: getIntEnv("PREVIEW_MAX_RUNES", 50),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
