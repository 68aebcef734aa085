package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis (optional, enables the caller cache)
	RedisURL       string
	CallerCacheTTL time.Duration

	// Credential encryption
	EncryptionKey []byte
	EncryptionIV  []byte

	// Provider/model catalog
	CatalogPath string

	// Rate Limiting
	DefaultRequestsPerMinute int
	DefaultTokensPerMinute   int
	RateLimitSweepInterval   time.Duration

	// Upstream. UpstreamTimeout bounds one attempt; RequestTimeout bounds the
	// whole request including every fallback attempt.
	UpstreamTimeout time.Duration
	RequestTimeout  time.Duration

	// Tracing
	OTLPEndpoint string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		Env:                      getEnv("ENV", "development"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", ""),
		CallerCacheTTL:           time.Duration(getEnvInt("CALLER_CACHE_TTL_SECONDS", 60)) * time.Second,
		CatalogPath:              getEnv("CONFIG_PATH", "config.yaml"),
		DefaultRequestsPerMinute: getEnvInt("DEFAULT_REQUESTS_PER_MINUTE", 60),
		DefaultTokensPerMinute:   getEnvInt("DEFAULT_TOKENS_PER_MINUTE", 100000),
		RateLimitSweepInterval:   time.Duration(getEnvInt("RATE_LIMIT_SWEEP_SECONDS", 300)) * time.Second,
		UpstreamTimeout:          time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 60)) * time.Second,
		RequestTimeout:           time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
		OTLPEndpoint:             getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}

	key, err := decodeSecret("ENCRYPTION_KEY", 32)
	if err != nil {
		return nil, err
	}
	iv, err := decodeSecret("ENCRYPTION_IV", 16)
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key
	cfg.EncryptionIV = iv

	if cfg.UpstreamTimeout <= 0 {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive")
	}

	return cfg, nil
}

// decodeSecret reads a hex-encoded secret of exactly size bytes. Double quotes
// around the value are tolerated.
func decodeSecret(name string, size int) ([]byte, error) {
	raw := strings.ReplaceAll(os.Getenv(name), `"`, "")
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex encoded: %w", name, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", name, size, len(b))
	}
	return b, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
