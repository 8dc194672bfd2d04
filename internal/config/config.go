// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	DatabaseURL   string

	// Chain settings. Owner rotation is disabled when ExecutorKey is empty.
	RPCURL      string
	ChainID     int64
	ExecutorKey string // hex, optional 0x prefix
	// P256ChainIDs lists chains with the P256VERIFY precompile. Empty means
	// probe RPCURL instead.
	P256ChainIDs []uint64

	// Notifications
	WebhookURL    string
	WebhookSecret string
	KafkaBrokers  []string
	KafkaTopic    string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	AuthMaxSkew    time.Duration
	RateLimitRPM   int
	AllowedOrigins []string // CORS; empty disables
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultRedisAddr    = "localhost:6379"
	DefaultAuthMaxSkew  = 5 * time.Minute
	DefaultRateLimitRPM = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		RedisAddr:     getEnv("REDIS_ADDR", DefaultRedisAddr),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       int(getEnvInt64("REDIS_DB", 0)),
		RedisTLS:      getEnv("REDIS_TLS", "false") == "true",
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RPCURL:        getEnv("RPC_URL", DefaultRPCURL),
		ChainID:       getEnvInt64("CHAIN_ID", DefaultChainID),
		ExecutorKey:   os.Getenv("EXECUTOR_PRIVATE_KEY"),
		P256ChainIDs:  getEnvUints("P256_CHAIN_IDS"),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		KafkaBrokers:  getEnvList("KAFKA_BROKERS"),
		KafkaTopic:    os.Getenv("KAFKA_TOPIC"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AuthMaxSkew:   getEnvDuration("AUTH_MAX_SKEW", DefaultAuthMaxSkew),
		RateLimitRPM:  int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),

		AllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, redis or postgres, got %q", c.StoreBackend)
	}

	if c.ExecutorKey != "" {
		// Allow both with and without 0x prefix
		if len(strings.TrimPrefix(c.ExecutorKey, "0x")) != 64 {
			return fmt.Errorf("EXECUTOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when EXECUTOR_PRIVATE_KEY is set")
		}
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvUints(key string) []uint64 {
	var out []uint64
	for _, part := range getEnvList(key) {
		if v, err := strconv.ParseUint(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
