package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultAuthMaxSkew, cfg.AuthMaxSkew)
}

func TestLoad_Lists(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("P256_CHAIN_IDS", "8453,10,bogus")
	t.Setenv("AUTH_MAX_SKEW", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []uint64{8453, 10}, cfg.P256ChainIDs)
	assert.Equal(t, 90*time.Second, cfg.AuthMaxSkew)
}

func TestLoad_InvalidExecutorKey(t *testing.T) {
	t.Setenv("EXECUTOR_PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			StoreBackend: BackendMemory,
			RPCURL:       DefaultRPCURL,
			ChainID:      DefaultChainID,
			AuthMaxSkew:  time.Minute,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"executor key with prefix", func(c *Config) { c.ExecutorKey = "0x" + testKey }, ""},
		{"invalid executor key length", func(c *Config) { c.ExecutorKey = "abc123" }, "64 hex characters"},
		{"executor without RPC URL", func(c *Config) { c.ExecutorKey = testKey; c.RPCURL = "" }, "RPC_URL is required"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "etcd" }, "STORE_BACKEND"},
		{"redis without address", func(c *Config) { c.StoreBackend = BackendRedis }, "REDIS_ADDR"},
		{"postgres without URL", func(c *Config) { c.StoreBackend = BackendPostgres }, "DATABASE_URL"},
		{"memory in production", func(c *Config) { c.Env = "production" }, "not allowed in production"},
		{"webhook without secret", func(c *Config) { c.WebhookURL = "https://hooks.example.com" }, "WEBHOOK_SECRET"},
		{"zero chain id", func(c *Config) { c.ChainID = 0 }, "CHAIN_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestLoad_TransportAndTracing(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://wallet.example.com, https://app.example.com")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.1")
	t.Setenv("RATE_LIMIT_RPM", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.RedisTLS)
	assert.Equal(t, []string{"https://wallet.example.com", "https://app.example.com"}, cfg.AllowedOrigins)
	assert.InDelta(t, 0.1, cfg.TraceSampleRatio, 1e-9)
	assert.Equal(t, 300, cfg.RateLimitRPM)
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_FLOAT_BAD", "quarter")

	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("TEST_FLOAT_BAD", 1))
	assert.Equal(t, 1.0, getEnvFloat("NONEXISTENT_VAR", 1))
}
