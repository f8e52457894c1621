package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/alwrity/llm-router/internal/registry"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database (optional; usage persistence is disabled without it)
	PostgresDSN string

	// Cache (optional; usage aggregate caching is disabled without it)
	RedisAddr string

	// Provider credentials
	GeminiAPIKey     string
	OpenRouterAPIKey string
	HFToken          string

	// Routing preferences
	PreferredProvider string // GPT_PROVIDER, accepts aliases like "hf" or "google"
	GeminiModel       string
	OpenRouterModel   string
	HFModel           string

	// OpenRouter app attribution
	OpenRouterReferer string
	OpenRouterTitle   string

	// Retry policy
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryJitterFactor float64

	// Credential detection
	CredentialCacheTTL time.Duration

	// Usage aggregate cache
	UsageCacheTTL time.Duration

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		HFToken:              os.Getenv("HF_TOKEN"),
		PreferredProvider:    os.Getenv("GPT_PROVIDER"),
		GeminiModel:          os.Getenv("GEMINI_MODEL"),
		OpenRouterModel:      os.Getenv("OPENROUTER_MODEL"),
		HFModel:              os.Getenv("HF_MODEL"),
		OpenRouterReferer:    getEnv("OPENROUTER_HTTP_REFERER", "https://alwrity.com"),
		OpenRouterTitle:      getEnv("OPENROUTER_X_TITLE", "ALwrity"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RetryMaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getEnvMillis("RETRY_BASE_DELAY_MS", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = getEnvMillis("RETRY_MAX_DELAY_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryJitterFactor, err = getEnvFloat("RETRY_JITTER_FACTOR", 1.0); err != nil {
		return nil, err
	}
	if cfg.CredentialCacheTTL, err = getEnvMillis("CREDENTIAL_CACHE_TTL_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UsageCacheTTL, err = getEnvMillis("USAGE_CACHE_TTL_MS", time.Minute); err != nil {
		return nil, err
	}

	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// Credential satisfies the credential detection source. Lookups for names
// outside the known table fall through to the environment.
func (c *Config) Credential(name string) (string, bool) {
	var v string
	switch name {
	case registry.CredentialGeminiAPIKey:
		v = c.GeminiAPIKey
	case registry.CredentialOpenRouterAPIKey:
		v = c.OpenRouterAPIKey
	case registry.CredentialHFToken:
		v = c.HFToken
	default:
		v = os.Getenv(name)
	}
	if v == "" {
		return "", false
	}
	return v, true
}

// ModelOverrides collects the per-provider default-model env settings.
func (c *Config) ModelOverrides() registry.ModelOverrides {
	return registry.ModelOverrides{
		Gemini:      c.GeminiModel,
		OpenRouter:  c.OpenRouterModel,
		HuggingFace: c.HFModel,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvMillis(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	ms, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
