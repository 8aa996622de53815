// Package config loads gateway settings from the environment. A .env file
// is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database. Empty disables API-key auth and persisted usage.
	PostgresDSN string

	// Cache. Empty disables the auth cache and rate limiting.
	RedisAddr string

	// Model catalog
	ModelsConfigPath string // default: config/models.yaml
	DefaultModel     string // chat default when the request omits the model

	// Providers
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
	AzureAPIKey     string
	AzureEndpoint   string
	AzureAPIVersion string

	// Guardrails
	GuardrailsEnabled bool

	// Observability
	LogLevel             string // zerolog level, default: info
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute, default: 100

	// Development schema and API key bootstrap
	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		ModelsConfigPath:     getEnv("MODELS_CONFIG", "config/models.yaml"),
		DefaultModel:         getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AzureAPIKey:          os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureEndpoint:        os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureAPIVersion:      getEnv("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.GuardrailsEnabled, err = getBool("GUARDRAILS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "100")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
