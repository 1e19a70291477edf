package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// CatalogPath is the YAML provider and model catalog.
	CatalogPath string
	// PriceCardsPath is a YAML card file; Postgres is used when it is empty
	// and DatabaseURL is set.
	PriceCardsPath string

	// SecretsBackend is "env" or "aws".
	SecretsBackend  string
	// SecretsCacheTTL bounds how long fetched secrets are reused.
	SecretsCacheTTL time.Duration
	AWSRegion       string

	OTLPEndpoint      string
	NotificationTopic string
	JobQueueURL       string

	UpstreamTimeout time.Duration
	MaxAttempts     int
	// RateLimitRPM applies to teams without their own limit; 0 disables it.
	RateLimitRPM int

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	PodName   string
	Namespace string
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		CatalogPath:                  getEnv("GATEWAY_CATALOG", "catalog.yaml"),
		PriceCardsPath:               getEnv("GATEWAY_PRICE_CARDS", ""),
		SecretsBackend:               getEnv("SECRETS_BACKEND", "env"),
		SecretsCacheTTL:              getDurationEnv("SECRETS_CACHE_TTL", 5*time.Minute),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		NotificationTopic:            getEnv("NOTIFICATION_TOPIC_ARN", ""),
		JobQueueURL:                  getEnv("JOB_QUEUE_URL", ""),
		UpstreamTimeout:              getDurationEnv("UPSTREAM_TIMEOUT", 120*time.Second),
		MaxAttempts:                  getIntEnv("MAX_ATTEMPTS", 3),
		RateLimitRPM:                 getIntEnv("RATE_LIMIT_RPM", 0),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
		PodName:                      getEnv("POD_NAME", ""),
		Namespace:                    getEnv("POD_NAMESPACE", ""),
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	switch cfg.SecretsBackend {
	case "env", "aws":
	default:
		return nil, fmt.Errorf("SECRETS_BACKEND must be env or aws, got %q", cfg.SecretsBackend)
	}
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL == "" {
		return nil, errors.New("USE_DISTRIBUTED_CB requires REDIS_URL")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or plain seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
