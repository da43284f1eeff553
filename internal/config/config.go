package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load env vars from .env file directly
func init() {
	if err := godotenv.Load(); err != nil {
		// It's okay if .env doesn't exist (e.g. in production),
		// but we should log it just in case.
		// However, mostly we want to rely on environment variables being set.
		// If we are in local dev, this helps.
		log.Println("No .env file found or error loading it, using system environment variables")
	}
}

// GetAllowedOrigins returns a slice of allowed origins from the environment variable.
// It defaults to localhost:3000 if not set.
func GetAllowedOrigins() []string {
	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		return []string{"http://localhost:3000"}
	}

	// Split by comma and trim spaces
	parts := strings.Split(originsStr, ",")
	var origins []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// Config is the process-wide configuration for cmd/server, assembled
// once at startup from the environment. cmd/migrate does not use it; it
// reads DATABASE_URL directly.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string

	S3AccountID       string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3PublicURL       string

	MetadataKeyPrefix string
	JobKeyPrefix       string
	StagingKeyPrefix   string
	FinalKeyPrefix     string

	PresignExpirySeconds int

	WorkerConcurrency    int
	CapacityPollMs       int64
	DrainPollMs          int64
	LeaseDurationMs      int64
	MaxJobAttempts       int
	JobRetryBaseDelayMs  int64
	JobRetryMaxDelayMs   int64
	IdleBackoffBaseMs    int64
	IdleBackoffMaxMs     int64
	IORetryMaxAttempts   int
	IORetryBaseDelayMs   int64
	IORetryMaxElapsedSec int64
}

// Load reads the environment into a Config, applying the same
// "required vs. defaulted" split the teacher's cmd/server/main.go used
// inline for DATABASE_URL/PORT/NODE_ENV.
func Load() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL environment variable is required")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "3001"),
		Env:         getEnv("NODE_ENV", "development"),
		DatabaseURL: databaseURL,

		S3AccountID:       os.Getenv("S3_ACCOUNT_ID"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:          getEnv("S3_BUCKET", "uploads"),
		S3PublicURL:       os.Getenv("S3_PUBLIC_URL"),

		MetadataKeyPrefix: getEnv("UPLOAD_METADATA_PREFIX", "uploads"),
		JobKeyPrefix:      getEnv("UPLOAD_JOB_PREFIX", "finalize-jobs"),
		StagingKeyPrefix:  getEnv("UPLOAD_STAGING_PREFIX", "staging"),
		FinalKeyPrefix:    getEnv("UPLOAD_FINAL_PREFIX", "final"),

		PresignExpirySeconds: getEnvInt("PRESIGN_EXPIRY_SECONDS", 900),

		WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
		CapacityPollMs:       getEnvInt64("WORKER_CAPACITY_POLL_MS", 250),
		DrainPollMs:          getEnvInt64("WORKER_DRAIN_POLL_MS", 200),
		LeaseDurationMs:      getEnvInt64("WORKER_LEASE_DURATION_MS", 60_000),
		MaxJobAttempts:       getEnvInt("WORKER_MAX_JOB_ATTEMPTS", 5),
		JobRetryBaseDelayMs:  getEnvInt64("WORKER_JOB_RETRY_BASE_MS", 2_000),
		JobRetryMaxDelayMs:   getEnvInt64("WORKER_JOB_RETRY_MAX_MS", 5*60_000),
		IdleBackoffBaseMs:    getEnvInt64("WORKER_IDLE_BACKOFF_BASE_MS", 500),
		IdleBackoffMaxMs:     getEnvInt64("WORKER_IDLE_BACKOFF_MAX_MS", 10_000),
		IORetryMaxAttempts:   getEnvInt("WORKER_IO_RETRY_MAX_ATTEMPTS", 4),
		IORetryBaseDelayMs:   getEnvInt64("WORKER_IO_RETRY_BASE_MS", 200),
		IORetryMaxElapsedSec: getEnvInt64("WORKER_IO_RETRY_MAX_ELAPSED_SEC", 30),
	}

	if cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "" {
		return nil, fmt.Errorf("config: S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required")
	}

	return cfg, nil
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationMs) * time.Millisecond
}

func (c *Config) IORetryMaxElapsed() time.Duration {
	return time.Duration(c.IORetryMaxElapsedSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getEnvInt64(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("config: invalid int64 for %s=%q, using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}
