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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Identity
	JWTSecret string
	JWTIssuer string

	// HTTP
	CORSOrigins  []string
	RateLimitRPM int

	// Record store resilience
	StoreRetryAttempts  int
	StoreRetryBaseDelay time.Duration
	ReconcileInterval   time.Duration
	ReconcileBatchSize  int

	// File-blob store (in-memory if BlobBucket is empty)
	BlobBucket        string
	BlobRegion        string
	BlobEndpoint      string // S3-compatible endpoint override (MinIO, localstack)
	BlobPublicBaseURL string
	// Static credentials; the default AWS chain is used when both are empty.
	BlobAccessKeyID     string
	BlobSecretAccessKey string

	// Tracing (disabled if empty)
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultJWTIssuer           = "trustmarket"
	DefaultRateLimitRPM        = 120
	DefaultStoreRetryAttempts  = 3
	DefaultStoreRetryBaseDelay = 50 * time.Millisecond
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReconcileBatchSize  = 500
	DefaultBlobRegion          = "us-east-1"

	// minJWTSecretLen is the shortest HS256 secret accepted outside development.
	minJWTSecretLen = 32
)

// devJWTSecret signs tokens when running locally without JWT_SECRET.
const devJWTSecret = "trustmarket-development-secret-do-not-use"

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		StoreRetryAttempts:  int(getEnvInt64("STORE_RETRY_ATTEMPTS", DefaultStoreRetryAttempts)),
		StoreRetryBaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", DefaultStoreRetryBaseDelay),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileBatchSize:  int(getEnvInt64("RECONCILE_BATCH_SIZE", DefaultReconcileBatchSize)),
		BlobBucket:          os.Getenv("BLOB_BUCKET"),
		BlobRegion:          getEnv("BLOB_REGION", DefaultBlobRegion),
		BlobEndpoint:        os.Getenv("BLOB_ENDPOINT"),
		BlobPublicBaseURL:   os.Getenv("BLOB_PUBLIC_BASE_URL"),
		BlobAccessKeyID:     os.Getenv("BLOB_ACCESS_KEY_ID"),
		BlobSecretAccessKey: os.Getenv("BLOB_SECRET_ACCESS_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDevelopment() && len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters outside development", minJWTSecretLen)
	}
	if !c.IsDevelopment() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must not use the development default")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.StoreRetryBaseDelay < 0 {
		return fmt.Errorf("STORE_RETRY_BASE_DELAY must not be negative")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ReconcileBatchSize < 1 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be at least 1")
	}

	for _, o := range c.CORSOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("CORS_ORIGINS entries must be \"*\" or start with http:// or https://, got %q", o)
		}
	}

	if c.BlobEndpoint != "" && c.BlobBucket == "" {
		return fmt.Errorf("BLOB_ENDPOINT requires BLOB_BUCKET")
	}
	if (c.BlobAccessKeyID == "") != (c.BlobSecretAccessKey == "") {
		return fmt.Errorf("BLOB_ACCESS_KEY_ID and BLOB_SECRET_ACCESS_KEY must be set together")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
