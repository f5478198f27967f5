// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends selectable with AGENTID_STORAGE.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int           `env:"AGENTID_PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"AGENTID_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"AGENTID_WRITE_TIMEOUT" envDefault:"30s"`

	// Storage settings.
	Storage     string `env:"AGENTID_STORAGE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"AGENTID_SQLITE_PATH" envDefault:"data/agentid.db"`

	// Verification cache. An empty URL disables it.
	RedisURL       string        `env:"REDIS_URL"`
	VerifyCacheTTL time.Duration `env:"AGENTID_VERIFY_CACHE_TTL" envDefault:"30s"`

	// JWT settings.
	JWTPrivateKeyPath string        `env:"AGENTID_JWT_PRIVATE_KEY"`
	JWTPublicKeyPath  string        `env:"AGENTID_JWT_PUBLIC_KEY"`
	JWTExpiration     time.Duration `env:"AGENTID_JWT_EXPIRATION" envDefault:"24h"`

	// Admin bootstrap credential. Empty disables admin token exchange.
	AdminAPIKey string `env:"AGENTID_ADMIN_API_KEY"`

	// Aggregate update tuning.
	AggregateMaxRetries     int           `env:"AGENTID_AGGREGATE_MAX_RETRIES" envDefault:"8"`
	AggregateRetryBaseDelay time.Duration `env:"AGENTID_AGGREGATE_RETRY_BASE_DELAY" envDefault:"5ms"`
	AggregateTimeout        time.Duration `env:"AGENTID_AGGREGATE_TIMEOUT" envDefault:"5s"`
	DistributedLocks        bool          `env:"AGENTID_DISTRIBUTED_LOCKS" envDefault:"false"`

	// Rate limits, requests per minute. Zero disables the rule.
	AuthRateLimit  int `env:"AGENTID_AUTH_RATE_LIMIT" envDefault:"20"`
	WriteRateLimit int `env:"AGENTID_WRITE_RATE_LIMIT" envDefault:"300"`

	// OTEL settings.
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"agentid"`
	OTELInsecure bool   `env:"AGENTID_OTEL_INSECURE" envDefault:"false"`

	// Operational settings.
	LogLevel            string `env:"AGENTID_LOG_LEVEL" envDefault:"info"`
	MaxRequestBodyBytes int64  `env:"AGENTID_MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
}

// Load reads a .env file if present, then parses environment variables with
// defaults and validates the result.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load without validation, for callers that override fields first.
func Parse() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: AGENTID_PORT must be between 1 and 65535"))
	}
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("config: DATABASE_URL is required when AGENTID_STORAGE=postgres"))
		}
	case StorageSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, fmt.Errorf("config: AGENTID_SQLITE_PATH is required when AGENTID_STORAGE=sqlite"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("config: AGENTID_STORAGE must be postgres, sqlite or memory (got %q)", c.Storage))
	}
	if c.DistributedLocks && c.Storage != StoragePostgres {
		errs = append(errs, fmt.Errorf("config: AGENTID_DISTRIBUTED_LOCKS requires AGENTID_STORAGE=postgres"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, fmt.Errorf("config: AGENTID_JWT_PRIVATE_KEY and AGENTID_JWT_PUBLIC_KEY must be set together"))
	}
	if c.JWTExpiration <= 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_JWT_EXPIRATION must be positive"))
	}
	if c.VerifyCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_VERIFY_CACHE_TTL must be positive"))
	}
	if c.AggregateMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_AGGREGATE_MAX_RETRIES must not be negative"))
	}
	if c.AggregateRetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_AGGREGATE_RETRY_BASE_DELAY must not be negative"))
	}
	if c.AggregateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_AGGREGATE_TIMEOUT must be positive"))
	}
	if c.AuthRateLimit < 0 || c.WriteRateLimit < 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_AUTH_RATE_LIMIT and AGENTID_WRITE_RATE_LIMIT must not be negative"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: AGENTID_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}
