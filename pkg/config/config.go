// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/delosis/psytools-server/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Files    FilesConfig
	Auth     AuthConfig
	Report   ReportConfig

	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	MaxBodyBytes int64
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxConns     int
	MinConns     int
	ConnTimeout  time.Duration
	QueryTimeout time.Duration
	MaxLifetime  time.Duration
	MaxIdleTime  time.Duration
}

// RedisConfig holds optional Redis configuration for distributed rate limiting
type RedisConfig struct {
	URL      string // empty disables the distributed limiter
	Password string
	DB       int
}

// FilesConfig selects and configures the dataset file backend
type FilesConfig struct {
	// Backend is "filesystem" or "s3"
	Backend string

	FilesystemRoot string

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// AuthConfig holds identity and signed-link settings
type AuthConfig struct {
	// JWTSecret verifies gateway-issued identity tokens and signs
	// download-link tokens.
	JWTSecret string

	// DownloadLinkTTL bounds the validity of signed download links.
	DownloadLinkTTL time.Duration

	// GrantDuplicates selects how duplicate studyId grants are treated:
	// "independent" keeps them as independent OR-clauses, "merge" collapses
	// them to the most permissive role at claims ingestion.
	GrantDuplicates string

	// RateLimitPerMinute caps requests per caller; 0 disables limiting.
	RateLimitPerMinute int
}

// ReportConfig tunes the status aggregator
type ReportConfig struct {
	// FanOutLimit bounds concurrent per-study queries.
	FanOutLimit int

	// MaxPeriodDays is the upper bound accepted for periodDays.
	MaxPeriodDays int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTel observability.OTelConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("PSYTOOLS_HOST", "0.0.0.0"),
			Port:            getEnv("PSYTOOLS_PORT", "8080"),
			ReadTimeout:     getEnvDuration("PSYTOOLS_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("PSYTOOLS_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("PSYTOOLS_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("PSYTOOLS_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("PSYTOOLS_HEALTH_PORT", "9090"),
			MaxBodyBytes:    getEnvInt64("PSYTOOLS_MAX_BODY_BYTES", 1<<20),
		},
		Database: DatabaseConfig{
			URL:          getEnv("PSYTOOLS_POSTGRES_URL", ""),
			MaxConns:     getEnvInt("PSYTOOLS_POSTGRES_MAX_CONNS", 25),
			MinConns:     getEnvInt("PSYTOOLS_POSTGRES_MIN_CONNS", 5),
			ConnTimeout:  getEnvDuration("PSYTOOLS_POSTGRES_CONN_TIMEOUT", 10*time.Second),
			QueryTimeout: getEnvDuration("PSYTOOLS_POSTGRES_QUERY_TIMEOUT", 30*time.Second),
			MaxLifetime:  getEnvDuration("PSYTOOLS_POSTGRES_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime:  getEnvDuration("PSYTOOLS_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("PSYTOOLS_REDIS_URL", ""),
			Password: getEnv("PSYTOOLS_REDIS_PASSWORD", ""),
			DB:       getEnvInt("PSYTOOLS_REDIS_DB", 0),
		},
		Files: FilesConfig{
			Backend:        getEnv("PSYTOOLS_FILES_BACKEND", "filesystem"),
			FilesystemRoot: getEnv("PSYTOOLS_FILES_ROOT", "/var/lib/psytools/files"),
			S3Endpoint:     getEnv("PSYTOOLS_S3_ENDPOINT", ""),
			S3Region:       getEnv("PSYTOOLS_S3_REGION", "us-east-1"),
			S3Bucket:       getEnv("PSYTOOLS_S3_BUCKET", ""),
			S3AccessKey:    getEnv("PSYTOOLS_S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("PSYTOOLS_S3_SECRET_KEY", ""),
			S3UsePathStyle: getEnvBool("PSYTOOLS_S3_USE_PATH_STYLE", false),
		},
		Auth: AuthConfig{
			JWTSecret:          getEnv("PSYTOOLS_JWT_SECRET", ""),
			DownloadLinkTTL:    getEnvDuration("PSYTOOLS_DOWNLOAD_LINK_TTL", 15*time.Minute),
			GrantDuplicates:    getEnv("PSYTOOLS_GRANT_DUPLICATES", "independent"),
			RateLimitPerMinute: getEnvInt("PSYTOOLS_RATE_LIMIT_PER_MINUTE", 600),
		},
		Report: ReportConfig{
			FanOutLimit:   getEnvInt("PSYTOOLS_REPORT_FANOUT", 4),
			MaxPeriodDays: getEnvInt("PSYTOOLS_REPORT_MAX_PERIOD_DAYS", 365),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("PSYTOOLS_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("PSYTOOLS_METRICS_ENABLED", true),
			OTel: observability.OTelConfig{
				Enabled:        getEnvBool("PSYTOOLS_OTEL_ENABLED", false),
				Endpoint:       getEnv("PSYTOOLS_OTEL_ENDPOINT", "localhost:4317"),
				ServiceName:    getEnv("PSYTOOLS_OTEL_SERVICE_NAME", "psytools-server"),
				ServiceVersion: getEnv("PSYTOOLS_OTEL_SERVICE_VERSION", "1.0.0"),
				Insecure:       getEnvBool("PSYTOOLS_OTEL_INSECURE", true),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	switch c.Auth.GrantDuplicates {
	case "independent", "merge":
	default:
		return fmt.Errorf("invalid grant duplicate policy: %s (must be independent or merge)", c.Auth.GrantDuplicates)
	}

	switch c.Files.Backend {
	case "filesystem":
		if c.Files.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem file backend")
		}
	case "s3":
		if c.Files.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 file backend")
		}
	default:
		return fmt.Errorf("invalid file backend: %s (must be filesystem or s3)", c.Files.Backend)
	}

	if c.Report.FanOutLimit < 1 {
		return fmt.Errorf("report fan-out limit must be at least 1")
	}
	if c.Report.MaxPeriodDays < 1 {
		return fmt.Errorf("report max period days must be at least 1")
	}

	if c.Observability.OTel.Enabled && c.Observability.OTel.Endpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
