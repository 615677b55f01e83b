package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/dealerops/pkg/observability"
	"github.com/platinummonkey/dealerops/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Authorization engine configuration
	Authz AuthzConfig

	// Observability configuration
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
}

// AuthzConfig holds snapshot caching, catalog and audit settings
type AuthzConfig struct {
	// SnapshotTTL bounds how stale a cached snapshot may be
	SnapshotTTL       time.Duration
	SnapshotCacheSize int
	LoadTimeout       time.Duration

	// RefreshSchedule is a cron expression for reloading every cached
	// snapshot. Empty disables scheduled refresh.
	RefreshSchedule string

	CatalogPath  string
	CatalogWatch bool

	InvalidationChannel string

	AuditLogPath  string
	AuditDatabase bool
	// AuditAsync writes audit sinks in the background; when false every
	// decision waits for its audit record.
	AuditAsync bool

	// CheckRateLimit caps permission checks per subject per minute.
	// Zero disables the limit.
	CheckRateLimit int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Authz:         loadAuthzConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("DEALEROPS_HOST", "0.0.0.0"),
		Port:            getEnv("DEALEROPS_PORT", "8080"),
		ReadTimeout:     getEnvDuration("DEALEROPS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("DEALEROPS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("DEALEROPS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("DEALEROPS_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("DEALEROPS_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("DEALEROPS_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("DEALEROPS_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("DEALEROPS_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("DEALEROPS_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("DEALEROPS_POSTGRES_TIMEOUT", cfg.PostgresTimeout)

	cfg.RedisURL = getEnv("DEALEROPS_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("DEALEROPS_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("DEALEROPS_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("DEALEROPS_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	return cfg
}

func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		SnapshotTTL:         getEnvDuration("DEALEROPS_SNAPSHOT_TTL", 30*time.Second),
		SnapshotCacheSize:   getEnvInt("DEALEROPS_SNAPSHOT_CACHE_SIZE", 10000),
		LoadTimeout:         getEnvDuration("DEALEROPS_SNAPSHOT_LOAD_TIMEOUT", 5*time.Second),
		RefreshSchedule:     getEnv("DEALEROPS_REFRESH_SCHEDULE", "@every 5m"),
		CatalogPath:         getEnv("DEALEROPS_CATALOG_PATH", ""),
		CatalogWatch:        getEnvBool("DEALEROPS_CATALOG_WATCH", true),
		InvalidationChannel: getEnv("DEALEROPS_INVALIDATION_CHANNEL", "dealerops:rbac:invalidate"),
		AuditLogPath:        getEnv("DEALEROPS_AUDIT_LOG_PATH", "/var/log/dealerops/audit"),
		AuditDatabase:       getEnvBool("DEALEROPS_AUDIT_DATABASE", false),
		AuditAsync:          getEnvBool("DEALEROPS_AUDIT_ASYNC", true),
		CheckRateLimit:      getEnvInt("DEALEROPS_CHECK_RATE_LIMIT", 600),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("DEALEROPS_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("DEALEROPS_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("DEALEROPS_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("DEALEROPS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("DEALEROPS_OTEL_SERVICE_NAME", "dealerops-authz"),
		OTelServiceVersion: getEnv("DEALEROPS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("DEALEROPS_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("DEALEROPS_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
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

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Authz.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshot TTL must be positive")
	}
	if c.Authz.SnapshotCacheSize <= 0 {
		return fmt.Errorf("snapshot cache size must be positive")
	}
	if c.Authz.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Authz.RefreshSchedule); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", c.Authz.RefreshSchedule, err)
		}
	}
	if c.Authz.CheckRateLimit < 0 {
		return fmt.Errorf("check rate limit must not be negative")
	}
	if c.Authz.InvalidationChannel == "" && c.Storage.RedisEnabled() {
		return fmt.Errorf("invalidation channel is required when redis is configured")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
