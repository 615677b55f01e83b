package storage

import (
	"fmt"
	"strings"
	"time"
)

// Config describes the policy store and the invalidation bus connections
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // comma-separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config. An empty RedisURL disables cross-instance invalidation.
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}

// Validate checks the storage settings
func (c Config) Validate() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.PostgresMaxConns <= 0 {
		return fmt.Errorf("postgres max connections must be positive")
	}
	if c.PostgresMinConns > c.PostgresMaxConns {
		return fmt.Errorf("postgres min connections (%d) exceeds max (%d)", c.PostgresMinConns, c.PostgresMaxConns)
	}
	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("redis URL must use the redis:// or rediss:// scheme")
	}
	return nil
}

// RedisEnabled reports whether a redis URL is configured
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}
