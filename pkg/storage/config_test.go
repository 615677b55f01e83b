package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20, cfg.PostgresMaxConns)
	assert.False(t, cfg.RedisEnabled())
	assert.Error(t, cfg.Validate(), "postgres URL has no default")
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.PostgresURL = "postgres://localhost/dealerops"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "with redis", mutate: func(c *Config) { c.RedisURL = "redis://localhost:6379/0" }},
		{name: "missing url", mutate: func(c *Config) { c.PostgresURL = "" }, wantErr: "postgres URL is required"},
		{name: "zero max conns", mutate: func(c *Config) { c.PostgresMaxConns = 0 }, wantErr: "must be positive"},
		{name: "min above max", mutate: func(c *Config) { c.PostgresMinConns = 50 }, wantErr: "exceeds max"},
		{name: "bad redis scheme", mutate: func(c *Config) { c.RedisURL = "localhost:6379" }, wantErr: "redis://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
