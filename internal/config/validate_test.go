package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invalidEnumStr = "invalid-value"

func validConfig() *Config {
	return DefaultConfig()
}

func TestValidate_ValidDefaults(t *testing.T) {
	err := Validate(validConfig())
	assert.NoError(t, err)
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ttl unparsable", func(c *Config) { c.Cache.TTL = "soon" }, "cache.ttl"},
		{"empty namespace", func(c *Config) { c.Cache.Namespace = "" }, "cache.namespace"},
		{"failure threshold zero", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"success threshold zero", func(c *Config) { c.Breaker.SuccessThreshold = 0 }, "breaker.success_threshold"},
		{"breaker timeout too short", func(c *Config) { c.Breaker.Timeout = "10ms" }, "breaker.timeout"},
		{"relative base url", func(c *Config) { c.Remote.BaseURL = "/api" }, "remote.base_url"},
		{"negative rate", func(c *Config) { c.Remote.RequestsPerSecond = -1 }, "remote.requests_per_second"},
		{"duplicate collection", func(c *Config) { c.Remote.Collections = []string{"items", "items"} }, "duplicate collection"},
		{"negative duplicate window", func(c *Config) { c.Subscription.DuplicateWindow = "-1s" }, "subscription.duplicate_window"},
		{"zero min delta", func(c *Config) { c.Subscription.BatchMinDelta = 0 }, "subscription.batch_min_delta"},
		{"limit too large", func(c *Config) { c.Subscription.Limit = 1_000_000 }, "subscription.limit"},
		{"probe address without port", func(c *Config) { c.Connection.ProbeAddress = "example.com" }, "connection.probe_address"},
		{"unknown transport", func(c *Config) { c.Connection.Transport = "carrier-pigeon" }, "connection.transport"},
		{"unknown generation", func(c *Config) { c.Connection.CellularGeneration = "6g" }, "connection.cellular_generation"},
		{"unknown strategy", func(c *Config) { c.Sync.ConflictStrategy = invalidEnumStr }, "sync.conflict_strategy"},
		{"too many workers", func(c *Config) { c.Sync.ReplayWorkers = 99 }, "sync.replay_workers"},
		{"interval too short", func(c *Config) { c.Sync.Interval = "1s" }, "sync.interval"},
		{"unknown log level", func(c *Config) { c.Logging.LogLevel = "verbose" }, "logging.log_level"},
		{"unknown log format", func(c *Config) { c.Logging.LogFormat = invalidEnumStr }, "logging.log_format"},
		{"zero retention", func(c *Config) { c.Logging.LogRetentionDays = 0 }, "logging.log_retention_days"},
		{"connect timeout too short", func(c *Config) { c.Network.ConnectTimeout = "1ms" }, "network.connect_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Breaker.FailureThreshold = 0
	cfg.Sync.ConflictStrategy = invalidEnumStr
	cfg.Logging.LogLevel = "loud"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaker.failure_threshold")
	assert.Contains(t, err.Error(), "sync.conflict_strategy")
	assert.Contains(t, err.Error(), "logging.log_level")
}

func TestValidate_AllConflictStrategies(t *testing.T) {
	for _, s := range []string{"server-wins", "client-wins", "newest-wins", "merge"} {
		cfg := validConfig()
		cfg.Sync.ConflictStrategy = s
		assert.NoError(t, Validate(cfg), s)
	}
}

func TestValidate_SyncIntervalZeroDisables(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Interval = "0"
	assert.NoError(t, Validate(cfg))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 800*time.Millisecond, Duration("800ms", time.Second))
	assert.Equal(t, time.Second, Duration("garbage", time.Second))
}
