package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minReplayWorkers   = 1
	maxReplayWorkers   = 32
	minLogRetention    = 1
	minThreshold       = 1
	minBreakerTimeout  = 1 * time.Second
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
	minSyncInterval    = 5 * time.Second
	minProbeInterval   = 1 * time.Second
	maxSubscriptionCap = 10_000
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateBreaker(&cfg.Breaker)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateSubscription(&cfg.Subscription)...)
	errs = append(errs, validateConnection(&cfg.Connection)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("cache.ttl", c.TTL, time.Millisecond)...)
	errs = append(errs, validateDurationMin("cache.sweep_interval", c.SweepInterval, time.Second)...)

	if c.Namespace == "" {
		errs = append(errs, errors.New("cache.namespace: must not be empty"))
	}

	return errs
}

func validateBreaker(b *BreakerConfig) []error {
	var errs []error

	if b.FailureThreshold < minThreshold {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold: must be >= %d, got %d",
			minThreshold, b.FailureThreshold))
	}

	if b.SuccessThreshold < minThreshold {
		errs = append(errs, fmt.Errorf("breaker.success_threshold: must be >= %d, got %d",
			minThreshold, b.SuccessThreshold))
	}

	errs = append(errs, validateDurationMin("breaker.timeout", b.Timeout, minBreakerTimeout)...)

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.BaseURL != "" {
		u, err := url.Parse(r.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url: must be an absolute http(s) URL, got %q", r.BaseURL))
		}
	}

	if r.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("remote.requests_per_second: must be >= 0, got %g", r.RequestsPerSecond))
	}

	seen := make(map[string]bool, len(r.Collections))

	for _, c := range r.Collections {
		if c == "" {
			errs = append(errs, errors.New("remote.collections: collection names must not be empty"))
			continue
		}

		if seen[c] {
			errs = append(errs, fmt.Errorf("remote.collections: duplicate collection %q", c))
		}

		seen[c] = true
	}

	return errs
}

func validateSubscription(s *SubscriptionConfig) []error {
	var errs []error

	errs = append(errs, validateDurationNonNeg("subscription.duplicate_window", s.DuplicateWindow)...)
	errs = append(errs, validateDurationNonNeg("subscription.batch_window", s.BatchWindow)...)
	errs = append(errs, validateDurationNonNeg("subscription.batch_delay", s.BatchDelay)...)

	if s.BatchMinDelta < 1 {
		errs = append(errs, fmt.Errorf("subscription.batch_min_delta: must be >= 1, got %d", s.BatchMinDelta))
	}

	if s.Limit < 0 || s.Limit > maxSubscriptionCap {
		errs = append(errs, fmt.Errorf("subscription.limit: must be between 0 and %d, got %d",
			maxSubscriptionCap, s.Limit))
	}

	return errs
}

var validTransports = map[string]bool{
	"wifi":     true,
	"ethernet": true,
	"cellular": true,
	"unknown":  true,
}

var validGenerations = map[string]bool{
	"":   true,
	"2g": true,
	"3g": true,
	"4g": true,
	"5g": true,
}

func validateConnection(c *ConnectionConfig) []error {
	var errs []error

	if c.ProbeAddress != "" {
		if _, _, err := net.SplitHostPort(c.ProbeAddress); err != nil {
			errs = append(errs, fmt.Errorf("connection.probe_address: must be host:port, got %q", c.ProbeAddress))
		}
	}

	errs = append(errs, validateDurationMin("connection.probe_interval", c.ProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationNonNeg("connection.debounce", c.Debounce)...)
	errs = append(errs, validateDurationNonNeg("connection.settle_delay", c.SettleDelay)...)

	if !validTransports[c.Transport] {
		errs = append(errs, fmt.Errorf("connection.transport: must be one of wifi, ethernet, cellular, unknown; got %q",
			c.Transport))
	}

	if !validGenerations[c.CellularGeneration] {
		errs = append(errs, fmt.Errorf("connection.cellular_generation: must be one of 2g, 3g, 4g, 5g; got %q",
			c.CellularGeneration))
	}

	return errs
}

var validConflictStrategies = map[string]bool{
	"server-wins": true,
	"client-wins": true,
	"newest-wins": true,
	"merge":       true,
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if !validConflictStrategies[s.ConflictStrategy] {
		errs = append(errs, fmt.Errorf(
			"sync.conflict_strategy: must be one of server-wins, client-wins, newest-wins, merge; got %q",
			s.ConflictStrategy))
	}

	if s.ReplayWorkers < minReplayWorkers || s.ReplayWorkers > maxReplayWorkers {
		errs = append(errs, fmt.Errorf("sync.replay_workers: must be between %d and %d, got %d",
			minReplayWorkers, maxReplayWorkers, s.ReplayWorkers))
	}

	// "0" disables periodic sync; reconnect signals still trigger one.
	if s.Interval != "0" {
		errs = append(errs, validateDurationMin("sync.interval", s.Interval, minSyncInterval)...)
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

// Duration parses a validated duration string. Values that fail to parse
// (which Validate rejects) fall back to the given default.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return d
}
