// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for tillsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is optional; unset fields keep their defaults.
type Config struct {
	Store        StoreConfig        `toml:"store"`
	Cache        CacheConfig        `toml:"cache"`
	Breaker      BreakerConfig      `toml:"breaker"`
	Remote       RemoteConfig       `toml:"remote"`
	Subscription SubscriptionConfig `toml:"subscription"`
	Connection   ConnectionConfig   `toml:"connection"`
	Sync         SyncConfig         `toml:"sync"`
	Logging      LoggingConfig      `toml:"logging"`
	Network      NetworkConfig      `toml:"network"`
}

// StoreConfig locates the local SQLite database. An empty path resolves to
// tillsync.db under the platform data directory.
type StoreConfig struct {
	Path string `toml:"path"`
}

// CacheConfig controls the read deduplicator and the persisted snapshot cache.
type CacheConfig struct {
	TTL           string `toml:"ttl"`
	SweepInterval string `toml:"sweep_interval"`
	SnapshotPath  string `toml:"snapshot_path"`
	Namespace     string `toml:"namespace"`
}

// BreakerConfig holds the circuit breaker thresholds applied to every
// remote operation class.
type BreakerConfig struct {
	FailureThreshold int    `toml:"failure_threshold"`
	SuccessThreshold int    `toml:"success_threshold"`
	Timeout          string `toml:"timeout"`
}

// RemoteConfig points at the shared document store.
type RemoteConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIToken          string   `toml:"api_token"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Collections       []string `toml:"collections"`
}

// SubscriptionConfig tunes snapshot debouncing and the default query used
// for live subscriptions.
type SubscriptionConfig struct {
	DuplicateWindow string `toml:"duplicate_window"`
	BatchWindow     string `toml:"batch_window"`
	BatchDelay      string `toml:"batch_delay"`
	BatchMinDelta   int    `toml:"batch_min_delta"`
	OrderBy         string `toml:"order_by"`
	Limit           int    `toml:"limit"`
}

// ConnectionConfig controls reachability probing and quality classification.
// Transport and CellularGeneration describe the link the probe reports,
// since a dial cannot observe them.
type ConnectionConfig struct {
	ProbeAddress       string `toml:"probe_address"`
	ProbeInterval      string `toml:"probe_interval"`
	Debounce           string `toml:"debounce"`
	SettleDelay        string `toml:"settle_delay"`
	Transport          string `toml:"transport"`
	CellularGeneration string `toml:"cellular_generation"`
}

// SyncConfig controls queue replay and conflict handling.
type SyncConfig struct {
	ConflictStrategy string `toml:"conflict_strategy"`
	ReplayWorkers    int    `toml:"replay_workers"`
	Interval         string `toml:"interval"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	StorePath  *string // --db flag
	RemoteURL  *string // --remote flag
}
