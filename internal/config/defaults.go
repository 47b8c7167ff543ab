package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultCacheTTL          = "5s"
	defaultSweepInterval     = "30s"
	defaultNamespace         = "tillsync"
	defaultFailureThreshold  = 5
	defaultSuccessThreshold  = 2
	defaultBreakerTimeout    = "60s"
	defaultRequestsPerSecond = 20
	defaultDuplicateWindow   = "500ms"
	defaultBatchWindow       = "1s"
	defaultBatchDelay        = "800ms"
	defaultBatchMinDelta     = 1
	defaultProbeAddress      = "1.1.1.1:443"
	defaultProbeInterval     = "10s"
	defaultDebounce          = "300ms"
	defaultSettleDelay       = "2s"
	defaultTransport         = "wifi"
	defaultConflictStrategy  = "merge"
	defaultReplayWorkers     = 4
	defaultSyncInterval      = "0"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultLogRetentionDays  = 30
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"
)

// defaultCollections are subscribed when the config names none.
var defaultCollections = []string{"items", "receipts"}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL:           defaultCacheTTL,
			SweepInterval: defaultSweepInterval,
			Namespace:     defaultNamespace,
		},
		Breaker: BreakerConfig{
			FailureThreshold: defaultFailureThreshold,
			SuccessThreshold: defaultSuccessThreshold,
			Timeout:          defaultBreakerTimeout,
		},
		Remote: RemoteConfig{
			RequestsPerSecond: defaultRequestsPerSecond,
			Collections:       append([]string(nil), defaultCollections...),
		},
		Subscription: SubscriptionConfig{
			DuplicateWindow: defaultDuplicateWindow,
			BatchWindow:     defaultBatchWindow,
			BatchDelay:      defaultBatchDelay,
			BatchMinDelta:   defaultBatchMinDelta,
		},
		Connection: ConnectionConfig{
			ProbeAddress:  defaultProbeAddress,
			ProbeInterval: defaultProbeInterval,
			Debounce:      defaultDebounce,
			SettleDelay:   defaultSettleDelay,
			Transport:     defaultTransport,
		},
		Sync: SyncConfig{
			ConflictStrategy: defaultConflictStrategy,
			ReplayWorkers:    defaultReplayWorkers,
			Interval:         defaultSyncInterval,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
