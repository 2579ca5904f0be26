package extension

import "time"

// Config holds the Balance extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.balance" or "balance" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for balance routes (default: "/balance").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// LockTimeout bounds how long a transaction waits for a row or write
	// lock before failing with a concurrency conflict (default: 5s).
	LockTimeout time.Duration `json:"lock_timeout" mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// RefundMaxAttempts is the attempt budget of RefundWithRetry (default: 3).
	RefundMaxAttempts int `json:"refund_max_attempts" mapstructure:"refund_max_attempts" yaml:"refund_max_attempts"`

	// RefundBaseDelay is the linear backoff step between refund attempts
	// (default: 500ms).
	RefundBaseDelay time.Duration `json:"refund_base_delay" mapstructure:"refund_base_delay" yaml:"refund_base_delay"`

	// OrderTTL gives new orders an expiry deadline. Zero disables it.
	OrderTTL time.Duration `json:"order_ttl" mapstructure:"order_ttl" yaml:"order_ttl"`

	// SweepInterval is how often stale orders are expired. Zero disables
	// the sweeper.
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// SweepBatch caps how many orders one sweep expires (default: 100).
	SweepBatch int `json:"sweep_batch" mapstructure:"sweep_batch" yaml:"sweep_batch"`

	// RedisAddr enables the Redis leader lock for the sweeper so only one
	// instance sweeps at a time.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// KafkaBrokers enables publishing of committed events to Kafka.
	KafkaBrokers []string `json:"kafka_brokers" mapstructure:"kafka_brokers" yaml:"kafka_brokers"`

	// KafkaTopics remaps event types to topic names.
	KafkaTopics map[string]string `json:"kafka_topics" mapstructure:"kafka_topics" yaml:"kafka_topics"`

	// EnableMetrics registers the Prometheus metrics plugin on the default
	// registry.
	EnableMetrics bool `json:"enable_metrics" mapstructure:"enable_metrics" yaml:"enable_metrics"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and auto-constructs
	// the appropriate store based on the driver type (pg/sqlite/mongo).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/balance",
		LockTimeout:       5 * time.Second,
		RefundMaxAttempts: 3,
		RefundBaseDelay:   500 * time.Millisecond,
		SweepBatch:        100,
	}
}
