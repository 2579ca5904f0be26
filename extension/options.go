package extension

import (
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/plugin"
	"github.com/xraph/balance/store"
)

// Option configures the Balance Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedgerOption passes a balance.Option through to the underlying engine.
func WithLedgerOption(opt balance.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithPlugin registers a ledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, balance.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for balance routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithLockTimeout bounds lock waits in the grove-backed stores.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.LockTimeout = d }
}

// WithRefundRetry sets the refund attempt budget and backoff step.
func WithRefundRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(e *Extension) {
		e.config.RefundMaxAttempts = maxAttempts
		e.config.RefundBaseDelay = baseDelay
	}
}

// WithOrderTTL sets the expiry deadline given to new orders.
func WithOrderTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.OrderTTL = d }
}

// WithExpirySweep enables the stale order sweeper.
func WithExpirySweep(interval time.Duration, batch int) Option {
	return func(e *Extension) {
		e.config.SweepInterval = interval
		e.config.SweepBatch = batch
	}
}

// WithRedis enables the Redis sweeper lock at addr.
func WithRedis(addr string) Option {
	return func(e *Extension) { e.config.RedisAddr = addr }
}

// WithKafka publishes committed events to the given brokers.
func WithKafka(brokers ...string) Option {
	return func(e *Extension) { e.config.KafkaBrokers = brokers }
}

// WithMetrics registers the Prometheus metrics plugin.
func WithMetrics() Option {
	return func(e *Extension) { e.config.EnableMetrics = true }
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension will auto-construct the appropriate store backend (postgres/sqlite/mongo)
// based on the grove driver type. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}
