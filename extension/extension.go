// Package extension provides the Forge extension adapter for the balance
// ledger.
//
// It implements the forge.Extension interface to integrate the ledger into
// a Forge application with grove store discovery, DI registration, HTTP
// route mounting and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.balance" or "balance" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/balance"
	"github.com/xraph/balance/admin"
	"github.com/xraph/balance/api"
	"github.com/xraph/balance/kafkapub"
	"github.com/xraph/balance/observability"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/store/memory"
	"github.com/xraph/balance/store/mongo"
	"github.com/xraph/balance/store/postgres"
	"github.com/xraph/balance/store/sqlite"
	"github.com/xraph/balance/sweep"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "balance"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Balance ledger and order settlement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the balance ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *balance.Ledger
	admin      *admin.Service
	store      store.Store
	redis      *redis.Client
	ledgerOpts []balance.Option
	useGrove   bool
}

// New creates a new balance Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying ledger.
// This is nil until Register is called.
func (e *Extension) Engine() *balance.Ledger { return e.engine }

// Admin returns the admin adjustment service.
func (e *Extension) Admin() *admin.Service { return e.admin }

// Register implements [forge.Extension]. It loads configuration, resolves
// the store, builds the ledger, mounts the HTTP routes and registers the
// ledger in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.resolveStore(fapp)
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildLedgerOpts()
	if err != nil {
		return err
	}

	e.engine = balance.New(e.store, opts...)
	e.admin = admin.NewService(e.engine)

	if !e.config.DisableRoutes {
		h := api.NewHandler(e.engine, e.admin)
		if err := fapp.Router().Handle(e.config.BasePath, api.NewRouter(h, e.config.BasePath)); err != nil {
			return fmt.Errorf("balance: mount routes: %w", err)
		}
	}

	if err := vessel.Provide(fapp.Container(), func() (*balance.Ledger, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	return vessel.Provide(fapp.Container(), func() (*admin.Service, error) {
		return e.admin, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("balance: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	var err error
	if e.engine != nil {
		err = e.engine.Stop()
	}
	if e.redis != nil {
		err = errors.Join(err, e.redis.Close())
	}
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("balance: store not initialized")
	}
	return e.store.Ping(ctx)
}

// resolveStore builds a store from the grove.DB in the container, or an
// in-memory store when no grove database was requested.
func (e *Extension) resolveStore(fapp forge.App) (store.Store, error) {
	if !e.useGrove && e.config.GroveDatabase == "" {
		e.Logger().Warn("balance: no store configured, using in-memory store")
		return memory.New(), nil
	}

	var (
		db  *grove.DB
		err error
	)
	if e.config.GroveDatabase != "" {
		db, err = vessel.InjectNamed[*grove.DB](fapp.Container(), e.config.GroveDatabase)
	} else {
		db, err = vessel.Inject[*grove.DB](fapp.Container())
	}
	if err != nil {
		return nil, fmt.Errorf("balance: resolve grove database %q: %w", e.config.GroveDatabase, err)
	}

	driver := db.Driver().Name()
	e.Logger().Debug("balance: using grove store",
		forge.F("database", e.config.GroveDatabase),
		forge.F("driver", driver),
	)

	switch driver {
	case "pg":
		return postgres.New(db, postgres.WithLockTimeout(e.config.LockTimeout)), nil
	case "sqlite":
		return sqlite.New(db, sqlite.WithBusyTimeout(e.config.LockTimeout)), nil
	case "mongo":
		return mongo.New(db), nil
	default:
		return nil, fmt.Errorf("balance: unsupported grove driver %q", driver)
	}
}

// buildLedgerOpts constructs balance.Option values from the resolved config.
func (e *Extension) buildLedgerOpts() ([]balance.Option, error) {
	opts := make([]balance.Option, 0, len(e.ledgerOpts)+6)

	opts = append(opts, balance.WithRefundRetry(e.config.RefundMaxAttempts, e.config.RefundBaseDelay))

	if e.config.DisableMigrate {
		opts = append(opts, balance.WithoutMigrate())
	}

	if e.config.OrderTTL > 0 {
		opts = append(opts, balance.WithOrderTTL(e.config.OrderTTL))
	}

	if e.config.SweepInterval > 0 {
		var locker sweep.Locker
		if e.config.RedisAddr != "" {
			e.redis = redis.NewClient(&redis.Options{Addr: e.config.RedisAddr})
			locker = sweep.NewRedisLocker(e.redis)
		}
		opts = append(opts, balance.WithExpirySweep(e.config.SweepInterval, e.config.SweepBatch, locker))
	}

	if e.config.EnableMetrics {
		factory := observability.NewPrometheusFactory(ExtensionName, nil)
		opts = append(opts, balance.WithPlugin(observability.NewMetricsExtension(factory)))
	}

	if len(e.config.KafkaBrokers) > 0 {
		pub, err := kafkapub.NewKafka(e.config.KafkaBrokers, kafkapub.WithTopics(e.config.KafkaTopics))
		if err != nil {
			return nil, err
		}
		opts = append(opts, balance.WithPlugin(pub))
	}

	// Append any pass-through ledger options.
	opts = append(opts, e.ledgerOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("balance: configuration is required but not found in config files; " +
				"ensure 'extensions.balance' or 'balance' key exists in your config")
		}
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("balance: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("lock_timeout", e.config.LockTimeout),
		forge.F("refund_max_attempts", e.config.RefundMaxAttempts),
		forge.F("order_ttl", e.config.OrderTTL),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("grove_database", e.config.GroveDatabase),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.balance", "balance"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("balance: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("balance: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}
	if cfg.RefundMaxAttempts == 0 {
		cfg.RefundMaxAttempts = defaults.RefundMaxAttempts
	}
	if cfg.RefundBaseDelay == 0 {
		cfg.RefundBaseDelay = defaults.RefundBaseDelay
	}
	if cfg.SweepBatch == 0 {
		cfg.SweepBatch = defaults.SweepBatch
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.EnableMetrics {
		yamlConfig.EnableMetrics = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.GroveDatabase == "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}
	if yamlConfig.RedisAddr == "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
	}
	if len(yamlConfig.KafkaBrokers) == 0 {
		yamlConfig.KafkaBrokers = programmaticConfig.KafkaBrokers
	}
	if len(yamlConfig.KafkaTopics) == 0 {
		yamlConfig.KafkaTopics = programmaticConfig.KafkaTopics
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.LockTimeout == 0 {
		yamlConfig.LockTimeout = programmaticConfig.LockTimeout
	}
	if yamlConfig.RefundMaxAttempts == 0 {
		yamlConfig.RefundMaxAttempts = programmaticConfig.RefundMaxAttempts
	}
	if yamlConfig.RefundBaseDelay == 0 {
		yamlConfig.RefundBaseDelay = programmaticConfig.RefundBaseDelay
	}
	if yamlConfig.OrderTTL == 0 {
		yamlConfig.OrderTTL = programmaticConfig.OrderTTL
	}
	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.SweepBatch == 0 {
		yamlConfig.SweepBatch = programmaticConfig.SweepBatch
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
