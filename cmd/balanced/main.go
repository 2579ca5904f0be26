// Command balanced runs the balance ledger as a standalone HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/balance"
	"github.com/xraph/balance/admin"
	"github.com/xraph/balance/api"
	audithook "github.com/xraph/balance/audit_hook"
	"github.com/xraph/balance/kafkapub"
	"github.com/xraph/balance/observability"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/store/memory"
	"github.com/xraph/balance/store/mongo"
	"github.com/xraph/balance/store/postgres"
	"github.com/xraph/balance/store/sqlite"
	"github.com/xraph/balance/sweep"
)

func main() {
	configPath := flag.String("config", "configs/balanced.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("balanced exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)

	st, err := openStore(ctx, &cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []balance.Option{
		balance.WithLogger(logger),
		balance.WithRefundRetry(cfg.Ledger.RefundMaxAttempts, cfg.Ledger.RefundBaseDelay),
		balance.WithOrderTTL(cfg.Ledger.OrderTTL),
		balance.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory("balance", reg))),
		balance.WithPlugin(audithook.New(slogRecorder(logger), audithook.WithLogger(logger))),
	}
	if !cfg.migrate() {
		opts = append(opts, balance.WithoutMigrate())
	}

	var rdb *redis.Client
	if cfg.Ledger.SweepInterval > 0 {
		var locker sweep.Locker
		if cfg.Redis.Addr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			locker = sweep.NewRedisLocker(rdb)
		}
		opts = append(opts, balance.WithExpirySweep(cfg.Ledger.SweepInterval, cfg.Ledger.SweepBatch, locker))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafkapub.NewKafka(cfg.Kafka.Brokers,
			kafkapub.WithTopics(cfg.Kafka.Topics),
			kafkapub.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		opts = append(opts, balance.WithPlugin(pub))
	}

	l := balance.New(st, opts...)
	if err := l.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Stop(); err != nil {
			logger.Error("stop ledger", "error", err)
		}
	}()

	adminSvc := admin.NewService(l, admin.WithLogger(logger))
	handler := api.NewHandler(l, adminSvc, api.WithLogger(logger))

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Mount("/", api.NewRouter(handler, cfg.HTTP.BasePath))

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr, "base_path", cfg.HTTP.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}

// openStore connects the configured grove driver and wraps it in the
// matching store.
func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	var drv grove.GroveDriver
	switch cfg.Database.Driver {
	case "memory":
		return memory.New(), nil
	case "pg":
		pg := pgdriver.New()
		if err := pg.Open(ctx, cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		drv = pg
	case "sqlite":
		lite := sqlitedriver.New()
		if err := lite.Open(ctx, cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		drv = lite
	case "mongo":
		var mopts []mongodriver.MongoOption
		if cfg.Database.Name != "" {
			mopts = append(mopts, mongodriver.WithDatabase(cfg.Database.Name))
		}
		m := mongodriver.New()
		if err := m.Open(ctx, cfg.Database.DSN, mopts...); err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		drv = m
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	db, err := grove.Open(drv)
	if err != nil {
		return nil, err
	}
	switch cfg.Database.Driver {
	case "pg":
		return postgres.New(db, postgres.WithLockTimeout(cfg.Database.LockTimeout)), nil
	case "sqlite":
		return sqlite.New(db, sqlite.WithBusyTimeout(cfg.Database.LockTimeout)), nil
	default:
		return mongo.New(db), nil
	}
}

// slogRecorder writes audit events to the structured log.
func slogRecorder(logger *slog.Logger) audithook.Recorder {
	return audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}
