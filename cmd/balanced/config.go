package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the balanced daemon configuration.
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		BasePath        string        `yaml:"base_path"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Database struct {
		// Driver is one of memory, pg, sqlite or mongo.
		Driver      string        `yaml:"driver"`
		DSN         string        `yaml:"dsn"`
		Name        string        `yaml:"name"`
		LockTimeout time.Duration `yaml:"lock_timeout"`
		Migrate     *bool         `yaml:"migrate"`
	} `yaml:"database"`

	Ledger struct {
		OrderTTL          time.Duration `yaml:"order_ttl"`
		RefundMaxAttempts int           `yaml:"refund_max_attempts"`
		RefundBaseDelay   time.Duration `yaml:"refund_base_delay"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		SweepBatch        int           `yaml:"sweep_batch"`
	} `yaml:"ledger"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Kafka struct {
		Brokers []string          `yaml:"brokers"`
		Topics  map[string]string `yaml:"topics"`
	} `yaml:"kafka"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.BasePath = "/balance"
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.Database.Driver = "memory"
	cfg.Database.LockTimeout = 5 * time.Second
	cfg.Ledger.RefundMaxAttempts = 3
	cfg.Ledger.RefundBaseDelay = 500 * time.Millisecond
	cfg.Ledger.SweepBatch = 100
	cfg.Log.Level = "info"
	return cfg
}

// LoadConfig reads path over the defaults. ${VAR} references are expanded
// from the environment before parsing. A missing file leaves the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory":
	case "pg", "sqlite", "mongo":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if !strings.HasPrefix(c.HTTP.BasePath, "/") {
		return fmt.Errorf("http.base_path must start with /")
	}
	if c.Ledger.RefundMaxAttempts < 1 {
		return fmt.Errorf("ledger.refund_max_attempts must be at least 1")
	}
	return nil
}

// migrate reports whether the schema should be migrated on start.
func (c *Config) migrate() bool {
	return c.Database.Migrate == nil || *c.Database.Migrate
}

func (c *Config) logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
