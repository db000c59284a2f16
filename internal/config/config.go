// Package config содержит логику чтения конфигурации сервиса погашения QR-кодов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS" toml:"run_address"`
	DatabaseURI string `env:"DATABASE_URI" toml:"database_uri"`
	AuthSecret  string `env:"AUTH_SECRET" toml:"auth_secret"`
	ConfigFile  string `env:"CONFIG_FILE" toml:"-"`

	// StepTimeout ограничивает каждый шаг погашения, обращающийся к хранилищу.
	StepTimeout time.Duration `env:"STEP_TIMEOUT" toml:"step_timeout"`
	// MaxRedemptionsPerCustomer задаёт, сколько раз один клиент может погасить один код, 0 означает без ограничений.
	MaxRedemptionsPerCustomer int `env:"MAX_REDEMPTIONS_PER_CUSTOMER" toml:"max_redemptions_per_customer"`
	// BusinessFallback разрешает погашение по одному идентификатору заведения через код по умолчанию.
	BusinessFallback bool  `env:"BUSINESS_FALLBACK" toml:"business_fallback"`
	FallbackPoints   int64 `env:"FALLBACK_POINTS" toml:"fallback_points"`

	HistoryLimit      int    `env:"HISTORY_LIMIT" toml:"history_limit"`
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE" toml:"reconcile_schedule"`
}

// Значения по умолчанию.
const (
	DefaultRunAddress        = "localhost:8080"
	DefaultStepTimeout       = 5 * time.Second
	DefaultFallbackPoints    = 10
	DefaultHistoryLimit      = 10
	DefaultReconcileSchedule = "@every 10m"
)

// Parse считывает конфигурацию. Приоритет: переменные окружения, флаги, TOML-файл, значения по умолчанию.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", DefaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret used to verify auth cookies")
	flag.StringVar(&cfg.ConfigFile, "c", "", "path to TOML config file")
	flag.DurationVar(&cfg.StepTimeout, "t", DefaultStepTimeout, "timeout of a single redemption step")
	flag.IntVar(&cfg.MaxRedemptionsPerCustomer, "m", 0, "max redemptions of one code per customer (0 = unlimited)")
	flag.BoolVar(&cfg.BusinessFallback, "fallback", true, "allow redemption by business id via default code")
	flag.Int64Var(&cfg.FallbackPoints, "fallback-points", DefaultFallbackPoints, "points of business default code")
	flag.IntVar(&cfg.HistoryLimit, "history", DefaultHistoryLimit, "recent history size")
	flag.StringVar(&cfg.ReconcileSchedule, "reconcile", DefaultReconcileSchedule, "ledger reconciliation cron schedule, empty to disable")

	flag.Parse()

	configFile := cfg.ConfigFile
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		configFile = v
	}
	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("decode config file: %w", err)
		}
		// Флаги командной строки важнее файла.
		if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
			return nil, fmt.Errorf("parse flags: %w", err)
		}
		cfg.ConfigFile = configFile
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = DefaultRunAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	var errs []error
	if c.StepTimeout <= 0 {
		errs = append(errs, errors.New("step timeout must be positive"))
	}
	if c.MaxRedemptionsPerCustomer < 0 {
		errs = append(errs, errors.New("max redemptions per customer must not be negative"))
	}
	if c.FallbackPoints < 0 {
		errs = append(errs, errors.New("fallback points must not be negative"))
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > DefaultHistoryLimit {
		errs = append(errs, fmt.Errorf("history limit must be within 1..%d", DefaultHistoryLimit))
	}
	return errors.Join(errs...)
}
