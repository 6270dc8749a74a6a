// Package config содержит логику чтения конфигурации сервиса купонов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса купонов.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	NotifyAddress       string        `env:"NOTIFY_ADDRESS"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	MaterializeInterval time.Duration `env:"MATERIALIZE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress
	envAuthSecret := cfg.AuthSecret
	envInterval := cfg.MaterializeInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "change notification sink address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.DurationVar(&cfg.MaterializeInterval, "i", time.Minute, "schedule materializer tick interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envInterval != 0 {
		cfg.MaterializeInterval = envInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "voucherd-secret"
	}
	if cfg.MaterializeInterval <= 0 {
		cfg.MaterializeInterval = time.Minute
	}

	return cfg, nil
}
