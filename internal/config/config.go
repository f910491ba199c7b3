// Package config содержит логику чтения конфигурации сервиса мерч-магазина.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

const defaultStripeAPIBase = "https://api.stripe.com"

// Config содержит параметры конфигурации сервиса мерч-магазина.
// Отсутствие SiteBaseURL или StripeSecretKey не фатально на старте:
// endpoint создания checkout-сессии в этом случае отвечает 500.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	SiteBaseURL         string `env:"SITE_BASE_URL"`
	CatalogURL          string `env:"CATALOG_URL"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBase       string `env:"STRIPE_API_BASE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSiteBaseURL := cfg.SiteBaseURL
	envCatalogURL := cfg.CatalogURL
	envSecretKey := cfg.StripeSecretKey
	envWebhookSecret := cfg.StripeWebhookSecret
	envAPIBase := cfg.StripeAPIBase

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SiteBaseURL, "b", "", "absolute site base URL")
	flag.StringVar(&cfg.CatalogURL, "c", "", "product catalog feed URL")
	flag.StringVar(&cfg.StripeSecretKey, "k", "", "payment provider secret key")
	flag.StringVar(&cfg.StripeWebhookSecret, "w", "", "payment provider webhook secret")
	flag.StringVar(&cfg.StripeAPIBase, "s", defaultStripeAPIBase, "payment provider API base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSiteBaseURL != "" {
		cfg.SiteBaseURL = envSiteBaseURL
	}
	if envCatalogURL != "" {
		cfg.CatalogURL = envCatalogURL
	}
	if envSecretKey != "" {
		cfg.StripeSecretKey = envSecretKey
	}
	if envWebhookSecret != "" {
		cfg.StripeWebhookSecret = envWebhookSecret
	}
	if envAPIBase != "" {
		cfg.StripeAPIBase = envAPIBase
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StripeAPIBase == "" {
		cfg.StripeAPIBase = defaultStripeAPIBase
	}

	return cfg, nil
}
