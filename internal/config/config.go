// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConns       int    `yaml:"max_conns"`
	MigrationsPath string `yaml:"migrations_path"`
	MigrateOnBoot  bool   `yaml:"migrate_on_boot"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type WebhookConfig struct {
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	Secret          string        `yaml:"secret"` // HMAC secret; empty disables verification (dev only)
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimit       int           `yaml:"rate_limit"` // requests per window per source
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type AdminConfig struct {
	Port       int           `yaml:"port"`
	JWTSecret  string        `yaml:"jwt_secret"`
	Password   string        `yaml:"password"` // operator login password
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type ReconcileConfig struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"` // base backoff, doubled per attempt
	StaleAfter     time.Duration `yaml:"stale_after"`   // processing claims older than this are re-swept
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Admin     AdminConfig     `yaml:"admin"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Database.MigrationsPath == "" {
		cfg.Database.MigrationsPath = "migrations"
	}
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8081
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/api/v1/webhooks/provider"
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 256 * 1024
	}
	if cfg.Webhook.RateLimit <= 0 {
		cfg.Webhook.RateLimit = 120
	}
	if cfg.Webhook.RateLimitWindow <= 0 {
		cfg.Webhook.RateLimitWindow = time.Minute
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Admin.SessionTTL <= 0 {
		cfg.Admin.SessionTTL = 30 * time.Minute
	}
	if cfg.Reconcile.Workers <= 0 {
		cfg.Reconcile.Workers = 8
	}
	if cfg.Reconcile.MaxAttempts <= 0 {
		cfg.Reconcile.MaxAttempts = 5
	}
	if cfg.Reconcile.AttemptTimeout <= 0 {
		cfg.Reconcile.AttemptTimeout = 30 * time.Second
	}
	if cfg.Reconcile.RetryInterval <= 0 {
		cfg.Reconcile.RetryInterval = 2 * time.Minute
	}
	if cfg.Reconcile.RetryBackoff <= 0 {
		cfg.Reconcile.RetryBackoff = time.Minute
	}
	if cfg.Reconcile.StaleAfter <= 0 {
		cfg.Reconcile.StaleAfter = 10 * time.Minute
	}
	if cfg.Reconcile.ExpiryInterval <= 0 {
		cfg.Reconcile.ExpiryInterval = time.Hour
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Admin.JWTSecret == "" {
		return nil, errors.New("admin.jwt_secret is required")
	}
	if cfg.Webhook.Secret == "" && !dev {
		return nil, errors.New("webhook.secret is required outside dev mode")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
