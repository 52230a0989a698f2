// Package config loads pacegroup settings from an optional YAML file and
// PACEGROUP_* environment variables, in that order of precedence (env
// wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mmynk/pacegroup/internal/calculator"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// PACEGROUP_STORE_BACKEND=redis.
const EnvPrefix = "PACEGROUP"

// Store backends. Memory state lives only as long as one process, so every
// CLI invocation starts empty with it; sqlite is the default.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Group   GroupConfig   `mapstructure:"group"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`

	// MaxTransactionRetries bounds compare-and-swap attempts per
	// transaction.
	MaxTransactionRetries int `mapstructure:"max_transaction_retries"`

	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ChangeRetention time.Duration `mapstructure:"change_retention"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type GroupConfig struct {
	MaxSize        int           `mapstructure:"max_size"`
	Strategy       string        `mapstructure:"strategy"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
}

type RetryConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

type FeedConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	FastestInterval time.Duration `mapstructure:"fastest_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `mapstructure:"listen"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.max_transaction_retries", 25)
	v.SetDefault("store.sqlite.path", "pacegroup.db")
	v.SetDefault("store.sqlite.poll_interval", 500*time.Millisecond)
	v.SetDefault("store.sqlite.change_retention", 10*time.Minute)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.namespace", "pacegroup:")

	v.SetDefault("group.max_size", models.DefaultMaxGroupSize)
	v.SetDefault("group.strategy", string(calculator.Recompute))
	v.SetDefault("group.pending_timeout", 30*time.Second)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff", 100*time.Millisecond)
	v.SetDefault("retry.max_backoff", 2*time.Second)

	v.SetDefault("feed.interval", 3*time.Second)
	v.SetDefault("feed.fastest_interval", 1500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatText)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
}

// Load reads the configuration. path may be empty, in which case
// PACEGROUP_CONFIG names the file, and without either only defaults and
// environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLite.Path == "" {
		errs = append(errs, errors.New("store.sqlite.path: required for the sqlite backend"))
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr: required for the redis backend"))
	}
	if c.Store.MaxTransactionRetries < 1 {
		errs = append(errs, errors.New("store.max_transaction_retries: must be at least 1"))
	}
	if c.Store.SQLite.PollInterval <= 0 {
		errs = append(errs, errors.New("store.sqlite.poll_interval: must be positive"))
	}

	if c.Group.MaxSize < 1 {
		errs = append(errs, errors.New("group.max_size: must be at least 1"))
	}
	if _, err := calculator.ParseStrategy(c.Group.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("group.strategy: %w", err))
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts: must be at least 1"))
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < c.Retry.Backoff {
		errs = append(errs, errors.New("retry: backoff must be non-negative and at most max_backoff"))
	}

	if c.Feed.FastestInterval <= 0 || c.Feed.Interval < c.Feed.FastestInterval {
		errs = append(errs, errors.New("feed: intervals must be positive with interval >= fastest_interval"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != logging.FormatText && c.Log.Format != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl: must be positive"))
	}

	return errors.Join(errs...)
}
