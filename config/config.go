// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const maxLockTTL = time.Minute

type Config struct {
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	RedisAddrs      []string      `envconfig:"REDIS_ADDRS" default:"127.0.0.1:6379"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	LockTTL         time.Duration `envconfig:"LOCK_TTL" default:"5s"`
	LogMode         string        `envconfig:"LOG_MODE" default:"development"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR" default:":9102"`
	PoolMaxConns    int32         `envconfig:"POOL_MAX_CONNS" default:"16"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads ESCROW_* variables. DATABASE_URL is used when
// ESCROW_DATABASE_URL is unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("escrow", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	cfg.RedisAddrs = compact(cfg.RedisAddrs)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.LockTTL <= 0 || c.LockTTL > maxLockTTL {
		errs = append(errs, fmt.Errorf("config: lock ttl %s must be in (0, %s]", c.LockTTL, maxLockTTL))
	}
	if len(c.RedisAddrs) == 0 {
		errs = append(errs, errors.New("config: at least one redis address is required"))
	}
	if c.PoolMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("config: pool max conns %d must be positive", c.PoolMaxConns))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("config: shutdown timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Redlock reports whether the lock spans several independent Redis nodes.
func (c Config) Redlock() bool {
	return len(c.RedisAddrs) > 1
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
