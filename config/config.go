// Package config provides configuration loading for recurringd.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before mapping them.
const EnvPrefix = "RECURRING_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Engine    EngineConfig    `koanf:"engine"`
	Notify    NotifyConfig    `koanf:"notify"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// SchedulerConfig drives the in-process periodic driver used by serve.
type SchedulerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	ProcessInterval time.Duration `koanf:"process_interval"`
	RemindInterval  time.Duration `koanf:"remind_interval"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
}

type EngineConfig struct {
	Concurrency int           `koanf:"concurrency"`
	ItemTimeout time.Duration `koanf:"item_timeout"`
}

// NotifyConfig selects the notifier. An empty NATSURL logs notifications
// instead of publishing them.
type NotifyConfig struct {
	NATSURL       string  `koanf:"nats_url"`
	SubjectPrefix string  `koanf:"subject_prefix"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

const defaults = `
server:
  port: 8080
  shutdown_timeout: 10s
database:
  path: ./data/recurring.db
log:
  level: info
  format: json
scheduler:
  enabled: true
  process_interval: 1h
  remind_interval: 24h
  sweep_interval: 24h
engine:
  concurrency: 4
  item_timeout: 10s
notify:
  subject_prefix: recurring.notifications
  rate_per_second: 50
  burst: 10
`

// Load reads configuration.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RECURRING_SERVER_PORT, RECURRING_SCHEDULER_PROCESS_INTERVAL, ...)
//  2. YAML config file at configPath, if non-empty
//  3. Built-in defaults
//
// A .env file in the working directory is loaded into the environment
// first when present; variables already set win over it.
//
// Environment variables map by splitting on the first underscore after the
// prefix:
//
//	RECURRING_SCHEDULER_PROCESS_INTERVAL -> scheduler.process_interval
//	RECURRING_NOTIFY_NATS_URL            -> notify.nats_url
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps RECURRING_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// applyDefaults fills values an override blanked out.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/recurring.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "recurring.notifications"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (must be json or console)", c.Log.Format)
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.ProcessInterval <= 0 || c.Scheduler.RemindInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
			return errors.New("scheduler intervals must be positive")
		}
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("invalid engine concurrency: %d (must be >= 1)", c.Engine.Concurrency)
	}
	if c.Engine.ItemTimeout <= 0 {
		return errors.New("engine item timeout must be positive")
	}
	if c.Notify.RatePerSecond < 0 || c.Notify.Burst < 0 {
		return errors.New("notify rate and burst must not be negative")
	}
	return nil
}
