package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"petdose/internal/scheduler"
)

const EnvPrefix = "PETDOSE_"

type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	DB        DBConfig        `koanf:"db"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Log       LogConfig       `koanf:"log"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type DBConfig struct {
	Path string `koanf:"path"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `koanf:"tick_interval"`
	Lookahead    time.Duration `koanf:"lookahead"`
	SweepSpec    string        `koanf:"sweep_spec"` // robfig/cron spec, e.g. "@every 5m"
	Workers      int           `koanf:"workers"`
	Autostart    bool          `koanf:"autostart"`
}

// WebhookConfig is the system default destination, used when a reminder has none.
type WebhookConfig struct {
	URL          string        `koanf:"url"`
	Secret       string        `koanf:"secret"`
	SecretHeader string        `koanf:"secret_header"`
	Timeout      time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // console or json
}

func defaults() map[string]any {
	return map[string]any{
		"http.addr":               ":8080",
		"db.path":                 "petdose.db",
		"scheduler.tick_interval": "10s",
		"scheduler.lookahead":     "5s",
		"scheduler.sweep_spec":    "@every 5m",
		"scheduler.workers":       8,
		"scheduler.autostart":     true,
		"webhook.url":             "",
		"webhook.secret":          "",
		"webhook.secret_header":   "X-Webhook-Secret",
		"webhook.timeout":         "10s",
		"log.level":               "info",
		"log.format":              "console",
	}
}

// Load layers defaults, the optional YAML file at path, and PETDOSE_*
// environment variables, in that order.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// PETDOSE_SCHEDULER_TICK_INTERVAL -> scheduler.tick_interval
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		section, rest, ok := strings.Cut(key, "_")
		if !ok {
			return key
		}
		return section + "." + rest
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.Lookahead < 0 {
		errs = append(errs, errors.New("scheduler.lookahead must not be negative"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be at least 1"))
	}
	if err := scheduler.ValidateSweepSpec(c.Scheduler.SweepSpec); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.sweep_spec: %w", err))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("webhook.timeout must be positive"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
