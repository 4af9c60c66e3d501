// Package config loads runtime settings from the environment and the
// optional YAML policy rules file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"offline-cache/src/policy"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "OFFLINE_CACHE_"

// Config is the process configuration.
type Config struct {
	BaseDir      string `env:"BASE_DIR" envDefault:"./cache"`
	Origin       string `env:"ORIGIN" envDefault:"http://localhost:8080"`
	Version      string `env:"VERSION" envDefault:"v1"`
	SQLiteDriver string `env:"SQLITE_DRIVER" envDefault:"sqlite3"`
	RulesFile    string `env:"RULES_FILE"`

	MaxAge                 time.Duration `env:"MAX_AGE" envDefault:"168h"`
	InterceptMaxEntryBytes int64         `env:"INTERCEPT_MAX_ENTRY_BYTES" envDefault:"10485760"`
	StoreMaxEntryBytes     int64         `env:"STORE_MAX_ENTRY_BYTES" envDefault:"52428800"`
	GenerationMaxBytes     int64         `env:"GENERATION_MAX_BYTES" envDefault:"536870912"`
	StatsLimit             int           `env:"STATS_LIMIT" envDefault:"10"`
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8081"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max age must be positive, got %s", c.MaxAge)
	}
	if c.InterceptMaxEntryBytes <= 0 || c.StoreMaxEntryBytes <= 0 {
		return fmt.Errorf("entry size caps must be positive")
	}
	if c.GenerationMaxBytes < 0 {
		return fmt.Errorf("generation max bytes must not be negative")
	}
	if c.StatsLimit <= 0 {
		return fmt.Errorf("stats limit must be positive, got %d", c.StatsLimit)
	}
	switch c.SQLiteDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported sqlite driver %q", c.SQLiteDriver)
	}
	return nil
}

// Policy returns the policy configuration: the compiled-in defaults, with
// any field set in RulesFile replacing the default.
func (c Config) Policy() (policy.Config, error) {
	pc := policy.DefaultConfig(c.Origin)
	if c.RulesFile == "" {
		return pc, nil
	}

	data, err := os.ReadFile(c.RulesFile)
	if err != nil {
		return policy.Config{}, fmt.Errorf("read rules file: %w", err)
	}

	var fileCfg policy.Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return policy.Config{}, fmt.Errorf("parse rules file: %w", err)
	}

	if fileCfg.Origin != "" {
		pc.Origin = fileCfg.Origin
	}
	if fileCfg.TrustedHosts != nil {
		pc.TrustedHosts = fileCfg.TrustedHosts
	}
	if fileCfg.CacheFirst != nil {
		pc.CacheFirst = fileCfg.CacheFirst
	}
	if fileCfg.Bootstrap != nil {
		pc.Bootstrap = fileCfg.Bootstrap
	}
	return pc, nil
}
