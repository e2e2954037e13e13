// Package config loads simcache settings from a file, SIMCACHE_* environment
// variables and built-in defaults, in that order of precedence from last to first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/liliang-cn/simcache/pkg/cache"
	"github.com/liliang-cn/simcache/pkg/core"
	"github.com/liliang-cn/simcache/pkg/index"
)

// EnvPrefix prefixes every environment override, e.g. SIMCACHE_CACHE_MAX_ENTRIES.
const EnvPrefix = "SIMCACHE"

// Config is the complete application configuration.
type Config struct {
	Index    index.LSHConfig `mapstructure:"index" json:"index"`
	Cache    cache.Config    `mapstructure:"cache" json:"cache"`
	Snapshot SnapshotConfig  `mapstructure:"snapshot" json:"snapshot"`
	Log      LogConfig       `mapstructure:"log" json:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics" json:"metrics"`
}

// SnapshotConfig controls the SQLite snapshot store.
type SnapshotConfig struct {
	// Path of the SQLite file. Empty disables snapshots.
	Path string `mapstructure:"path" json:"path"`
	// Name used by restore-on-start and the CLI when none is given.
	Name           string `mapstructure:"name" json:"name"`
	RestoreOnStart bool   `mapstructure:"restore_on_start" json:"restore_on_start"`
}

// LogConfig selects the log level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // console or json
}

// MetricsConfig controls Prometheus export.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Addr      string `mapstructure:"addr" json:"addr"`
	Component string `mapstructure:"component" json:"component"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Index: index.DefaultLSHConfig(384),
		Cache: cache.DefaultConfig(),
		Snapshot: SnapshotConfig{
			Name: "default",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Component: "simcache",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("index.num_tables", d.Index.NumTables)
	v.SetDefault("index.hash_functions", d.Index.HashFunctions)
	v.SetDefault("index.dimension", d.Index.Dimension)
	v.SetDefault("index.seed", d.Index.Seed)

	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.ttl", d.Cache.TTL.String())
	v.SetDefault("cache.eviction_policy", string(d.Cache.EvictionPolicy))
	v.SetDefault("cache.similarity_threshold", d.Cache.SimilarityThreshold)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval.String())

	v.SetDefault("snapshot.path", d.Snapshot.Path)
	v.SetDefault("snapshot.name", d.Snapshot.Name)
	v.SetDefault("snapshot.restore_on_start", d.Snapshot.RestoreOnStart)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.component", d.Metrics.Component)
}

// Load reads configuration. When path is empty it looks for simcache.{yaml,json,toml}
// in the working directory and $HOME/.simcache, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("simcache")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.simcache")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate normalises enumerations and checks every section.
func (c *Config) Validate() error {
	if err := c.Index.Validate(); err != nil {
		return err
	}

	policy, err := cache.ParseEvictionPolicy(string(c.Cache.EvictionPolicy))
	if err != nil {
		return err
	}
	c.Cache.EvictionPolicy = policy
	if err := c.Cache.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		return fmt.Errorf("%w: log format must be console or json, got %q", core.ErrInvalidConfig, c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Component == "" {
		return fmt.Errorf("%w: metrics.component is required when metrics are enabled", core.ErrInvalidConfig)
	}
	if c.Snapshot.RestoreOnStart && (c.Snapshot.Path == "" || c.Snapshot.Name == "") {
		return fmt.Errorf("%w: restore_on_start needs snapshot.path and snapshot.name", core.ErrInvalidConfig)
	}
	return nil
}

// NewLogger builds the logger described by the log section.
func (c LogConfig) NewLogger() core.Logger {
	level := core.ParseLogLevel(c.Level)
	if c.Format == "json" {
		return core.NewJSONLogger(os.Stderr, level)
	}
	return core.NewLogger(os.Stderr, level)
}
