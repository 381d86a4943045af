// Package config loads zpyramid settings from defaults, an optional config
// file, ZPYRAMID_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/pyramid"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ZPYRAMID"

// Store configures the array handles of the output.
type Store struct {
	// CacheChunks is the decoded chunk cache size per array; negative disables it.
	CacheChunks     int    `mapstructure:"cache_chunks" yaml:"cache_chunks"`
	IOConcurrency   int    `mapstructure:"io_concurrency" yaml:"io_concurrency"`
	CopyConcurrency int    `mapstructure:"copy_concurrency" yaml:"copy_concurrency"`
	Compressor      string `mapstructure:"compressor" yaml:"compressor"` // "", zstd, zlib, gzip
	CompressorLevel int    `mapstructure:"compressor_level" yaml:"compressor_level"`
}

// Config represents the application configuration.
type Config struct {
	// Workers bounds the tile and chunk tasks running at once.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// MinDim stops the pyramid once the larger side falls below it.
	MinDim  int    `mapstructure:"min_dim" yaml:"min_dim"`
	Variant string `mapstructure:"variant" yaml:"variant"`
	// Output is the bucket URL the pyramid is written to.
	Output string `mapstructure:"output" yaml:"output"`
	// Reducers assigns reducers to channels as channel=reducer entries.
	Reducers       []string       `mapstructure:"reducers" yaml:"reducers"`
	DefaultReducer string         `mapstructure:"default_reducer" yaml:"default_reducer"`
	Store          Store          `mapstructure:"store" yaml:"store"`
	Log            logging.Config `mapstructure:"log" yaml:"log"`
	MetricsFile    string         `mapstructure:"metrics_file" yaml:"metrics_file"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Workers:        runtime.NumCPU(),
		MinDim:         1024,
		Variant:        layout.Viv.String(),
		Output:         "file://.",
		DefaultReducer: pyramid.Mean.String(),
		Store: Store{
			CacheChunks:     zarr.DefaultContext.CacheChunks,
			IOConcurrency:   zarr.DefaultContext.FileIOConcurrency,
			CopyConcurrency: zarr.DefaultContext.DataCopyConcurrency,
		},
		Log: logging.Config{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
	}
}

// flagKeys maps config keys to the command-line flags that override them.
var flagKeys = map[string]string{
	"workers":         "workers",
	"min_dim":         "min-dim",
	"variant":         "variant",
	"output":          "output",
	"reducers":        "reducer",
	"default_reducer": "default-reducer",
	"log.level":       "log-level",
	"log.format":      "log-format",
	"log.file":        "log-file",
	"metrics_file":    "metrics-file",
}

// Load reads the configuration. path may be empty; flags may be nil. Only
// flags the user set override file and environment values.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, failure.Configf("read config file %s: %v", path, err)
		}
	}
	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, failure.Configf("bind flag --%s: %v", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, failure.Configf("decode config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("workers", d.Workers)
	v.SetDefault("min_dim", d.MinDim)
	v.SetDefault("variant", d.Variant)
	v.SetDefault("output", d.Output)
	v.SetDefault("reducers", d.Reducers)
	v.SetDefault("default_reducer", d.DefaultReducer)
	v.SetDefault("store.cache_chunks", d.Store.CacheChunks)
	v.SetDefault("store.io_concurrency", d.Store.IOConcurrency)
	v.SetDefault("store.copy_concurrency", d.Store.CopyConcurrency)
	v.SetDefault("store.compressor", d.Store.Compressor)
	v.SetDefault("store.compressor_level", d.Store.CompressorLevel)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("metrics_file", d.MetricsFile)
}

// Validate rejects settings the pipeline cannot honor.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return failure.Configf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MinDim < 1 {
		return failure.Configf("min_dim must be at least 1, got %d", c.MinDim)
	}
	if _, err := layout.ParseVariant(c.Variant); err != nil {
		return err
	}
	if _, err := c.ReducerConfig(); err != nil {
		return err
	}
	switch c.Store.Compressor {
	case "", "zstd", "zlib", "gzip":
	default:
		return failure.Configf("unsupported compressor %q", c.Store.Compressor)
	}
	return nil
}

// Layout returns the layout of the configured variant.
func (c *Config) Layout() (layout.Layout, error) {
	v, err := layout.ParseVariant(c.Variant)
	if err != nil {
		return layout.Layout{}, err
	}
	return layout.For(v)
}

// ReducerConfig returns the per-channel reducer policy.
func (c *Config) ReducerConfig() (pyramid.ReducerConfig, error) {
	return pyramid.ParseReducerConfig(c.Reducers, c.DefaultReducer)
}

// Template returns the array descriptor every output level starts from.
func (c *Config) Template() zarr.Descriptor {
	d := zarr.Descriptor{
		URL: c.Output,
		Context: zarr.Context{
			CacheChunks:         c.Store.CacheChunks,
			DataCopyConcurrency: c.Store.CopyConcurrency,
			FileIOConcurrency:   c.Store.IOConcurrency,
		},
	}
	if c.Store.Compressor != "" {
		d.Compressor = &zarr.CompressorConfig{ID: c.Store.Compressor, Level: c.Store.CompressorLevel}
	}
	return d
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
