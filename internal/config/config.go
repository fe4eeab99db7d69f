// Package config loads the history cache configuration from YAML
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nainya/historycache/pkg/repository"
)

// Defaults
const (
	DefaultPerPartesCount          = 1000
	DefaultCacheLiveFetchThreshold = 30 * time.Second
	DefaultNestingMaximum          = 1
	DefaultScanningDepth           = 2
	DefaultMetricsPort             = 9090
)

// Config is the complete configuration
type Config struct {
	SourceRoot string `yaml:"source_root"`
	DataRoot   string `yaml:"data_root"`
	Workers    int    `yaml:"workers"`

	History    HistoryConfig    `yaml:"history"`
	Annotation AnnotationConfig `yaml:"annotation"`
	Scan       ScanConfig       `yaml:"scan"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// Repositories holds overrides keyed by root relative to SourceRoot
	Repositories map[string]RepositoryConfig `yaml:"repositories"`
}

// HistoryConfig controls the history cache
type HistoryConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	CacheEnabled            bool          `yaml:"cache_enabled"`
	FetchWhenNotInCache     bool          `yaml:"fetch_when_not_in_cache"`
	PerPartesEnabled        bool          `yaml:"per_partes_enabled"`
	PerPartesCount          int           `yaml:"per_partes_count"`
	HandleRenamedFiles      bool          `yaml:"handle_renamed_files"`
	TagsEnabled             bool          `yaml:"tags_enabled"`
	CacheLiveFetchThreshold time.Duration `yaml:"cache_live_fetch_threshold"`
}

// AnnotationConfig controls the annotation cache
type AnnotationConfig struct {
	CacheEnabled        bool `yaml:"cache_enabled"`
	FetchWhenNotInCache bool `yaml:"fetch_when_not_in_cache"`
}

// ScanConfig bounds repository discovery
type ScanConfig struct {
	NestingMaximum int `yaml:"nesting_maximum"`
	ScanningDepth  int `yaml:"scanning_depth"`
}

// LoggingConfig mirrors logger.Config
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	WithCaller bool   `yaml:"with_caller"`
}

// MetricsConfig configures the observability server
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// RepositoryConfig overrides global settings for one repository. Unset
// fields inherit.
type RepositoryConfig struct {
	HistoryEnabled     *bool `yaml:"history_enabled"`
	HistoryCache       *bool `yaml:"history_cache"`
	AnnotationCache    *bool `yaml:"annotation_cache"`
	HandleRenamedFiles *bool `yaml:"handle_renamed_files"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataRoot: filepath.Join(os.TempDir(), "historycache"),
		Workers:  runtime.NumCPU(),
		History: HistoryConfig{
			Enabled:                 true,
			CacheEnabled:            true,
			FetchWhenNotInCache:     true,
			PerPartesEnabled:        true,
			PerPartesCount:          DefaultPerPartesCount,
			CacheLiveFetchThreshold: DefaultCacheLiveFetchThreshold,
		},
		Annotation: AnnotationConfig{
			CacheEnabled:        true,
			FetchWhenNotInCache: true,
		},
		Scan: ScanConfig{
			NestingMaximum: DefaultNestingMaximum,
			ScanningDepth:  DefaultScanningDepth,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Port: DefaultMetricsPort,
		},
	}
}

// Load reads path over the defaults. Callers apply their own overrides and
// then call Validate.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error
	if c.SourceRoot == "" {
		errs = append(errs, errors.New("source_root is required"))
	}
	if c.DataRoot == "" {
		errs = append(errs, errors.New("data_root is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.History.PerPartesEnabled && c.History.PerPartesCount < 1 {
		errs = append(errs, fmt.Errorf("history.per_partes_count must be at least 1, got %d", c.History.PerPartesCount))
	}
	if c.History.CacheLiveFetchThreshold < 0 {
		errs = append(errs, errors.New("history.cache_live_fetch_threshold must not be negative"))
	}
	if c.Scan.NestingMaximum < 0 || c.Scan.ScanningDepth < 0 {
		errs = append(errs, errors.New("scan limits must not be negative"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	for rel := range c.Repositories {
		if filepath.IsAbs(rel) {
			errs = append(errs, fmt.Errorf("repositories.%s must be relative to source_root", rel))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ChunkCount returns the per-partes chunk size, zero when disabled
func (c *Config) ChunkCount() int {
	if !c.History.PerPartesEnabled {
		return 0
	}
	return c.History.PerPartesCount
}

// Configure applies global settings and the overrides for info's root.
// It is meant to be passed to repository.Factory.Open.
func (c *Config) Configure(info *repository.Info) {
	info.HandleRenamedFiles = c.History.HandleRenamedFiles

	rc, ok := c.repositoryConfig(info.Root)
	if !ok {
		return
	}
	info.History = repository.OverrideOf(rc.HistoryEnabled)
	info.HistoryCache = repository.OverrideOf(rc.HistoryCache)
	info.AnnotationCache = repository.OverrideOf(rc.AnnotationCache)
	if rc.HandleRenamedFiles != nil {
		info.HandleRenamedFiles = *rc.HandleRenamedFiles
	}
}

func (c *Config) repositoryConfig(root string) (RepositoryConfig, bool) {
	if len(c.Repositories) == 0 {
		return RepositoryConfig{}, false
	}
	src, err := filepath.Abs(c.SourceRoot)
	if err != nil {
		return RepositoryConfig{}, false
	}
	rel, err := filepath.Rel(src, root)
	if err != nil {
		return RepositoryConfig{}, false
	}
	rc, ok := c.Repositories[filepath.ToSlash(rel)]
	return rc, ok
}
