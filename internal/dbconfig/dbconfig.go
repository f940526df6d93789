// Package dbconfig loads the plain Options struct Open takes from a YAML
// config file, mirroring the teacher's internal/config.go LoadConfig: a
// viper-backed loader producing a mapstructure-tagged struct, here
// validated and translated into Options rather than handed to callers
// directly.
package dbconfig

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/format"
)

// Options is the language-neutral contract Open(path, options) takes per
// spec.md; Load is the optional ambient convenience layer that builds one
// from a config file.
type Options struct {
	PageSize int

	// Exactly one of CachePages/CacheMB may be set; zero for both uses
	// internal/pager's built-in default.
	CachePages int
	CacheMB    int

	// CheckpointWALBytesThreshold and CheckpointInterval are the two
	// automatic-checkpoint triggers: whichever fires first runs a
	// checkpoint without client intervention. Zero disables that trigger.
	CheckpointWALBytesThreshold int64
	CheckpointInterval          time.Duration

	ReaderWarnThreshold    time.Duration
	ReaderTimeoutThreshold time.Duration
	ForceTruncateOnTimeout bool
}

// ResolvedCachePages returns the cache capacity in pages, converting
// CacheMB when CachePages itself is unset.
func (o Options) ResolvedCachePages() int {
	if o.CachePages > 0 {
		return o.CachePages
	}
	if o.CacheMB > 0 && o.PageSize > 0 {
		return (o.CacheMB * 1024 * 1024) / o.PageSize
	}
	return 0
}

// Validate checks Options against spec.md's format constraints, returning
// every violation found (via go.uber.org/multierr) rather than only the
// first.
func (o Options) Validate() error {
	var err error
	if !format.ValidPageSizes[o.PageSize] {
		err = multierr.Append(err, dberr.Internal("dbconfig.Validate", "page_size must be one of 2048, 4096, 8192, or 16384"))
	}
	if o.CachePages > 0 && o.CacheMB > 0 {
		err = multierr.Append(err, dberr.Internal("dbconfig.Validate", "cache_pages and cache_mb are mutually exclusive"))
	}
	if o.CachePages < 0 || o.CacheMB < 0 {
		err = multierr.Append(err, dberr.Internal("dbconfig.Validate", "cache_pages and cache_mb must not be negative"))
	}
	return err
}

// fileConfig is the on-disk shape Load reads, following the teacher's
// NovaSqlConfig's mapstructure-tagged nested-struct convention.
type fileConfig struct {
	PageSize                  int   `mapstructure:"page_size"`
	CachePages                int   `mapstructure:"cache_pages"`
	CacheMB                   int   `mapstructure:"cache_mb"`
	CheckpointWALBytes        int64 `mapstructure:"checkpoint_wal_bytes"`
	CheckpointIntervalSeconds int   `mapstructure:"checkpoint_interval_seconds"`
	ReaderWarnSeconds         int   `mapstructure:"reader_warn_seconds"`
	ReaderTimeoutSeconds      int   `mapstructure:"reader_timeout_seconds"`
	ForceTruncateOnTimeout    bool  `mapstructure:"force_truncate_on_timeout"`
}

// Load reads a YAML config file into Options, the way the teacher's
// LoadConfig reads NovaSqlConfig, and validates the result.
func Load(path string) (Options, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return Options{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Options{}, fmt.Errorf("unmarshal config: %w", err)
	}

	opts := Options{
		PageSize:                    fc.PageSize,
		CachePages:                  fc.CachePages,
		CacheMB:                     fc.CacheMB,
		CheckpointWALBytesThreshold: fc.CheckpointWALBytes,
		CheckpointInterval:          time.Duration(fc.CheckpointIntervalSeconds) * time.Second,
		ReaderWarnThreshold:         time.Duration(fc.ReaderWarnSeconds) * time.Second,
		ReaderTimeoutThreshold:      time.Duration(fc.ReaderTimeoutSeconds) * time.Second,
		ForceTruncateOnTimeout:      fc.ForceTruncateOnTimeout,
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Default returns a reasonable Options for a fresh database when no
// config file is supplied.
func Default() Options {
	return Options{
		PageSize:                    4096,
		CheckpointWALBytesThreshold: 16 * 1024 * 1024,
		CheckpointInterval:          30 * time.Second,
		ReaderWarnThreshold:         5 * time.Second,
		ReaderTimeoutThreshold:      30 * time.Second,
	}
}
