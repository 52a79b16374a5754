// Package config loads and holds the daemon's configuration, following
// the teacher's layered Config/ConfigToUpdate/globalConfigOwner pattern
// (NVIDIA/aistore cmn.Config): nested structs each validate themselves,
// and the live snapshot is held behind an atomic pointer so hot paths
// never take a lock to read it.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/atomic"
)

type (
	// Base holds process-identity overrides.
	Base struct {
		Hostname string `toml:"hostname"`
	}

	// Database holds the connection string for the shared relational
	// database that is the sole source of truth (spec §1).
	Database struct {
		URL string `toml:"url"`
	}

	// Service holds the update-loop and worker-pool tuning knobs from
	// spec §6.
	Service struct {
		NumWorkers            int     `toml:"num_workers"`
		UpdateIntervalStr     string  `toml:"update_interval"`
		AutoImportIntervalStr string  `toml:"auto_import_interval"`
		PullTimeoutBaseStr    string  `toml:"pull_timeout_base"`
		PullBytesPerSecond    float64 `toml:"pull_bytes_per_second"`
		LogLevel              int     `toml:"log_level"`
		MetricsAddr           string  `toml:"metrics_addr"`

		// parsed, not serialized
		UpdateInterval     time.Duration `toml:"-"`
		AutoImportInterval time.Duration `toml:"-"`
		PullTimeoutBase    time.Duration `toml:"-"`
	}

	// Config is the full merged configuration snapshot for one daemon
	// process.
	Config struct {
		Base       Base     `toml:"base"`
		Database   Database `toml:"database"`
		Service    Service  `toml:"service"`
		Extensions []string `toml:"extensions"`
	}
)

// Default returns the built-in defaults, overridden by whatever files
// Load merges on top.
func Default() *Config {
	return &Config{
		Service: Service{
			NumWorkers:            4,
			UpdateIntervalStr:     "60s",
			AutoImportIntervalStr: "300s",
			PullTimeoutBaseStr:    "300s",
			PullBytesPerSecond:    20 * 1e6,
			MetricsAddr:           ":9090",
		},
	}
}

// Validate parses the duration strings and checks cross-field
// invariants. Mirrors cmn.Config.Validate's per-nested-struct pattern,
// collapsed into one method since this config is far smaller than the
// teacher's.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must not be empty")
	}
	var err error
	if c.Service.UpdateInterval, err = time.ParseDuration(c.Service.UpdateIntervalStr); err != nil {
		return fmt.Errorf("invalid service.update_interval %q: %w", c.Service.UpdateIntervalStr, err)
	}
	if c.Service.AutoImportInterval, err = time.ParseDuration(c.Service.AutoImportIntervalStr); err != nil {
		return fmt.Errorf("invalid service.auto_import_interval %q: %w", c.Service.AutoImportIntervalStr, err)
	}
	if c.Service.PullTimeoutBase, err = time.ParseDuration(c.Service.PullTimeoutBaseStr); err != nil {
		return fmt.Errorf("invalid service.pull_timeout_base %q: %w", c.Service.PullTimeoutBaseStr, err)
	}
	if c.Service.NumWorkers < 0 {
		return fmt.Errorf("service.num_workers must be >= 0 (0 means serial inline execution)")
	}
	if c.Service.PullBytesPerSecond < 0 {
		return fmt.Errorf("service.pull_bytes_per_second must be >= 0 (0 disables the timeout)")
	}
	return nil
}

// PullTimeout returns the configured timeout for a pull of sizeB
// bytes: base + size/rate. A zero rate disables the timeout entirely:
// the result is 0, meaning no timeout (spec §4.4, §8 boundary
// behaviors).
func (c *Config) PullTimeout(sizeB int64) time.Duration {
	if c.Service.PullBytesPerSecond <= 0 {
		return 0
	}
	scaled := time.Duration(float64(sizeB)/c.Service.PullBytesPerSecond) * time.Second
	return c.Service.PullTimeoutBase + scaled
}

// Merge layers other on top of c: non-zero scalars and non-empty
// strings in other replace c's (a zero or empty value in other leaves
// c's unchanged), slices concatenate, consistent with spec §6's
// "later overrides earlier; lists concatenate, dicts merge, scalars
// replace."
func (c *Config) Merge(other *Config) {
	if other.Base.Hostname != "" {
		c.Base.Hostname = other.Base.Hostname
	}
	if other.Database.URL != "" {
		c.Database.URL = other.Database.URL
	}
	if other.Service.NumWorkers != 0 {
		c.Service.NumWorkers = other.Service.NumWorkers
	}
	if other.Service.UpdateIntervalStr != "" {
		c.Service.UpdateIntervalStr = other.Service.UpdateIntervalStr
	}
	if other.Service.AutoImportIntervalStr != "" {
		c.Service.AutoImportIntervalStr = other.Service.AutoImportIntervalStr
	}
	if other.Service.PullTimeoutBaseStr != "" {
		c.Service.PullTimeoutBaseStr = other.Service.PullTimeoutBaseStr
	}
	if other.Service.PullBytesPerSecond != 0 {
		c.Service.PullBytesPerSecond = other.Service.PullBytesPerSecond
	}
	if other.Service.LogLevel != 0 {
		c.Service.LogLevel = other.Service.LogLevel
	}
	if other.Service.MetricsAddr != "" {
		c.Service.MetricsAddr = other.Service.MetricsAddr
	}
	c.Extensions = append(c.Extensions, other.Extensions...)
}

// Load merges paths in order (later overrides earlier, per spec §6)
// into the built-in defaults and validates the result.
func Load(paths ...string) (*Config, error) {
	cfg := Default()
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		var layer Config
		if _, err := toml.Decode(string(b), &layer); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		cfg.Merge(&layer)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Owner is the process-wide holder of the live Config snapshot,
// modeled on cmn.globalConfigOwner: readers never block, updates are
// serialized by swapping an atomic pointer.
type Owner struct {
	p atomic.Pointer[Config]
}

// GCO is the global config owner, analogous to the teacher's package
// global of the same name.
var GCO = &Owner{}

// Get returns the current config snapshot. Safe for concurrent use.
func (o *Owner) Get() *Config {
	return o.p.Load()
}

// Put installs a new config snapshot atomically.
func (o *Owner) Put(c *Config) {
	o.p.Store(c)
}
