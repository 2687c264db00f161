// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bundlestore configuration file.
type Config struct {
	Bundle  BundleConfig  `yaml:"bundle"`
	Cache   CacheConfig   `yaml:"cache"`
	Extract ExtractConfig `yaml:"extract"`
	Log     LogConfig     `yaml:"log"`
}

// BundleConfig tunes bundle writers and readers.
type BundleConfig struct {
	// BasePath prefixes the locators of new bundles. Supports
	// ${VAR} and ${VAR:-default} expansion.
	BasePath string `yaml:"base_path"`

	// MaxVersion is the bundle format version writers produce.
	MaxVersion int `yaml:"max_version"`

	MaxBlobSize   ByteSize `yaml:"max_blob_size"`
	MinPacketSize ByteSize `yaml:"min_packet_size"`
	MaxPacketSize ByteSize `yaml:"max_packet_size"`

	// Compression is "none", "lz4", or "zstd".
	Compression string `yaml:"compression"`

	// MaxReferencePrefix bounds how much of a bundle garbage
	// collection reads to find its imports.
	MaxReferencePrefix ByteSize `yaml:"max_reference_prefix"`
}

// CacheConfig sizes the shared packet cache.
type CacheConfig struct {
	MaxSize ByteSize `yaml:"max_size"`
}

// ExtractConfig tunes the extraction pipeline. Zero task counts are
// sized automatically.
type ExtractConfig struct {
	ReadTasks   int `yaml:"read_tasks"`
	DecodeTasks int `yaml:"decode_tasks"`
	WriteTasks  int `yaml:"write_tasks"`

	// MinQueueLength is how many requests the batch reader gathers
	// before planning reads.
	MinQueueLength int `yaml:"min_queue_length"`

	// CoalesceBelow merges packet reads separated by less than this
	// many bytes.
	CoalesceBelow ByteSize `yaml:"coalesce_below"`

	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is auto, text, or json. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bundle: BundleConfig{
			MaxVersion:         2,
			MaxBlobSize:        10 * MiB,
			MinPacketSize:      64 * KiB,
			MaxPacketSize:      1 * MiB,
			Compression:        "lz4",
			MaxReferencePrefix: 32 * MiB,
		},
		Cache: CacheConfig{
			MaxSize: 256 * MiB,
		},
		Extract: ExtractConfig{
			MinQueueLength:   2000,
			CoalesceBelow:    2 * MiB,
			ProgressInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the file named by BUNDLESTORE_CONFIG, or returns the
// defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv("BUNDLESTORE_CONFIG")
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads a YAML configuration over the defaults and expands
// variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Bundle.BasePath = expandVars(c.Bundle.BasePath)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Bundle.MaxVersion < 1 || c.Bundle.MaxVersion > 2 {
		errs = append(errs, fmt.Errorf("bundle.max_version must be 1 or 2, got %d", c.Bundle.MaxVersion))
	}
	if strings.ContainsAny(c.Bundle.BasePath, "# \t\r\n") {
		errs = append(errs, fmt.Errorf("bundle.base_path %q must not contain '#' or whitespace", c.Bundle.BasePath))
	}
	if c.Bundle.MaxBlobSize <= 0 {
		errs = append(errs, fmt.Errorf("bundle.max_blob_size must be positive"))
	}
	if c.Bundle.MaxPacketSize <= 0 {
		errs = append(errs, fmt.Errorf("bundle.max_packet_size must be positive"))
	}
	if c.Bundle.MinPacketSize < 0 || c.Bundle.MinPacketSize > c.Bundle.MaxPacketSize {
		errs = append(errs, fmt.Errorf("bundle.min_packet_size must be between 0 and max_packet_size"))
	}
	switch c.Bundle.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("bundle.compression must be one of none, lz4, zstd; got %q", c.Bundle.Compression))
	}
	if c.Bundle.MaxReferencePrefix < 8 {
		errs = append(errs, fmt.Errorf("bundle.max_reference_prefix must be at least 8 bytes"))
	}

	if c.Cache.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must not be negative"))
	}

	for name, value := range map[string]int{
		"extract.read_tasks":   c.Extract.ReadTasks,
		"extract.decode_tasks": c.Extract.DecodeTasks,
		"extract.write_tasks":  c.Extract.WriteTasks,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Extract.MinQueueLength <= 0 {
		errs = append(errs, fmt.Errorf("extract.min_queue_length must be positive"))
	}
	if c.Extract.CoalesceBelow < 0 {
		errs = append(errs, fmt.Errorf("extract.coalesce_below must not be negative"))
	}
	if c.Extract.ProgressInterval < 0 {
		errs = append(errs, fmt.Errorf("extract.progress_interval must not be negative"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of auto, text, json; got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
