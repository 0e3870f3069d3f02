// Package config handles configuration loading and validation for meshfetch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultMaxNonSplitfileRetries   = 3
	DefaultMaxSplitfileBlockRetries = 3
	DefaultMaxArchiveRestarts       = 2
	DefaultMaxRedirects             = 8
	DefaultWorkers                  = 4
	DefaultMaxOutputSize            = Size(1 << 30)
	DefaultBlockSize                = Size(32 << 10)
	DefaultStoreDir                 = "~/.meshfetch/store"
	DefaultLogLevel                 = "info"
)

// Size is a byte count that unmarshals from YAML as either a number of bytes
// or a human-readable string ("32 KiB", "1GB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("size must be a scalar")
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("negative size not allowed: %d", n)
		}
		*s = Size(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

// String returns a human-readable representation.
func (s Size) String() string { return humanize.IBytes(uint64(s)) }

// FetchConfig holds the tunable limits of a fetch.
type FetchConfig struct {
	MaxNonSplitfileRetries   int  `yaml:"max_non_splitfile_retries"`
	MaxSplitfileBlockRetries int  `yaml:"max_splitfile_block_retries"`
	MaxArchiveRestarts       int  `yaml:"max_archive_restarts"`
	MaxRedirects             int  `yaml:"max_redirects"`
	MaxOutputSize            Size `yaml:"max_output_size"`
	Workers                  int  `yaml:"workers"`
}

// InsertConfig holds settings for storing content.
type InsertConfig struct {
	BlockSize Size `yaml:"block_size"`
}

// Config is the meshfetch configuration file.
type Config struct {
	TempDir       string       `yaml:"temp_dir"` // Overrides temp directory resolution
	StoreDir      string       `yaml:"store_dir"`
	StoreKey      string       `yaml:"store_key"` // Hex master key for block encryption (optional)
	LogLevel      string       `yaml:"log_level"`
	MetricsListen string       `yaml:"metrics_listen"` // e.g. "127.0.0.1:9090"; empty disables
	AuditLog      string       `yaml:"audit_log"`      // JSON audit events are appended here; empty disables
	Fetch         FetchConfig  `yaml:"fetch"`
	Insert        InsertConfig `yaml:"insert"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig returns a Config holding the defaults of the limits for which
// zero is a meaningful setting. The file is decoded over it, so a limit the
// file omits keeps its default and an explicit 0 stays 0.
func newConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			MaxNonSplitfileRetries:   DefaultMaxNonSplitfileRetries,
			MaxSplitfileBlockRetries: DefaultMaxSplitfileBlockRetries,
			MaxArchiveRestarts:       DefaultMaxArchiveRestarts,
			MaxRedirects:             DefaultMaxRedirects,
		},
	}
}

// Load loads configuration from a YAML file. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StoreDir == "" {
		c.StoreDir = DefaultStoreDir
	}
	c.StoreDir = expandHome(c.StoreDir)
	c.TempDir = expandHome(c.TempDir)
	c.AuditLog = expandHome(c.AuditLog)
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Fetch.MaxOutputSize == 0 {
		c.Fetch.MaxOutputSize = DefaultMaxOutputSize
	}
	if c.Fetch.Workers == 0 {
		c.Fetch.Workers = DefaultWorkers
	}
	if c.Insert.BlockSize == 0 {
		c.Insert.BlockSize = DefaultBlockSize
	}
}

// Validate checks if the configuration is valid. The temp directory is
// checked separately by ResolveTempDir.
func (c *Config) Validate() error {
	if c.Fetch.MaxNonSplitfileRetries < 0 {
		return fmt.Errorf("fetch.max_non_splitfile_retries must not be negative")
	}
	if c.Fetch.MaxSplitfileBlockRetries < 0 {
		return fmt.Errorf("fetch.max_splitfile_block_retries must not be negative")
	}
	if c.Fetch.MaxArchiveRestarts < 0 {
		return fmt.Errorf("fetch.max_archive_restarts must not be negative")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must not be negative")
	}
	if c.Fetch.Workers < 1 || c.Fetch.Workers > 256 {
		return fmt.Errorf("fetch.workers must be between 1 and 256")
	}
	if c.Insert.BlockSize < 1024 || c.Insert.BlockSize > 16<<20 {
		return fmt.Errorf("insert.block_size must be between 1 KiB and 16 MiB")
	}
	if c.StoreKey != "" {
		if _, err := ParseStoreKey(c.StoreKey); err != nil {
			return fmt.Errorf("store_key: %w", err)
		}
	}
	return nil
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
