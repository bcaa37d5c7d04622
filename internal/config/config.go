// Package config provides unified configuration for the Strata metadata
// service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the metadata service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Metadata holds poll orchestration configuration
	Metadata MetadataConfig `json:"metadata" yaml:"metadata"`

	// Retention holds unused-segment retention configuration
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Storage holds deep storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// MetadataConfig holds poll orchestration configuration.
type MetadataConfig struct {
	// PollPeriod is the interval between periodic polls of the segments table
	PollPeriod time.Duration `json:"poll_period" yaml:"poll_period"`

	// OnDemandPollTimeout bounds how long a freshness-checked read waits for
	// the poll it triggered
	OnDemandPollTimeout time.Duration `json:"on_demand_poll_timeout" yaml:"on_demand_poll_timeout"`

	// MaxStaleness is the snapshot age beyond which freshness-checked reads
	// trigger a new poll
	MaxStaleness time.Duration `json:"max_staleness" yaml:"max_staleness"`
}

// RetentionConfig holds unused-segment retention configuration.
type RetentionConfig struct {
	// Enabled controls whether the retention daemon runs
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckInterval is the interval between retention cycles
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// BufferPeriod is how long a segment must have been unused before its
	// rows and objects may be deleted
	BufferPeriod time.Duration `json:"buffer_period" yaml:"buffer_period"`

	// BatchLimit caps how many unused intervals one cycle considers per
	// datasource
	BatchLimit int `json:"batch_limit" yaml:"batch_limit"`

	// DeleteConcurrency is the number of parallel deep storage deletes
	DeleteConcurrency int `json:"delete_concurrency" yaml:"delete_concurrency"`
}

// StorageConfig holds deep storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/strata",
		Metadata: MetadataConfig{
			PollPeriod:          time.Minute,
			OnDemandPollTimeout: 30 * time.Second,
			MaxStaleness:        time.Minute,
		},
		Retention: RetentionConfig{
			Enabled:           false,
			CheckInterval:     30 * time.Minute,
			BufferPeriod:      30 * 24 * time.Hour,
			BatchLimit:        1000,
			DeleteConcurrency: 8,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/strata"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// StorePath returns the path to the segments metadata database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "segments.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Metadata.PollPeriod <= 0 {
		return fmt.Errorf("metadata.poll_period must be positive, got %v", c.Metadata.PollPeriod)
	}
	if c.Metadata.MaxStaleness < 0 {
		return fmt.Errorf("metadata.max_staleness must not be negative, got %v", c.Metadata.MaxStaleness)
	}

	if c.Retention.Enabled {
		if c.Retention.CheckInterval <= 0 {
			return fmt.Errorf("retention.check_interval must be positive, got %v", c.Retention.CheckInterval)
		}
		if c.Retention.BufferPeriod < 0 {
			return fmt.Errorf("retention.buffer_period must not be negative, got %v", c.Retention.BufferPeriod)
		}
		if c.Retention.BatchLimit <= 0 {
			return fmt.Errorf("retention.batch_limit must be positive, got %d", c.Retention.BatchLimit)
		}
		if c.Retention.DeleteConcurrency <= 0 {
			return fmt.Errorf("retention.delete_concurrency must be positive, got %d", c.Retention.DeleteConcurrency)
		}
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STRATA_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STRATA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Metadata configuration
	if v := os.Getenv("STRATA_METADATA_POLL_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Metadata.PollPeriod = d
		}
	}
	if v := os.Getenv("STRATA_METADATA_ON_DEMAND_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Metadata.OnDemandPollTimeout = d
		}
	}
	if v := os.Getenv("STRATA_METADATA_MAX_STALENESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Metadata.MaxStaleness = d
		}
	}

	// Retention configuration
	if v := os.Getenv("STRATA_RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("STRATA_RETENTION_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.CheckInterval = d
		}
	}
	if v := os.Getenv("STRATA_RETENTION_BUFFER_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.BufferPeriod = d
		}
	}
	if v := os.Getenv("STRATA_RETENTION_BATCH_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retention.BatchLimit)
	}
	if v := os.Getenv("STRATA_RETENTION_DELETE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retention.DeleteConcurrency)
	}

	// Storage configuration
	if v := os.Getenv("STRATA_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STRATA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STRATA_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STRATA_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("STRATA_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
