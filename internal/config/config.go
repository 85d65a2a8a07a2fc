// Package config provides unified configuration for the Tessera pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
)

// Config holds the unified configuration for a Tessera run.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Partition configuration
	Partition PartitionConfig `json:"partition" yaml:"partition"`

	// Execution configuration
	Execution ExecutionConfig `json:"execution" yaml:"execution"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// PartitionConfig holds partitioning configuration.
type PartitionConfig struct {
	// TargetSize is the target number of records per partition (default 10000)
	TargetSize int `json:"target_size" yaml:"target_size"`

	// SpillEnabled controls whether partitions are spilled to disk
	SpillEnabled bool `json:"spill_enabled" yaml:"spill_enabled"`

	// SpillDir is the directory for spilled partition files
	SpillDir string `json:"spill_dir" yaml:"spill_dir"`

	// BloomColumns lists the columns to build bloom filters for on spill
	BloomColumns []string `json:"bloom_columns" yaml:"bloom_columns"`
}

// ExecutionConfig holds worker pool configuration.
type ExecutionConfig struct {
	// Concurrency is the number of parallel partition workers (default NumCPU)
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// CacheRows is the partition cache budget in records; 0 disables caching
	CacheRows int64 `json:"cache_rows" yaml:"cache_rows"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// ScratchDir is where remote input files are staged before reading
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

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

	// UsePathStyle forces path-style addressing (required by MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local runs.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tessera",
		Partition: PartitionConfig{
			TargetSize:   10000,
			SpillEnabled: false,
			SpillDir:     "",
			BloomColumns: nil,
		},
		Execution: ExecutionConfig{
			Concurrency: runtime.NumCPU(),
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
		c.DataDir = "./data/tessera"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Partition.SpillDir == "" {
		c.Partition.SpillDir = filepath.Join(c.DataDir, "spill")
	}

	if c.Storage.ScratchDir == "" {
		c.Storage.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}

	if c.Execution.Concurrency == 0 {
		c.Execution.Concurrency = runtime.NumCPU()
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return tesserr.NewConfigError(tesserr.CodeInvalidOption, "data_dir is required")
	}

	if c.Partition.TargetSize <= 0 {
		return tesserr.NewConfigError(tesserr.CodeInvalidPartitionSize,
			fmt.Sprintf("partition.target_size must be positive, got %d", c.Partition.TargetSize))
	}

	if c.Execution.Concurrency < 1 {
		return tesserr.NewConfigError(tesserr.CodeInvalidConcurrency,
			fmt.Sprintf("execution.concurrency must be >= 1, got %d", c.Execution.Concurrency))
	}

	if c.Execution.CacheRows < 0 {
		return tesserr.NewConfigError(tesserr.CodeInvalidOption,
			fmt.Sprintf("execution.cache_rows must be >= 0, got %d", c.Execution.CacheRows))
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return tesserr.NewConfigError(tesserr.CodeInvalidOption,
			fmt.Sprintf("invalid storage type: %s (must be local or s3)", c.Storage.Type))
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return tesserr.NewConfigError(tesserr.CodeInvalidOption,
			"s3.bucket is required when storage type is s3")
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
// Environment variables use the TESSERA_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TESSERA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Partition configuration
	if v := os.Getenv("TESSERA_PARTITION_TARGET_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Partition.TargetSize)
	}
	if v := os.Getenv("TESSERA_PARTITION_SPILL_ENABLED"); v != "" {
		cfg.Partition.SpillEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TESSERA_PARTITION_SPILL_DIR"); v != "" {
		cfg.Partition.SpillDir = v
	}
	if v := os.Getenv("TESSERA_PARTITION_BLOOM_COLUMNS"); v != "" {
		cfg.Partition.BloomColumns = strings.Split(v, ",")
	}

	// Execution configuration
	if v := os.Getenv("TESSERA_EXECUTION_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Execution.Concurrency)
	}
	if v := os.Getenv("TESSERA_EXECUTION_CACHE_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Execution.CacheRows)
	}

	// Storage configuration
	if v := os.Getenv("TESSERA_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TESSERA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TESSERA_STORAGE_SCRATCH_DIR"); v != "" {
		cfg.Storage.ScratchDir = v
	}
	if v := os.Getenv("TESSERA_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TESSERA_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TESSERA_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TESSERA_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
	}
	if c.Partition.SpillEnabled {
		dirs = append(dirs, c.Partition.SpillDir)
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
