// Package config provides unified configuration for the orderlake batch job,
// stream queries and servers.
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

// Mode represents which workloads the serve command runs.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeBatch  Mode = "batch"
	ModeStream Mode = "stream"
)

// ParseFailurePolicy controls what the batch path does with an undecodable record.
type ParseFailurePolicy string

const (
	PolicyFailFile   ParseFailurePolicy = "fail_file"
	PolicySkipAndLog ParseFailurePolicy = "skip_and_log"
)

// Config holds the unified configuration for orderlake.
type Config struct {
	// Mode specifies which workloads to run under serve: all, batch, stream
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	GRPC       GRPCConfig       `json:"grpc" yaml:"grpc"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Manifest   ManifestConfig   `json:"manifest" yaml:"manifest"`
	Table      TableConfig      `json:"table" yaml:"table"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Stream     StreamConfig     `json:"stream" yaml:"stream"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// HTTPConfig holds HTTP status server configuration.
type HTTPConfig struct {
	// Addr is the listen address for the status API and /metrics
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC health server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether the health server is started
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StorageConfig holds object storage configuration for table segments.
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
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// ManifestConfig holds the table catalog location.
type ManifestConfig struct {
	// Path is the SQLite manifest database path
	Path string `json:"path" yaml:"path"`
}

// TableConfig holds append engine settings.
type TableConfig struct {
	// WorkDir is where segment files are built before upload
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// UploadConcurrency bounds parallel segment uploads within one append
	UploadConcurrency int `json:"upload_concurrency" yaml:"upload_concurrency"`

	// BloomFalsePositiveRate sizes the key bloom filter of each segment
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate" yaml:"bloom_false_positive_rate"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	// Backend is file or sqlite
	Backend string `json:"backend" yaml:"backend"`

	// Dir holds one log per query (file) or checkpoints.db (sqlite)
	Dir string `json:"dir" yaml:"dir"`
}

// BatchConfig holds the historical batch job configuration.
type BatchConfig struct {
	// Dir is the directory holding the historical order files
	Dir string `json:"dir" yaml:"dir"`

	// File2017, File2018 and File2019 are file names relative to Dir
	File2017 string `json:"file_2017" yaml:"file_2017"`
	File2018 string `json:"file_2018" yaml:"file_2018"`
	File2019 string `json:"file_2019" yaml:"file_2019"`

	// Table is the destination table
	Table string `json:"table" yaml:"table"`

	// ParseFailurePolicy is fail_file or skip_and_log
	ParseFailurePolicy ParseFailurePolicy `json:"parse_failure_policy" yaml:"parse_failure_policy"`

	// MaxCommitRetries bounds retries of a retryable commit failure
	MaxCommitRetries int `json:"max_commit_retries" yaml:"max_commit_retries"`
}

// StreamConfig holds streaming query configuration.
type StreamConfig struct {
	// LandingDir is a local directory watched for new files
	LandingDir string `json:"landing_dir" yaml:"landing_dir"`

	// LandingPrefix, when set, lists object storage under this prefix instead of LandingDir
	LandingPrefix string `json:"landing_prefix" yaml:"landing_prefix"`

	// Pattern filters discovered file names (filepath.Match syntax)
	Pattern string `json:"pattern" yaml:"pattern"`

	// FilesPerTrigger is the maximum number of files per micro-batch
	FilesPerTrigger int `json:"files_per_trigger" yaml:"files_per_trigger"`

	// TriggerInterval is the delay between micro-batch triggers
	TriggerInterval time.Duration `json:"trigger_interval" yaml:"trigger_interval"`

	// MaxCommitRetries bounds re-parse+commit attempts for one micro-batch
	MaxCommitRetries int `json:"max_commit_retries" yaml:"max_commit_retries"`

	// RetryBackoff is the base delay between commit retries
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// OrdersTable and LineItemsTable name the destination tables
	OrdersTable    string `json:"orders_table" yaml:"orders_table"`
	LineItemsTable string `json:"line_items_table" yaml:"line_items_table"`

	// Queries lists the stream queries to run: orders, line_items
	Queries []string `json:"queries" yaml:"queries"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/orderlake",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Table: TableConfig{
			UploadConcurrency:      4,
			BloomFalsePositiveRate: 0.01,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
		},
		Batch: BatchConfig{
			File2017:           "2017.txt",
			File2018:           "2018.csv",
			File2019:           "2019.csv",
			Table:              "orders",
			ParseFailurePolicy: PolicyFailFile,
			MaxCommitRetries:   3,
		},
		Stream: StreamConfig{
			Pattern:          "*.json",
			FilesPerTrigger:  1,
			TriggerInterval:  5 * time.Second,
			MaxCommitRetries: 3,
			RetryBackoff:     200 * time.Millisecond,
			OrdersTable:      "orders_stream",
			LineItemsTable:   "line_items",
			Queries:          []string{"orders", "line_items"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "orderlake",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/orderlake"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = filepath.Join(c.DataDir, "manifest.db")
	}
	if c.Table.WorkDir == "" {
		c.Table.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = filepath.Join(c.DataDir, "checkpoints")
	}
	if c.Batch.Dir == "" {
		c.Batch.Dir = filepath.Join(c.DataDir, "raw", "batch")
	}
	if c.Stream.LandingDir == "" && c.Stream.LandingPrefix == "" {
		c.Stream.LandingDir = filepath.Join(c.DataDir, "raw", "stream")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeBatch, ModeStream:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, batch, or stream)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Checkpoint.Backend != "file" && c.Checkpoint.Backend != "sqlite" {
		return fmt.Errorf("invalid checkpoint backend: %s (must be file or sqlite)", c.Checkpoint.Backend)
	}

	if c.Table.UploadConcurrency < 1 {
		return fmt.Errorf("table.upload_concurrency must be at least 1, got %d", c.Table.UploadConcurrency)
	}
	if c.Table.BloomFalsePositiveRate <= 0 || c.Table.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("table.bloom_false_positive_rate must be in (0, 1), got %g", c.Table.BloomFalsePositiveRate)
	}

	switch c.Batch.ParseFailurePolicy {
	case PolicyFailFile, PolicySkipAndLog:
	default:
		return fmt.Errorf("invalid batch.parse_failure_policy: %s (must be fail_file or skip_and_log)", c.Batch.ParseFailurePolicy)
	}
	if c.Batch.Table == "" {
		return fmt.Errorf("batch.table is required")
	}
	if c.Batch.MaxCommitRetries < 0 {
		return fmt.Errorf("batch.max_commit_retries must not be negative")
	}

	if c.Stream.FilesPerTrigger < 1 {
		return fmt.Errorf("stream.files_per_trigger must be at least 1, got %d", c.Stream.FilesPerTrigger)
	}
	if c.Stream.TriggerInterval <= 0 {
		return fmt.Errorf("stream.trigger_interval must be positive")
	}
	if c.Stream.MaxCommitRetries < 0 {
		return fmt.Errorf("stream.max_commit_retries must not be negative")
	}
	if _, err := filepath.Match(c.Stream.Pattern, ""); err != nil {
		return fmt.Errorf("invalid stream.pattern %q: %w", c.Stream.Pattern, err)
	}
	for _, q := range c.Stream.Queries {
		if q != "orders" && q != "line_items" {
			return fmt.Errorf("unknown stream query: %s (must be orders or line_items)", q)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be json or console)", c.Logging.Format)
	}

	return nil
}

// ShouldRunBatch returns true if serve should run the batch job on start.
func (c *Config) ShouldRunBatch() bool {
	return c.Mode == ModeAll || c.Mode == ModeBatch
}

// ShouldRunStream returns true if serve should start the stream queries.
func (c *Config) ShouldRunStream() bool {
	return c.Mode == ModeAll || c.Mode == ModeStream
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
// Environment variables use the ORDERLAKE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ORDERLAKE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("ORDERLAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("ORDERLAKE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ORDERLAKE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("ORDERLAKE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("ORDERLAKE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("ORDERLAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ORDERLAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ORDERLAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("ORDERLAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("ORDERLAKE_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	if v := os.Getenv("ORDERLAKE_MANIFEST_PATH"); v != "" {
		cfg.Manifest.Path = v
	}
	if v := os.Getenv("ORDERLAKE_TABLE_UPLOAD_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Table.UploadConcurrency)
	}
	if v := os.Getenv("ORDERLAKE_CHECKPOINT_BACKEND"); v != "" {
		cfg.Checkpoint.Backend = v
	}
	if v := os.Getenv("ORDERLAKE_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoint.Dir = v
	}

	// Batch configuration
	if v := os.Getenv("ORDERLAKE_BATCH_DIR"); v != "" {
		cfg.Batch.Dir = v
	}
	if v := os.Getenv("ORDERLAKE_BATCH_PARSE_FAILURE_POLICY"); v != "" {
		cfg.Batch.ParseFailurePolicy = ParseFailurePolicy(v)
	}

	// Stream configuration
	if v := os.Getenv("ORDERLAKE_STREAM_LANDING_DIR"); v != "" {
		cfg.Stream.LandingDir = v
	}
	if v := os.Getenv("ORDERLAKE_STREAM_LANDING_PREFIX"); v != "" {
		cfg.Stream.LandingPrefix = v
	}
	if v := os.Getenv("ORDERLAKE_STREAM_FILES_PER_TRIGGER"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stream.FilesPerTrigger)
	}
	if v := os.Getenv("ORDERLAKE_STREAM_TRIGGER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.TriggerInterval = d
		}
	}
	if v := os.Getenv("ORDERLAKE_STREAM_MAX_COMMIT_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stream.MaxCommitRetries)
	}

	if v := os.Getenv("ORDERLAKE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORDERLAKE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ORDERLAKE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Table.WorkDir,
		c.Checkpoint.Dir,
		filepath.Dir(c.Manifest.Path),
		c.Stream.LandingDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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
