// Package config provides unified configuration for all Blueplane services.
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

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeFastPath Mode = "fastpath"
	ModeWorkers  Mode = "workers"
	ModeServe    Mode = "serve"
)

// Config holds the unified configuration for all Blueplane services.
type Config struct {
	// Mode specifies which services to run: all, fastpath, workers, serve
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Queue configuration
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// FastPath consumer configuration
	FastPath FastPathConfig `json:"fast_path" yaml:"fast_path"`

	// Workers pool configuration
	Workers WorkersConfig `json:"workers" yaml:"workers"`

	// Session lifecycle configuration
	Session SessionConfig `json:"session" yaml:"session"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// HTTP read API configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`
}

// QueueConfig holds message-queue and CDC-stream configuration.
type QueueConfig struct {
	// DBPath is the path to the stream queue database
	DBPath string `json:"db_path" yaml:"db_path"`

	// EventStream is the stream name for raw telemetry events
	EventStream string `json:"event_stream" yaml:"event_stream"`

	// CDCStream is the stream name for change-data-capture notifications
	CDCStream string `json:"cdc_stream" yaml:"cdc_stream"`

	// MaxLen is the approximate maximum entries retained per stream
	MaxLen int64 `json:"max_len" yaml:"max_len"`

	// TrimInterval is how many publishes between approximate trims
	TrimInterval int64 `json:"trim_interval" yaml:"trim_interval"`

	// BlockDuration is how long a read blocks waiting for entries
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"`

	// MinIdle is how long a delivered-but-unacked entry stays owned by its
	// consumer before it becomes claimable again
	MinIdle time.Duration `json:"min_idle" yaml:"min_idle"`
}

// FastPathConfig holds fast-path consumer configuration.
type FastPathConfig struct {
	// Group is the consumer group name on the event stream
	Group string `json:"group" yaml:"group"`

	// Consumer is this process's consumer name within the group
	Consumer string `json:"consumer" yaml:"consumer"`

	// BatchSize is the maximum entries read per batch
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxRetries bounds retry attempts for a failing batch
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the initial retry delay (doubled per attempt)
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// RetryBackoffMax caps the retry delay
	RetryBackoffMax time.Duration `json:"retry_backoff_max" yaml:"retry_backoff_max"`
}

// WorkersConfig holds slow-path worker pool configuration.
type WorkersConfig struct {
	// ReadBatch is the maximum CDC entries read per worker iteration
	ReadBatch int `json:"read_batch" yaml:"read_batch"`

	// RestartBackoff is the initial delay before restarting a failed worker
	RestartBackoff time.Duration `json:"restart_backoff" yaml:"restart_backoff"`

	// RestartBackoffMax caps the restart delay
	RestartBackoffMax time.Duration `json:"restart_backoff_max" yaml:"restart_backoff_max"`

	// ShutdownTimeout bounds the wait for workers to finish on shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// IdleTimeout is how long a session may be inactive before the sweeper
	// marks it timed out
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// SweepInterval is how often the stale-session sweeper runs
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// StorageConfig holds the durable store paths.
type StorageConfig struct {
	// TraceDBPath is the durable log database
	TraceDBPath string `json:"trace_db_path" yaml:"trace_db_path"`

	// ConversationDBPath is the sessions/conversations database
	ConversationDBPath string `json:"conversation_db_path" yaml:"conversation_db_path"`

	// MetricsDBPath is the derived metrics database
	MetricsDBPath string `json:"metrics_db_path" yaml:"metrics_db_path"`
}

// HTTPConfig holds the read-only analytics API configuration.
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/blueplane",
		Queue: QueueConfig{
			DBPath:        "",
			EventStream:   "telemetry:events",
			CDCStream:     "telemetry:cdc",
			MaxLen:        10000,
			TrimInterval:  64,
			BlockDuration: 2 * time.Second,
			MinIdle:       30 * time.Second,
		},
		FastPath: FastPathConfig{
			Group:           "fastpath",
			Consumer:        "fastpath-1",
			BatchSize:       100,
			MaxRetries:      5,
			RetryBackoff:    100 * time.Millisecond,
			RetryBackoffMax: 10 * time.Second,
		},
		Workers: WorkersConfig{
			ReadBatch:         50,
			RestartBackoff:    500 * time.Millisecond,
			RestartBackoffMax: 30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{},
		HTTP: HTTPConfig{
			Addr:         ":8180",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/blueplane"
	}

	if c.Queue.DBPath == "" {
		c.Queue.DBPath = filepath.Join(c.DataDir, "queue.db")
	}
	if c.Storage.TraceDBPath == "" {
		c.Storage.TraceDBPath = filepath.Join(c.DataDir, "traces.db")
	}
	if c.Storage.ConversationDBPath == "" {
		c.Storage.ConversationDBPath = filepath.Join(c.DataDir, "conversations.db")
	}
	if c.Storage.MetricsDBPath == "" {
		c.Storage.MetricsDBPath = filepath.Join(c.DataDir, "metrics.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeFastPath, ModeWorkers, ModeServe:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, fastpath, workers, or serve)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Queue.EventStream == "" || c.Queue.CDCStream == "" {
		return fmt.Errorf("queue.event_stream and queue.cdc_stream are required")
	}
	if c.Queue.EventStream == c.Queue.CDCStream {
		return fmt.Errorf("queue.event_stream and queue.cdc_stream must differ")
	}
	if c.Queue.MaxLen <= 0 {
		return fmt.Errorf("queue.max_len must be positive, got %d", c.Queue.MaxLen)
	}

	if c.FastPath.BatchSize <= 0 {
		return fmt.Errorf("fast_path.batch_size must be positive, got %d", c.FastPath.BatchSize)
	}
	if c.FastPath.MaxRetries <= 0 {
		return fmt.Errorf("fast_path.max_retries must be positive, got %d", c.FastPath.MaxRetries)
	}

	if c.Workers.ReadBatch <= 0 {
		return fmt.Errorf("workers.read_batch must be positive, got %d", c.Workers.ReadBatch)
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}

	return nil
}

// ShouldRunFastPath returns true if the fast-path consumer should run.
func (c *Config) ShouldRunFastPath() bool {
	return c.Mode == ModeAll || c.Mode == ModeFastPath
}

// ShouldRunWorkers returns true if the slow-path worker pool should run.
func (c *Config) ShouldRunWorkers() bool {
	return c.Mode == ModeAll || c.Mode == ModeWorkers
}

// ShouldRunHTTP returns true if the read-only analytics API should run.
func (c *Config) ShouldRunHTTP() bool {
	return c.Mode == ModeAll || c.Mode == ModeServe
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
// Environment variables use the BLUEPLANE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BLUEPLANE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("BLUEPLANE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Queue configuration
	if v := os.Getenv("BLUEPLANE_QUEUE_DB_PATH"); v != "" {
		cfg.Queue.DBPath = v
	}
	if v := os.Getenv("BLUEPLANE_QUEUE_EVENT_STREAM"); v != "" {
		cfg.Queue.EventStream = v
	}
	if v := os.Getenv("BLUEPLANE_QUEUE_CDC_STREAM"); v != "" {
		cfg.Queue.CDCStream = v
	}
	if v := os.Getenv("BLUEPLANE_QUEUE_MAX_LEN"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Queue.MaxLen)
	}
	if v := os.Getenv("BLUEPLANE_QUEUE_BLOCK_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.BlockDuration = d
		}
	}

	// Fast-path configuration
	if v := os.Getenv("BLUEPLANE_FASTPATH_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.FastPath.BatchSize)
	}
	if v := os.Getenv("BLUEPLANE_FASTPATH_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.FastPath.MaxRetries)
	}
	if v := os.Getenv("BLUEPLANE_FASTPATH_CONSUMER"); v != "" {
		cfg.FastPath.Consumer = v
	}

	// Worker configuration
	if v := os.Getenv("BLUEPLANE_WORKERS_READ_BATCH"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Workers.ReadBatch)
	}
	if v := os.Getenv("BLUEPLANE_WORKERS_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workers.ShutdownTimeout = d
		}
	}

	// Session configuration
	if v := os.Getenv("BLUEPLANE_SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleTimeout = d
		}
	}
	if v := os.Getenv("BLUEPLANE_SESSION_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.SweepInterval = d
		}
	}

	// HTTP configuration
	if v := os.Getenv("BLUEPLANE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Queue.DBPath),
		filepath.Dir(c.Storage.TraceDBPath),
		filepath.Dir(c.Storage.ConversationDBPath),
		filepath.Dir(c.Storage.MetricsDBPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
