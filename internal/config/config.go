// Package config provides configuration types and defaults for memsched.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Env selects the deployment flavor; it changes how web-log events are
// shaped (per-item events locally, folded knowledgeBaseUpdate in cloud).
type Env string

const (
	EnvLocal Env = "local"
	EnvCloud Env = "cloud"
)

// ConsumerMode selects how queued messages are consumed.
type ConsumerMode string

const (
	// ConsumerShared runs one consumer goroutine over all streams.
	ConsumerShared ConsumerMode = "shared"
	// ConsumerIsolated runs one consumer goroutine per stream key.
	ConsumerIsolated ConsumerMode = "isolated"
)

// Config holds all configuration options for memsched.
type Config struct {
	Env       Env             `mapstructure:"env"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// SchedulerConfig holds the core scheduling knobs.
type SchedulerConfig struct {
	MaxWorkers         int           `mapstructure:"max_workers"`      // worker pool size W
	ConsumeInterval    time.Duration `mapstructure:"consume_interval"` // backpressure sleep
	ConsumeBatch       int           `mapstructure:"consume_batch"`    // messages per pull
	ConsumerMode       ConsumerMode  `mapstructure:"consumer_mode"`    // shared or isolated
	MaxQueueSize       int           `mapstructure:"max_queue_size"`   // per-stream bound
	MaxWebLogQueueSize int           `mapstructure:"max_weblog_queue_size"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"` // queue depth sampling
	ParallelDispatch   bool          `mapstructure:"parallel_dispatch"`

	TopK                int           `mapstructure:"top_k"`
	ContextWindowSize   int           `mapstructure:"context_window_size"`
	QueryKeyWordsLimit  int           `mapstructure:"query_key_words_limit"`
	SimilarityThreshold float64       `mapstructure:"filter_similarity_threshold"`
	MinLengthThreshold  int           `mapstructure:"filter_min_length_threshold"`
	EnhanceStrategy     string        `mapstructure:"enhance_strategy"` // rewrite or recreate
	EnhanceBatchSize    int           `mapstructure:"enhance_batch_size"`
	EnhanceRetries      int           `mapstructure:"enhance_retries"`
	PrefAddTTL          time.Duration `mapstructure:"pref_add_ttl"`

	EnableActivationMemory bool          `mapstructure:"enable_activation_memory"`
	ActMemDumpPath         string        `mapstructure:"act_mem_dump_path"`
	ActMemUpdateInterval   time.Duration `mapstructure:"act_mem_update_interval"`
}

// RedisConfig configures the optional shared-log backend. When Addr is
// empty the scheduler runs with in-process queues only.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Group    string `mapstructure:"group"` // consumer group for stream reads
	Consumer string `mapstructure:"consumer"`
}

// UseSharedLog reports whether a Redis backend is configured.
func (r RedisConfig) UseSharedLog() bool { return r.Addr != "" }

// DatabaseConfig configures SQLite persistence for the monitors.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // ":memory:" for tests
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RateLimitConfig configures sliding-window admission limiting per user.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// LogConfig configures the debug log file.
type LogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // "stdout" or "otlp"
	Endpoint string `mapstructure:"endpoint"` // OTLP gRPC endpoint
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Env: EnvLocal,
		Scheduler: SchedulerConfig{
			MaxWorkers:             8,
			ConsumeInterval:        100 * time.Millisecond,
			ConsumeBatch:           10,
			ConsumerMode:           ConsumerShared,
			MaxQueueSize:           100,
			MaxWebLogQueueSize:     256,
			MonitorInterval:        15 * time.Second,
			ParallelDispatch:       true,
			TopK:                   10,
			ContextWindowSize:      5,
			QueryKeyWordsLimit:     20,
			SimilarityThreshold:    0.75,
			MinLengthThreshold:     6,
			EnhanceStrategy:        "rewrite",
			EnhanceBatchSize:       10,
			EnhanceRetries:         1,
			PrefAddTTL:             10 * time.Minute,
			EnableActivationMemory: false,
			ActMemDumpPath:         defaultDumpPath(),
			ActMemUpdateInterval:   5 * time.Minute,
		},
		Database:  DatabaseConfig{Path: defaultDBPath()},
		Metrics:   MetricsConfig{Enabled: true, Addr: ":9710"},
		RateLimit: RateLimitConfig{Enabled: true, Limit: 100, Window: time.Minute},
		Tracing:   TracingConfig{Exporter: "stdout"},
	}
}

func defaultDumpPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "activation_cache.json"
	}
	return filepath.Join(home, ".local", "share", "memsched", "activation_cache.json")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "memsched.db"
	}
	return filepath.Join(home, ".local", "share", "memsched", "memsched.db")
}

// Validate checks the configuration for fatal inconsistencies.
func (c Config) Validate() error {
	s := c.Scheduler
	if s.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be positive, got %d", s.MaxWorkers)
	}
	if s.ConsumeBatch <= 0 {
		return fmt.Errorf("scheduler.consume_batch must be positive, got %d", s.ConsumeBatch)
	}
	if s.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler.max_queue_size must be positive, got %d", s.MaxQueueSize)
	}
	if s.TopK <= 0 {
		return fmt.Errorf("scheduler.top_k must be positive, got %d", s.TopK)
	}
	switch s.ConsumerMode {
	case ConsumerShared, ConsumerIsolated:
	default:
		return fmt.Errorf("scheduler.consumer_mode must be %q or %q, got %q",
			ConsumerShared, ConsumerIsolated, s.ConsumerMode)
	}
	switch s.EnhanceStrategy {
	case "rewrite", "recreate":
	default:
		return fmt.Errorf("scheduler.enhance_strategy must be rewrite or recreate, got %q", s.EnhanceStrategy)
	}
	switch c.Env {
	case EnvLocal, EnvCloud:
	default:
		return fmt.Errorf("env must be %q or %q, got %q", EnvLocal, EnvCloud, c.Env)
	}
	if s.EnableActivationMemory && s.ActMemDumpPath == "" {
		return fmt.Errorf("scheduler.act_mem_dump_path required when activation memory is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive, got %d", c.RateLimit.Limit)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
		}
	}
	return nil
}
