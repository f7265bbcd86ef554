// Package config provides configuration loading for the pipeline: YAML with
// environment variable substitution, validated once at startup and immutable
// for the process lifetime.
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/logger"
)

// Duration is a time.Duration that parses YAML scalars like "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "invalid duration %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full pipeline configuration.
type Config struct {
	Kafka      KafkaConfig      `yaml:"kafka"`
	Storage    StorageConfig    `yaml:"storage"`
	Batch      BatchConfig      `yaml:"batch"`
	Schema     SchemaConfig     `yaml:"schema"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logger.Config    `yaml:"logging"`
}

// KafkaConfig configures the source stream.
type KafkaConfig struct {
	Brokers              []string `yaml:"brokers"`
	Topics               []string `yaml:"topics"`
	GroupID              string   `yaml:"group_id"`
	MaxMessageBytes      int      `yaml:"max_message_bytes"`
	StaleThreshold       Duration `yaml:"stale_threshold"`
	MaxConsecutiveErrors int      `yaml:"max_consecutive_errors"`
	ShutdownGrace        Duration `yaml:"shutdown_grace"`
}

// StorageConfig configures the destination object store.
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// BatchConfig bounds the per-table accumulators.
type BatchConfig struct {
	MaxRecords int      `yaml:"max_records"`
	MaxWait    Duration `yaml:"max_wait"`
	// FlushInterval is how often open batches are swept against MaxWait.
	FlushInterval Duration `yaml:"flush_interval"`
}

// SchemaConfig configures schema caching and conflict handling.
type SchemaConfig struct {
	CacheTTL      Duration `yaml:"cache_ttl"`
	CacheMaxSize  int      `yaml:"cache_max_size"`
	SchemaRetries int      `yaml:"schema_retries"`
}

// CheckpointConfig configures position persistence.
type CheckpointConfig struct {
	Path           string   `yaml:"path"`
	CommitInterval Duration `yaml:"commit_interval"`
}

// DeadLetterConfig configures the dead-letter sink.
type DeadLetterConfig struct {
	Topic         string `yaml:"topic"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	FallbackPath  string `yaml:"fallback_path"`
}

// ResilienceConfig configures retries and the destination breaker.
type ResilienceConfig struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	InitialDelay     Duration `yaml:"initial_delay"`
	MaxDelay         Duration `yaml:"max_delay"`
	FailureThreshold int      `yaml:"failure_threshold"`
	BreakerTimeout   Duration `yaml:"breaker_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Validate checks required fields and applies defaults in place.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return errors.New(errors.ErrorTypeConfig, "kafka.brokers is required")
	}
	if len(c.Kafka.Topics) == 0 {
		return errors.New(errors.ErrorTypeConfig, "kafka.topics is required")
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "lakesink"
	}
	if c.Kafka.MaxMessageBytes <= 0 {
		c.Kafka.MaxMessageBytes = 1 << 20
	}
	if c.Kafka.MaxConsecutiveErrors <= 0 {
		c.Kafka.MaxConsecutiveErrors = 10
	}
	if c.Kafka.ShutdownGrace <= 0 {
		c.Kafka.ShutdownGrace = Duration(30 * time.Second)
	}

	if c.Storage.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "storage.bucket is required")
	}
	if c.Storage.Region == "" && c.Storage.Endpoint == "" {
		return errors.New(errors.ErrorTypeConfig, "storage.region or storage.endpoint is required")
	}

	if c.Batch.MaxRecords <= 0 {
		c.Batch.MaxRecords = 2000
	}
	if c.Batch.MaxWait <= 0 {
		c.Batch.MaxWait = Duration(10 * time.Second)
	}
	if c.Batch.FlushInterval <= 0 {
		c.Batch.FlushInterval = Duration(time.Second)
	}

	if c.Schema.CacheTTL <= 0 {
		c.Schema.CacheTTL = Duration(5 * time.Minute)
	}
	if c.Schema.CacheMaxSize <= 0 {
		c.Schema.CacheMaxSize = 100
	}
	if c.Schema.SchemaRetries <= 0 {
		c.Schema.SchemaRetries = 3
	}

	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "data/checkpoints.json"
	}
	if c.Checkpoint.CommitInterval <= 0 {
		c.Checkpoint.CommitInterval = Duration(30 * time.Second)
	}

	if c.DeadLetter.Topic == "" {
		c.DeadLetter.Topic = "lakesink.deadletter"
	}
	if c.DeadLetter.RatePerMinute <= 0 {
		c.DeadLetter.RatePerMinute = 10000
	}
	if c.DeadLetter.FallbackPath == "" {
		c.DeadLetter.FallbackPath = "data/deadletter-fallback.ndjson"
	}

	if c.Resilience.MaxAttempts <= 0 {
		c.Resilience.MaxAttempts = 3
	}
	if c.Resilience.InitialDelay <= 0 {
		c.Resilience.InitialDelay = Duration(500 * time.Millisecond)
	}
	if c.Resilience.MaxDelay <= 0 {
		c.Resilience.MaxDelay = Duration(30 * time.Second)
	}
	if c.Resilience.FailureThreshold <= 0 {
		c.Resilience.FailureThreshold = 5
	}
	if c.Resilience.BreakerTimeout <= 0 {
		c.Resilience.BreakerTimeout = Duration(60 * time.Second)
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	return nil
}
