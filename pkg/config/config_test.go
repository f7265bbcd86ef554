package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
kafka:
  brokers: ["localhost:9092"]
  topics: ["cdc.shop.orders"]
storage:
  bucket: lake
  region: us-east-1
`

func TestLoad(t *testing.T) {
	t.Run("minimal config gets defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, "lakesink", cfg.Kafka.GroupID)
		assert.Equal(t, 1<<20, cfg.Kafka.MaxMessageBytes)
		assert.Equal(t, 10, cfg.Kafka.MaxConsecutiveErrors)
		assert.Equal(t, 2000, cfg.Batch.MaxRecords)
		assert.Equal(t, Duration(10*time.Second), cfg.Batch.MaxWait)
		assert.Equal(t, Duration(time.Second), cfg.Batch.FlushInterval)
		assert.Equal(t, Duration(5*time.Minute), cfg.Schema.CacheTTL)
		assert.Equal(t, 100, cfg.Schema.CacheMaxSize)
		assert.Equal(t, 3, cfg.Schema.SchemaRetries)
		assert.Equal(t, Duration(30*time.Second), cfg.Checkpoint.CommitInterval)
		assert.Equal(t, 10000, cfg.DeadLetter.RatePerMinute)
		assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
		assert.Equal(t, Duration(500*time.Millisecond), cfg.Resilience.InitialDelay)
		assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
		assert.Equal(t, Duration(60*time.Second), cfg.Resilience.BreakerTimeout)
		assert.Equal(t, Duration(0), cfg.Kafka.StaleThreshold, "staleness disabled by default")
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("environment variables are substituted", func(t *testing.T) {
		t.Setenv("TEST_BUCKET", "prod-lake")
		t.Setenv("TEST_SECRET", "s3cret")

		cfg, err := Load(writeConfig(t, `
kafka:
  brokers: ["localhost:9092"]
  topics: ["cdc.shop.orders"]
storage:
  bucket: ${TEST_BUCKET}
  region: us-east-1
  secret_access_key: ${TEST_SECRET}
`))
		require.NoError(t, err)
		assert.Equal(t, "prod-lake", cfg.Storage.Bucket)
		assert.Equal(t, "s3cret", cfg.Storage.SecretAccessKey)
	})

	t.Run("explicit values survive validation", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
kafka:
  brokers: ["b1:9092", "b2:9092"]
  topics: ["a", "b"]
  group_id: custom
  stale_threshold: 1h
storage:
  bucket: lake
  endpoint: http://minio:9000
  force_path_style: true
batch:
  max_records: 500
  max_wait: 3s
  flush_interval: 250ms
`))
		require.NoError(t, err)
		assert.Equal(t, "custom", cfg.Kafka.GroupID)
		assert.Equal(t, Duration(time.Hour), cfg.Kafka.StaleThreshold)
		assert.Equal(t, 500, cfg.Batch.MaxRecords)
		assert.Equal(t, Duration(3*time.Second), cfg.Batch.MaxWait)
		assert.Equal(t, Duration(250*time.Millisecond), cfg.Batch.FlushInterval)
		assert.True(t, cfg.Storage.ForcePathStyle)
	})

	t.Run("missing required fields fail validation", func(t *testing.T) {
		for name, content := range map[string]string{
			"no brokers": "kafka:\n  topics: [\"a\"]\nstorage:\n  bucket: b\n  region: r\n",
			"no topics":  "kafka:\n  brokers: [\"x\"]\nstorage:\n  bucket: b\n  region: r\n",
			"no bucket":  "kafka:\n  brokers: [\"x\"]\n  topics: [\"a\"]\nstorage:\n  region: r\n",
			"no region or endpoint": "kafka:\n  brokers: [\"x\"]\n  topics: [\"a\"]\nstorage:\n  bucket: b\n",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := Load(writeConfig(t, content))
				assert.Error(t, err)
			})
		}
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml is an error", func(t *testing.T) {
		_, err := Load(writeConfig(t, "kafka: ["))
		assert.Error(t, err)
	})
}
