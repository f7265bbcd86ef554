package deadletter

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/IBM/sarama"
	jsoncodec "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/resilience"
)

// KafkaSinkConfig configures the Kafka-backed dead-letter sink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
	// RatePerMinute bounds sink throughput so a systemic failure cannot
	// overwhelm the transport. Default 10000.
	RatePerMinute int
	// FallbackPath is the local durable file used when the transport is
	// unavailable or the rate limit is exceeded.
	FallbackPath string
}

// KafkaSink publishes dead-letter records to a Kafka topic. Sends are rate
// limited; when the transport is unavailable or over the limit, records go
// to a local durable file instead, so no event is ever silently lost.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	limiter  *resilience.TokenBucket
	fallback *fileFallback
	logger   *zap.Logger

	mu       sync.Mutex
	byReason map[Reason]int64
}

// NewKafkaSink creates the sink and its producer. The producer requires
// full acknowledgement so a confirmed send is durable.
func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 10000
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Compression = sarama.CompressionSnappy
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "dead-letter producer setup failed")
	}

	return newKafkaSink(producer, cfg, logger)
}

// newKafkaSink wires an existing producer; split out for tests.
func newKafkaSink(producer sarama.SyncProducer, cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	fallback, err := newFileFallback(cfg.FallbackPath)
	if err != nil {
		return nil, err
	}

	return &KafkaSink{
		producer: producer,
		topic:    cfg.Topic,
		limiter:  resilience.PerMinute(cfg.RatePerMinute),
		fallback: fallback,
		logger:   logger.With(zap.String("component", "deadletter_sink")),
		byReason: make(map[Reason]int64),
	}, nil
}

// Send delivers one record. Transport failure and rate limiting both divert
// to the local fallback file.
func (s *KafkaSink) Send(record *Record) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	s.count(record.Reason)

	data, err := jsoncodec.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "dead-letter encode failed")
	}

	if !s.limiter.Allow() {
		s.logger.Warn("dead-letter rate limit exceeded, writing to fallback",
			zap.String("reason", string(record.Reason)),
			zap.Int64("offset", record.Offset))
		return s.fallback.append(data)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(record.Key()),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		s.logger.Warn("dead-letter transport unavailable, writing to fallback",
			zap.Error(err),
			zap.String("reason", string(record.Reason)))
		return s.fallback.append(data)
	}

	s.logger.Info("event dead-lettered",
		zap.String("reason", string(record.Reason)),
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Int("attempts", record.Attempts))
	return nil
}

// Counts returns per-reason totals.
func (s *KafkaSink) Counts() map[Reason]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Reason]int64, len(s.byReason))
	for reason, n := range s.byReason {
		out[reason] = n
	}
	return out
}

// Close shuts down the producer and fallback file.
func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	if closeErr := s.fallback.close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *KafkaSink) count(reason Reason) {
	s.mu.Lock()
	s.byReason[reason]++
	s.mu.Unlock()
}

// fileFallback appends dead-letter records to a local newline-delimited
// JSON file, synced per write.
type fileFallback struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func newFileFallback(path string) (*fileFallback, error) {
	if path == "" {
		path = "deadletter-fallback.ndjson"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot create fallback directory")
		}
	}
	return &fileFallback{path: path}, nil
}

func (f *fileFallback) append(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "fallback open failed")
		}
		f.file = file
	}

	if _, err := f.file.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "fallback write failed")
	}
	return f.file.Sync()
}

func (f *fileFallback) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
