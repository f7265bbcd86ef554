// Package consumer drives the pipeline: it pulls change events from the
// source stream in partition order, normalizes and batches them, and commits
// checkpoints once the corresponding writes are durable.
package consumer

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/batch"
	"github.com/streamhaus/lakesink/pkg/checkpoint"
	"github.com/streamhaus/lakesink/pkg/deadletter"
	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/metrics"
)

// Config configures the stream consumer.
type Config struct {
	Brokers []string
	Topics  []string
	GroupID string
	// MaxMessageBytes rejects larger payloads as oversized. Default 1 MiB.
	MaxMessageBytes int
	// StaleThreshold dead-letters events whose source timestamp is older.
	// Zero disables the check.
	StaleThreshold time.Duration
	// MaxConsecutiveErrors stops the consumer after this many consecutive
	// failed group sessions instead of hot-looping. Default 10.
	MaxConsecutiveErrors int
	// CheckpointInterval is how often staged positions are committed.
	// Default 30s.
	CheckpointInterval time.Duration
	// FlushInterval is how often open batches are checked against their
	// wait bound. Default 1s.
	FlushInterval time.Duration
	// ShutdownGrace bounds the drain at shutdown. Default 30s.
	ShutdownGrace time.Duration
	// Batch bounds the per-table accumulators.
	Batch batch.Config
}

func (c *Config) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Dependencies are the collaborators every partition worker shares.
type Dependencies struct {
	Writer      batchWriter
	Checkpoints checkpoint.Store
	DeadLetters deadletter.Sink
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Consumer joins a consumer group and runs one worker per claimed partition.
type Consumer struct {
	group  sarama.ConsumerGroup
	config Config
	deps   Dependencies
	logger *zap.Logger
}

// New creates the consumer and its group client. Offsets are seeked from the
// checkpoint store at claim setup, so the local checkpoint file, not the
// broker's offset store, is the source of truth for resumption.
func New(cfg Config, deps Dependencies) (*Consumer, error) {
	cfg.applyDefaults()

	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 || cfg.GroupID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "brokers, topics and group id are required")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_6_0_0
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "consumer group setup failed")
	}

	return &Consumer{
		group:  group,
		config: cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "consumer")),
	}, nil
}

// Run consumes until the context is cancelled. Group sessions end on
// rebalance or error; each re-join replays from the committed checkpoints.
// After MaxConsecutiveErrors failed sessions in a row the consumer gives up.
func (c *Consumer) Run(ctx context.Context) error {
	handler := &groupHandler{consumer: c}
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.group.Consume(ctx, c.config.Topics, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			consecutive = 0
			continue
		}

		consecutive++
		c.logger.Error("consumer session failed",
			zap.Error(err),
			zap.Int("consecutive_errors", consecutive))
		if consecutive >= c.config.MaxConsecutiveErrors {
			return errors.Wrapf(err, errors.ErrorTypeInternal,
				"consumer stopped after %d consecutive session failures", consecutive)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second * time.Duration(consecutive)):
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	consumer *Consumer
}

// Setup seeks every claimed partition to the checkpointed position so a
// restart resumes exactly where the last durable write left off.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			if offset, ok := h.consumer.deps.Checkpoints.Get(partition); ok {
				session.ResetOffset(topic, partition, offset+1, "")
			}
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim runs the worker loop for one partition: messages, flush
// sweeps and checkpoint commits are serialized on a single goroutine so a
// commit can never observe a half-processed message.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	worker := newPartitionWorker(claim.Topic(), claim.Partition(), cfg, h.consumer.deps)

	flushTicker := time.NewTicker(cfg.FlushInterval)
	defer flushTicker.Stop()
	commitTicker := time.NewTicker(cfg.CheckpointInterval)
	defer commitTicker.Stop()

	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return h.finish(session, worker)
			}
			if err := worker.handleMessage(ctx, msg.Value, msg.Offset); err != nil {
				// Batch-level failure: stop the claim without committing
				// past the batch; the range replays on the next session.
				h.commit(session, worker)
				return err
			}
		case <-flushTicker.C:
			if err := worker.sweep(ctx); err != nil {
				h.commit(session, worker)
				return err
			}
		case <-commitTicker.C:
			h.commit(session, worker)
		case <-ctx.Done():
			return h.finish(session, worker)
		}
	}
}

// finish drains open batches within the grace period and commits what is
// durable. Drain failures are logged, not fatal: the undrained range simply
// replays.
func (h *groupHandler) finish(session sarama.ConsumerGroupSession, worker *partitionWorker) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.consumer.config.ShutdownGrace)
	defer cancel()

	if err := worker.drain(ctx); err != nil {
		worker.logger.Warn("drain failed, undrained range will replay", zap.Error(err))
	}
	h.commit(session, worker)
	return nil
}

// commit persists staged checkpoint positions and mirrors the committed
// offset to the broker for lag visibility.
func (h *groupHandler) commit(session sarama.ConsumerGroupSession, worker *partitionWorker) {
	deps := h.consumer.deps
	if err := deps.Checkpoints.Commit(); err != nil {
		deps.Metrics.CommitFailures.Inc()
		worker.logger.Error("checkpoint commit failed", zap.Error(err))
		return
	}
	deps.Metrics.Commits.Inc()
	deps.Metrics.CheckpointAge.Set(0)

	if offset, ok := deps.Checkpoints.Get(worker.partition); ok {
		session.MarkOffset(worker.topic, worker.partition, offset+1, "")
		session.Commit()
	}
}
