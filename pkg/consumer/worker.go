package consumer

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/batch"
	"github.com/streamhaus/lakesink/pkg/checkpoint"
	"github.com/streamhaus/lakesink/pkg/deadletter"
	"github.com/streamhaus/lakesink/pkg/events"
	"github.com/streamhaus/lakesink/pkg/metrics"
	"github.com/streamhaus/lakesink/pkg/writer"
)

// batchWriter is what the worker needs from the table writer.
type batchWriter interface {
	Write(ctx context.Context, b *batch.Batch) (*writer.Result, error)
}

// partitionWorker processes one claimed partition in order: parse, normalize,
// accumulate, write sealed batches, stage checkpoint positions. One worker
// per claim; workers share the writer, checkpoint store and dead-letter sink.
type partitionWorker struct {
	topic     string
	partition int32

	accumulator *batch.Accumulator
	writer      batchWriter
	checkpoints checkpoint.Store
	deadLetters deadletter.Sink
	normalizer  *events.Normalizer
	metrics     *metrics.Collector
	logger      *zap.Logger
	now         func() time.Time

	maxMessageBytes int
	staleThreshold  time.Duration

	lastProcessed int64
	processedAny  bool
}

func newPartitionWorker(topic string, partition int32, cfg Config, deps Dependencies) *partitionWorker {
	return &partitionWorker{
		topic:       topic,
		partition:   partition,
		accumulator: batch.NewAccumulator(cfg.Batch, deps.Logger),
		writer:      deps.Writer,
		checkpoints: deps.Checkpoints,
		deadLetters: deps.DeadLetters,
		normalizer:  events.NewNormalizer(),
		metrics:     deps.Metrics,
		logger: deps.Logger.With(
			zap.String("component", "partition_worker"),
			zap.String("topic", topic),
			zap.Int32("partition", partition)),
		now:             time.Now,
		maxMessageBytes: cfg.MaxMessageBytes,
		staleThreshold:  cfg.StaleThreshold,
	}
}

// handleMessage processes one message. Per-record rejects (malformed,
// oversized, stale) are dead-lettered and counted as processed; a non-nil
// error is a batch-level write failure and the claim must stop so the
// partition replays from its checkpoint.
func (w *partitionWorker) handleMessage(ctx context.Context, raw []byte, offset int64) error {
	w.metrics.EventsConsumed.WithLabelValues(strconv.Itoa(int(w.partition))).Inc()

	pos := events.StreamPosition{Topic: w.topic, Partition: w.partition, Offset: offset}

	if w.maxMessageBytes > 0 && len(raw) > w.maxMessageBytes {
		w.reject(raw, pos, deadletter.ReasonOversizedEvent, nil)
		w.markProcessed(offset)
		return nil
	}

	event, err := events.Parse(raw, pos)
	if err != nil {
		w.reject(raw, pos, deadletter.ReasonMalformedEvent, err)
		w.markProcessed(offset)
		return nil
	}

	if w.staleThreshold > 0 && w.now().Sub(event.SourceTime) > w.staleThreshold {
		w.reject(raw, pos, deadletter.ReasonStaleEvent, nil)
		w.markProcessed(offset)
		return nil
	}

	record := w.normalizer.Normalize(event)
	w.metrics.EventsProcessed.WithLabelValues(record.Table, string(record.Operation)).Inc()

	// A sealed batch must be durable before the offset counts as processed;
	// otherwise a commit racing the write could advance past unwritten data.
	if sealed := w.accumulator.Offer(record); sealed != nil {
		if err := w.writeBatch(ctx, sealed); err != nil {
			return err
		}
	}
	w.markProcessed(offset)
	return nil
}

// sweep writes batches whose wait bound expired.
func (w *partitionWorker) sweep(ctx context.Context) error {
	for _, due := range w.accumulator.Due() {
		if err := w.writeBatch(ctx, due); err != nil {
			return err
		}
	}
	return nil
}

// drain writes every open batch regardless of age. Called at shutdown and
// rebalance; a failure here is tolerable because the uncommitted range is
// replayed on the next claim.
func (w *partitionWorker) drain(ctx context.Context) error {
	for _, b := range w.accumulator.Drain() {
		if err := w.writeBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (w *partitionWorker) writeBatch(ctx context.Context, b *batch.Batch) error {
	if _, err := w.writer.Write(ctx, b); err != nil {
		return err
	}
	w.stageCheckpoint()
	return nil
}

// stageCheckpoint stages the committable position: records still buffered in
// open batches must stay ahead of the checkpoint, so the position is one
// before the lowest buffered offset, or the last processed offset when
// nothing is buffered.
func (w *partitionWorker) stageCheckpoint() {
	if !w.processedAny {
		return
	}
	committable := w.lastProcessed
	if lowest, open := w.accumulator.LowestOpenOffset(); open {
		committable = lowest - 1
	}
	if committable >= 0 {
		w.checkpoints.Update(w.partition, committable)
	}
}

func (w *partitionWorker) markProcessed(offset int64) {
	w.lastProcessed = offset
	w.processedAny = true
	w.stageCheckpoint()
}

func (w *partitionWorker) reject(raw []byte, pos events.StreamPosition, reason deadletter.Reason, cause error) {
	record := &deadletter.Record{
		Payload:   raw,
		Reason:    reason,
		Attempts:  1,
		Topic:     pos.Topic,
		Partition: pos.Partition,
		Offset:    pos.Offset,
		Timestamp: w.now().UTC(),
	}
	if cause != nil {
		record.Error = cause.Error()
	}

	if err := w.deadLetters.Send(record); err != nil {
		w.logger.Error("dead-letter send failed",
			zap.String("reason", string(reason)),
			zap.Int64("offset", pos.Offset),
			zap.Error(err))
	}
	w.metrics.DeadLetters.WithLabelValues(string(reason)).Inc()
}
