// Package writer turns sealed batches into columnar destination writes,
// handling schema resolution, per-record coercion, transient retries and the
// destination circuit breaker.
package writer

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/batch"
	"github.com/streamhaus/lakesink/pkg/deadletter"
	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/events"
	"github.com/streamhaus/lakesink/pkg/metrics"
	"github.com/streamhaus/lakesink/pkg/resilience"
	"github.com/streamhaus/lakesink/pkg/schema"
	"github.com/streamhaus/lakesink/pkg/storage"
)

// Config bounds the writer's failure handling.
type Config struct {
	// SchemaRetries is the number of resolution attempts when the
	// destination rejects a schema; attempts after the first bypass the
	// cache. Default 3.
	SchemaRetries int
	// PartitionColumns select the destination directory partitioning.
	PartitionColumns []string
	// RetryPolicy covers transient destination failures.
	RetryPolicy resilience.RetryPolicy
	// Breaker guards the destination. Shared across workers.
	Breaker *resilience.CircuitBreaker
}

// Result reports what happened to a batch.
type Result struct {
	RecordsWritten  int
	RecordsRejected int
	Bytes           int64
	SchemaVersion   int64
	Deduplicated    bool
	Duration        time.Duration
}

// Writer writes batches. One instance is shared by all partition workers;
// all state it holds is concurrency safe.
type Writer struct {
	backend       storage.Backend
	schemas       *schema.Manager
	deadLetters   deadletter.Sink
	retrier       *resilience.Retrier
	breaker       *resilience.CircuitBreaker
	metrics       *metrics.Collector
	logger        *zap.Logger
	schemaRetries int
	partitionCols []string
}

// New creates a writer.
func New(backend storage.Backend, schemas *schema.Manager, deadLetters deadletter.Sink,
	cfg Config, collector *metrics.Collector, logger *zap.Logger) *Writer {

	if cfg.SchemaRetries <= 0 {
		cfg.SchemaRetries = 3
	}
	if len(cfg.PartitionColumns) == 0 {
		cfg.PartitionColumns = []string{events.ColIngestionDate}
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = resilience.StorageRetryPolicy()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig(), logger)
	}

	// An open breaker already means the destination is down; backing off
	// against it inside the retry loop would only delay the dead-letter
	// decision, so ErrCircuitOpen is treated as permanent here.
	retrier := resilience.NewRetrier(cfg.RetryPolicy).WithClassifier(func(err error) bool {
		if stderrors.Is(err, resilience.ErrCircuitOpen) {
			return false
		}
		return errors.IsRetryable(err)
	})

	return &Writer{
		backend:       backend,
		schemas:       schemas,
		deadLetters:   deadLetters,
		retrier:       retrier,
		breaker:       breaker,
		metrics:       collector,
		logger:        logger.With(zap.String("component", "writer")),
		schemaRetries: cfg.SchemaRetries,
		partitionCols: cfg.PartitionColumns,
	}
}

// Write persists one batch. Records that cannot be coerced into the resolved
// schema are dead-lettered individually; the rest are written. A nil error
// means every record is durably accounted for (written or dead-lettered) and
// the batch's offset range may be checkpointed. A non-nil error is a
// batch-level failure; the caller must not advance past the batch.
func (w *Writer) Write(ctx context.Context, b *batch.Batch) (*Result, error) {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < w.schemaRetries; attempt++ {
		resolved, err := w.resolveSchema(ctx, b, attempt > 0)
		if err != nil {
			lastErr = err
			break
		}

		accepted, rejected := w.coerceRecords(b, resolved)
		if rejected > 0 && len(accepted) == 0 {
			// Whole batch was incompatible; nothing left to write.
			return w.finish(b, &Result{
				RecordsRejected: rejected,
				SchemaVersion:   resolved.Version,
				Duration:        time.Since(start),
			}), nil
		}

		result, err := w.writeOnce(ctx, b, resolved, accepted)
		if err == nil {
			result.RecordsRejected = rejected
			result.Duration = time.Since(start)
			if w.schemas.Confirm(b.Table, resolved) {
				w.metrics.SchemaEvolved.Inc()
			}
			return w.finish(b, result), nil
		}
		lastErr = err

		if storage.IsSchemaRejected(err) {
			// A concurrent writer evolved the table; re-resolve against the
			// destination's newer schema.
			w.schemas.Invalidate(b.Table)
			w.logger.Warn("destination rejected schema, re-resolving",
				zap.String("table", b.Table),
				zap.Int64("attempted_version", resolved.Version),
				zap.Int("attempt", attempt+1))
			continue
		}
		break
	}

	return nil, w.deadLetterBatch(b, lastErr)
}

// resolveSchema resolves the batch schema under the same retry and breaker
// protection as the write itself: the backend read inside resolution is a
// destination call, and a transient failure there must not fail the batch on
// its first attempt.
func (w *Writer) resolveSchema(ctx context.Context, b *batch.Batch, bypassCache bool) (*schema.TableSchema, error) {
	var resolved *schema.TableSchema
	err := w.retrier.Execute(ctx, func() error {
		return w.breaker.Execute(func() error {
			s, resolveErr := w.schemas.Resolve(ctx, b.Table, columnRows(b.Records), bypassCache)
			if resolveErr != nil {
				return resolveErr
			}
			resolved = s
			return nil
		})
	})
	w.observeBreaker()
	return resolved, err
}

func (w *Writer) writeOnce(ctx context.Context, b *batch.Batch,
	resolved *schema.TableSchema, rows []map[string]schema.Value) (*Result, error) {

	record, err := buildRecord(resolved, rows)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	req := &storage.WriteRequest{
		Table:            b.Table,
		Schema:           resolved,
		Record:           record,
		PartitionColumns: w.partitionCols,
		Range: storage.CommitRange{
			Partition:   b.Partition,
			FirstOffset: b.FirstOffset,
			LastOffset:  b.LastOffset,
		},
	}

	var out *storage.WriteResult
	attempts := 0
	err = w.retrier.Execute(ctx, func() error {
		attempts++
		return w.breaker.Execute(func() error {
			result, writeErr := w.backend.Write(ctx, req)
			if writeErr != nil {
				return writeErr
			}
			out = result
			return nil
		})
	})
	w.observeBreaker()
	if attempts > 1 {
		w.metrics.WriteRetries.Add(float64(attempts - 1))
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		RecordsWritten: len(rows),
		Bytes:          out.Bytes,
		SchemaVersion:  resolved.Version,
		Deduplicated:   out.Deduplicated,
	}, nil
}

// coerceRecords converts every record's values into the resolved column
// types. Incompatible records are dead-lettered one by one so a single bad
// document never poisons its batch.
func (w *Writer) coerceRecords(b *batch.Batch, s *schema.TableSchema) ([]map[string]schema.Value, int) {
	accepted := make([]map[string]schema.Value, 0, len(b.Records))
	rejected := 0

	for _, rec := range b.Records {
		row, err := coerceRow(rec.Columns, s)
		if err != nil {
			rejected++
			w.deadLetterRecord(rec, deadletter.ReasonTypeIncompatible, err)
			continue
		}
		accepted = append(accepted, row)
	}
	return accepted, rejected
}

func coerceRow(columns map[string]schema.Value, s *schema.TableSchema) (map[string]schema.Value, error) {
	row := make(map[string]schema.Value, len(columns))
	for _, col := range s.Columns {
		value, ok := columns[col.Name]
		if !ok {
			continue
		}
		coerced, err := schema.Coerce(value, col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "column %s", col.Name)
		}
		// Lists, structs and dates are stored in their text form.
		if coerced.Kind != schema.KindNull && needsTextForm(col.Type, coerced) {
			text, err := schema.Coerce(coerced, schema.TypeString)
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "column %s", col.Name)
			}
			coerced = text
		}
		row[col.Name] = coerced
	}
	return row, nil
}

// needsTextForm reports whether the physical column is string-backed but the
// coerced value is still structured.
func needsTextForm(t schema.LogicalType, v schema.Value) bool {
	switch t {
	case schema.TypeList, schema.TypeStruct, schema.TypeDate, schema.TypeNull:
		return v.Kind != schema.KindString
	default:
		return false
	}
}

// deadLetterBatch routes an entire failed batch to the dead-letter sink and
// returns an error so the caller holds its checkpoint position. Batch-level
// failures stall the partition rather than lose data; the records are in the
// dead-letter sink for the operator, and a later replay that succeeds lands
// on the same commit range, so the destination stays exactly-once.
func (w *Writer) deadLetterBatch(b *batch.Batch, cause error) error {
	reason := deadletter.ReasonDestinationUnavailable
	if storage.IsSchemaRejected(cause) {
		reason = deadletter.ReasonSchemaConflict
	}

	for _, rec := range b.Records {
		w.deadLetterRecord(rec, reason, cause)
	}

	w.logger.Error("batch dead-lettered",
		zap.String("table", b.Table),
		zap.String("reason", string(reason)),
		zap.Int("records", len(b.Records)),
		zap.Error(cause))

	return errors.Wrapf(cause, errors.ErrorTypeUnavailable,
		"batch write failed for table %s", b.Table)
}

func (w *Writer) deadLetterRecord(rec *events.NormalizedRecord, reason deadletter.Reason, cause error) {
	payload, err := schema.EncodeDocument(rec.Columns)
	if err != nil {
		payload = []byte(`{"encoding_error":true}`)
	}

	record := &deadletter.Record{
		Payload:   payload,
		Reason:    reason,
		Attempts:  1,
		Topic:     rec.Position.Topic,
		Partition: rec.Position.Partition,
		Offset:    rec.Position.Offset,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		record.Error = cause.Error()
	}

	if sendErr := w.deadLetters.Send(record); sendErr != nil {
		w.logger.Error("dead-letter send failed",
			zap.String("reason", string(reason)),
			zap.Int64("offset", rec.Position.Offset),
			zap.Error(sendErr))
	}
	w.metrics.DeadLetters.WithLabelValues(string(reason)).Inc()
}

func (w *Writer) finish(b *batch.Batch, result *Result) *Result {
	w.metrics.BatchesClosed.WithLabelValues(string(b.Trigger)).Inc()
	w.metrics.BatchRecords.Observe(float64(len(b.Records)))
	w.metrics.WriteLatency.Observe(result.Duration.Seconds())
	w.metrics.WriteBytes.Add(float64(result.Bytes))

	w.logger.Info("batch written",
		zap.String("table", b.Table),
		zap.Int("written", result.RecordsWritten),
		zap.Int("rejected", result.RecordsRejected),
		zap.Int64("schema_version", result.SchemaVersion),
		zap.Bool("deduplicated", result.Deduplicated),
		zap.Duration("duration", result.Duration))
	return result
}

func (w *Writer) observeBreaker() {
	w.metrics.BreakerState.Set(float64(w.breaker.State().State))
}

func columnRows(records []*events.NormalizedRecord) []map[string]schema.Value {
	rows := make([]map[string]schema.Value, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.Columns)
	}
	return rows
}
