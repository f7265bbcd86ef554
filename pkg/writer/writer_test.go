package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/streamhaus/lakesink/pkg/batch"
	"github.com/streamhaus/lakesink/pkg/deadletter"
	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/events"
	"github.com/streamhaus/lakesink/pkg/metrics"
	"github.com/streamhaus/lakesink/pkg/resilience"
	"github.com/streamhaus/lakesink/pkg/schema"
	"github.com/streamhaus/lakesink/pkg/storage"
)

// memorySink captures dead-letter records in memory.
type memorySink struct {
	mu      sync.Mutex
	records []*deadletter.Record
}

func (m *memorySink) Send(record *deadletter.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) byReason(reason deadletter.Reason) []*deadletter.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*deadletter.Record
	for _, rec := range m.records {
		if rec.Reason == reason {
			out = append(out, rec)
		}
	}
	return out
}

// rejectingBackend rejects the first n writes with a schema conflict.
type rejectingBackend struct {
	*storage.MemoryBackend
	remaining int
}

func (r *rejectingBackend) Write(ctx context.Context, req *storage.WriteRequest) (*storage.WriteResult, error) {
	if r.remaining > 0 {
		r.remaining--
		return nil, storage.ErrSchemaRejected
	}
	return r.MemoryBackend.Write(ctx, req)
}

// flakyReadBackend fails the first n schema reads with a transient error.
type flakyReadBackend struct {
	*storage.MemoryBackend
	readFailures int
}

func (f *flakyReadBackend) ReadSchema(ctx context.Context, table string) (*schema.TableSchema, bool, error) {
	if f.readFailures > 0 {
		f.readFailures--
		return nil, false, errors.New(errors.ErrorTypeConnection, "backend down")
	}
	return f.MemoryBackend.ReadSchema(ctx, table)
}

func testRecord(offset int64, columns map[string]schema.Value) *events.NormalizedRecord {
	return &events.NormalizedRecord{
		Table:    "shop_orders",
		Columns:  columns,
		Position: events.StreamPosition{Topic: "cdc", Partition: 0, Offset: offset},
	}
}

func testBatch(records ...*events.NormalizedRecord) *batch.Batch {
	return &batch.Batch{
		Table:       "shop_orders",
		Records:     records,
		Partition:   0,
		FirstOffset: records[0].Position.Offset,
		LastOffset:  records[len(records)-1].Position.Offset,
		OpenedAt:    time.Now(),
		Trigger:     batch.TriggerSize,
	}
}

type fixture struct {
	writer  *Writer
	backend storage.Backend
	memory  *storage.MemoryBackend
	sink    *memorySink
	schemas *schema.Manager
}

func newFixture(t *testing.T, backend storage.Backend, memory *storage.MemoryBackend) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sink := &memorySink{}
	schemas := schema.NewManager(backend, schema.ManagerConfig{}, logger)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	w := New(backend, schemas, sink, Config{
		RetryPolicy: resilience.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Base:         2.0,
		},
	}, collector, logger)

	return &fixture{writer: w, backend: backend, memory: memory, sink: sink, schemas: schemas}
}

func TestWriterWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("writes a batch and confirms the schema", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		f := newFixture(t, backend, backend)

		result, err := f.writer.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
			testRecord(2, map[string]schema.Value{"id": schema.IntValue(2)}),
		))
		require.NoError(t, err)
		assert.Equal(t, 2, result.RecordsWritten)
		assert.Equal(t, 0, result.RecordsRejected)
		assert.Equal(t, int64(1), result.SchemaVersion)
		assert.Equal(t, int64(2), backend.Rows("shop_orders"))
	})

	t.Run("two evolving batches bump the version once each", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		f := newFixture(t, backend, backend)

		first, err := f.writer.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
		))
		require.NoError(t, err)
		require.Equal(t, int64(1), first.SchemaVersion)

		second, err := f.writer.Write(ctx, testBatch(
			testRecord(2, map[string]schema.Value{
				"id":   schema.IntValue(2),
				"name": schema.StringValue("x"),
			}),
		))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.SchemaVersion)

		stored, ok, err := backend.ReadSchema(ctx, "shop_orders")
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotNil(t, stored.Column("name"))
	})

	t.Run("replaying a crashed batch is a destination no-op", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		f := newFixture(t, backend, backend)

		b := testBatch(
			testRecord(10, map[string]schema.Value{"id": schema.IntValue(1)}),
			testRecord(11, map[string]schema.Value{"id": schema.IntValue(2)}),
		)
		_, err := f.writer.Write(ctx, b)
		require.NoError(t, err)

		// Crash before checkpoint commit: the same offset range arrives again.
		replayed, err := f.writer.Write(ctx, testBatch(
			testRecord(10, map[string]schema.Value{"id": schema.IntValue(1)}),
			testRecord(11, map[string]schema.Value{"id": schema.IntValue(2)}),
		))
		require.NoError(t, err)
		assert.True(t, replayed.Deduplicated)
		assert.Equal(t, int64(2), backend.Rows("shop_orders"), "no duplicate rows")
	})

	t.Run("exhausted transient retries dead-letter the batch and stall", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		backend.FailWrites = errors.New(errors.ErrorTypeConnection, "backend down")
		f := newFixture(t, backend, backend)

		_, err := f.writer.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
			testRecord(2, map[string]schema.Value{"id": schema.IntValue(2)}),
		))
		require.Error(t, err, "caller must hold its checkpoint position")

		dead := f.sink.byReason(deadletter.ReasonDestinationUnavailable)
		assert.Len(t, dead, 2, "every record is accounted for")
	})

	t.Run("transient schema read failure is retried, not dead-lettered", func(t *testing.T) {
		memory := storage.NewMemoryBackend()
		backend := &flakyReadBackend{MemoryBackend: memory, readFailures: 1}
		f := newFixture(t, backend, memory)

		result, err := f.writer.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
		))
		require.NoError(t, err, "one flaky read must not fail the batch")
		assert.Equal(t, 1, result.RecordsWritten)
		assert.Empty(t, f.sink.records)
		assert.Equal(t, int64(1), memory.Rows("shop_orders"))
	})

	t.Run("schema rejection re-resolves with cache bypass and succeeds", func(t *testing.T) {
		memory := storage.NewMemoryBackend()
		backend := &rejectingBackend{MemoryBackend: memory, remaining: 2}
		f := newFixture(t, backend, memory)

		result, err := f.writer.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
		))
		require.NoError(t, err)
		assert.Equal(t, 1, result.RecordsWritten)
		assert.Equal(t, int64(1), memory.Rows("shop_orders"))
	})

	t.Run("persistent schema rejection dead-letters as schema_conflict", func(t *testing.T) {
		memory := storage.NewMemoryBackend()
		backend := &rejectingBackend{MemoryBackend: memory, remaining: 10}
		f := newFixture(t, backend, memory)

		_, err := f.writer.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
		))
		require.Error(t, err)

		dead := f.sink.byReason(deadletter.ReasonSchemaConflict)
		assert.Len(t, dead, 1)
		assert.Equal(t, int64(0), memory.Rows("shop_orders"))
	})

	t.Run("open circuit breaker fails fast without backoff", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		backend.FailWrites = errors.New(errors.ErrorTypeConnection, "backend down")

		logger := zaptest.NewLogger(t)
		sink := &memorySink{}
		schemas := schema.NewManager(backend, schema.ManagerConfig{}, logger)
		breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: 2, Timeout: time.Hour,
		}, logger)
		w := New(backend, schemas, sink, Config{
			RetryPolicy: resilience.RetryPolicy{
				MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 1.0,
			},
			Breaker: breaker,
		}, metrics.NewCollector(prometheus.NewRegistry()), logger)

		_, err := w.Write(ctx, testBatch(
			testRecord(1, map[string]schema.Value{"id": schema.IntValue(1)}),
		))
		require.Error(t, err)
		assert.Equal(t, resilience.StateOpen, breaker.State().State)

		// With the breaker open, subsequent batches fail fast on the first
		// attempt instead of backing off through the retry schedule.
		start := time.Now()
		_, err = w.Write(ctx, testBatch(
			testRecord(2, map[string]schema.Value{"id": schema.IntValue(2)}),
		))
		require.Error(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestCoerceRecords(t *testing.T) {
	backend := storage.NewMemoryBackend()
	f := newFixture(t, backend, backend)

	// A schema narrower than the values, as if resolved before a widening
	// conflict: the int record cannot become a bool.
	s := &schema.TableSchema{Table: "shop_orders", Version: 1, Columns: []schema.Column{
		{Name: "flag", Type: schema.TypeBool, Nullable: true},
	}}

	b := testBatch(
		testRecord(1, map[string]schema.Value{"flag": schema.BoolValue(true)}),
		testRecord(2, map[string]schema.Value{"flag": schema.IntValue(1)}),
		testRecord(3, map[string]schema.Value{"flag": schema.BoolValue(false)}),
	)

	accepted, rejected := f.writer.coerceRecords(b, s)
	assert.Len(t, accepted, 2, "good records survive a bad neighbor")
	assert.Equal(t, 1, rejected)

	dead := f.sink.byReason(deadletter.ReasonTypeIncompatible)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(2), dead[0].Offset)
}

func TestBuildRecord(t *testing.T) {
	s := &schema.TableSchema{Table: "t", Version: 1, Columns: []schema.Column{
		{Name: "b", Type: schema.TypeBool, Nullable: true},
		{Name: "f", Type: schema.TypeFloat64, Nullable: true},
		{Name: "i", Type: schema.TypeInt64, Nullable: true},
		{Name: "s", Type: schema.TypeString, Nullable: true},
		{Name: "ts", Type: schema.TypeTimestamp, Nullable: true},
	}}

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	rows := []map[string]schema.Value{
		{
			"b":  schema.BoolValue(true),
			"f":  schema.FloatValue(1.5),
			"i":  schema.IntValue(42),
			"s":  schema.StringValue("x"),
			"ts": schema.TimeValue(now),
		},
		{
			// Missing columns become nulls.
			"i": schema.IntValue(43),
		},
	}

	record, err := buildRecord(s, rows)
	require.NoError(t, err)
	defer record.Release()

	assert.Equal(t, int64(2), record.NumRows())
	assert.Equal(t, int64(5), record.NumCols())

	// Column order follows the sorted schema.
	assert.Equal(t, "b", record.ColumnName(0))
	assert.True(t, record.Column(0).IsNull(1))
	assert.False(t, record.Column(2).IsNull(1))
}
