package events

import (
	"time"

	"github.com/streamhaus/lakesink/pkg/schema"
)

// Metadata column names attached to every normalized record.
const (
	ColIngestionTimestamp = "_ingestion_timestamp"
	ColIngestionDate      = "_ingestion_date"
	ColSourceOperation    = "_source_operation"
	ColSourcePartition    = "_source_partition"
	ColSourceOffset       = "_source_offset"
	ColTombstone          = "_tombstone"
)

// NormalizedRecord is a change event converted to typed destination form.
// It is created once per event, immutable afterwards, and consumed exactly
// once by the batch accumulator.
type NormalizedRecord struct {
	Table      string
	Columns    map[string]schema.Value
	Operation  Operation
	Position   StreamPosition
	Tombstone  bool
	IngestedAt time.Time
}

// Normalizer converts change events into normalized records. The clock is
// injectable for deterministic tests.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerWithClock creates a normalizer with an explicit clock.
func NewNormalizerWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize converts one event. Deletes carry the before state (or just the
// key when that is all the capture provides) and set the tombstone flag;
// truncates produce a metadata-only tombstone marker.
func (n *Normalizer) Normalize(event *ChangeEvent) *NormalizedRecord {
	var doc map[string]interface{}
	tombstone := false

	switch event.Operation {
	case OpDelete:
		doc = event.Before
		tombstone = true
	case OpTruncate:
		tombstone = true
	default:
		doc = event.After
		if doc == nil {
			doc = event.Before
		}
	}

	columns := schema.InferDocument(doc)
	now := n.now().UTC()

	columns[ColIngestionTimestamp] = schema.TimeValue(now)
	columns[ColIngestionDate] = schema.StringValue(now.Format("2006-01-02"))
	columns[ColSourceOperation] = schema.StringValue(string(event.Operation))
	columns[ColSourcePartition] = schema.IntValue(int64(event.Position.Partition))
	columns[ColSourceOffset] = schema.IntValue(event.Position.Offset)
	columns[ColTombstone] = schema.BoolValue(tombstone)

	return &NormalizedRecord{
		Table:      event.Table(),
		Columns:    columns,
		Operation:  event.Operation,
		Position:   event.Position,
		Tombstone:  tombstone,
		IngestedAt: now,
	}
}
