// Package batch groups normalized records per table for columnar writes.
package batch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/events"
)

// Trigger records why a batch was closed.
type Trigger string

const (
	// TriggerSize closes a batch that reached the record cap.
	TriggerSize Trigger = "size"
	// TriggerTime closes a batch whose oldest record aged past the wait cap.
	TriggerTime Trigger = "time"
	// TriggerDrain closes a batch during shutdown or rebalance.
	TriggerDrain Trigger = "drain"
)

// Batch is a closed group of records for one table, ready to write. Records
// keep arrival order; FirstOffset and LastOffset bound the source range the
// batch covers.
type Batch struct {
	Table       string
	Records     []*events.NormalizedRecord
	Partition   int32
	FirstOffset int64
	LastOffset  int64
	OpenedAt    time.Time
	Trigger     Trigger
}

// Config bounds batch growth.
type Config struct {
	// MaxRecords closes a batch once it holds this many records.
	MaxRecords int
	// MaxWait closes a batch once its oldest record is this old, so low
	// traffic tables still flush.
	MaxWait time.Duration
}

// DefaultConfig returns the standard batching bounds.
func DefaultConfig() Config {
	return Config{
		MaxRecords: 2000,
		MaxWait:    10 * time.Second,
	}
}

type openBatch struct {
	records     []*events.NormalizedRecord
	partition   int32
	firstOffset int64
	lastOffset  int64
	openedAt    time.Time
}

// Accumulator holds at most one open batch per table for a single source
// partition. Offer appends and reports size-triggered closure; a background
// sweep run by the owning worker closes aged batches via Due. Not shared
// across partitions, but safe for the worker and the sweep goroutine.
type Accumulator struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	open map[string]*openBatch
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(config Config, logger *zap.Logger) *Accumulator {
	if config.MaxRecords <= 0 {
		config.MaxRecords = 2000
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 10 * time.Second
	}
	return &Accumulator{
		config: config,
		logger: logger.With(zap.String("component", "batch_accumulator")),
		open:   make(map[string]*openBatch),
	}
}

// Offer appends a record to its table's open batch, creating one if needed.
// It returns the closed batch when the record cap is reached, else nil.
func (a *Accumulator) Offer(rec *events.NormalizedRecord) *Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	ob, ok := a.open[rec.Table]
	if !ok {
		ob = &openBatch{
			records:     make([]*events.NormalizedRecord, 0, a.config.MaxRecords),
			partition:   rec.Position.Partition,
			firstOffset: rec.Position.Offset,
			openedAt:    a.clock(),
		}
		a.open[rec.Table] = ob
	}

	ob.records = append(ob.records, rec)
	ob.lastOffset = rec.Position.Offset

	if len(ob.records) >= a.config.MaxRecords {
		delete(a.open, rec.Table)
		return a.seal(rec.Table, ob, TriggerSize)
	}
	return nil
}

// Due closes and returns every open batch whose oldest record has waited
// longer than MaxWait.
func (a *Accumulator) Due() []*Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	var due []*Batch
	for table, ob := range a.open {
		if now.Sub(ob.openedAt) >= a.config.MaxWait {
			delete(a.open, table)
			due = append(due, a.seal(table, ob, TriggerTime))
		}
	}
	return due
}

// Drain closes and returns all open batches regardless of age. Used at
// shutdown and partition revocation so buffered records are flushed before
// the checkpoint is finalized.
func (a *Accumulator) Drain() []*Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []*Batch
	for table, ob := range a.open {
		delete(a.open, table)
		all = append(all, a.seal(table, ob, TriggerDrain))
	}
	return all
}

// LowestOpenOffset returns the smallest first offset among open batches.
// The committable checkpoint position must stay below every buffered record.
func (a *Accumulator) LowestOpenOffset() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lowest int64
	found := false
	for _, ob := range a.open {
		if !found || ob.firstOffset < lowest {
			lowest = ob.firstOffset
			found = true
		}
	}
	return lowest, found
}

// Len returns the total number of buffered records across open batches.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, ob := range a.open {
		total += len(ob.records)
	}
	return total
}

func (a *Accumulator) seal(table string, ob *openBatch, trigger Trigger) *Batch {
	a.logger.Debug("batch closed",
		zap.String("table", table),
		zap.String("trigger", string(trigger)),
		zap.Int("records", len(ob.records)),
		zap.Int64("first_offset", ob.firstOffset),
		zap.Int64("last_offset", ob.lastOffset))
	return &Batch{
		Table:       table,
		Records:     ob.records,
		Partition:   ob.partition,
		FirstOffset: ob.firstOffset,
		LastOffset:  ob.lastOffset,
		OpenedAt:    ob.openedAt,
		Trigger:     trigger,
	}
}

func (a *Accumulator) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}
