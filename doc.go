// Package lakesink ingests change-data-capture event streams from Kafka and
// lands them in an object-store data lake as compressed columnar files, with
// effectively-exactly-once delivery.
//
// # Architecture
//
// Lakesink is a single consume-transform-write pipeline:
//
//  1. Consume: a Kafka consumer group reads change events per partition,
//     resuming from its own durable checkpoint file rather than broker
//     offsets.
//
//  2. Parse and normalize: events are decoded from Debezium-style JSON
//     envelopes into flat per-table rows with lineage metadata columns.
//     Events that cannot be decoded are dead-lettered, never dropped.
//
//  3. Batch: rows accumulate per table and seal on a record-count or age
//     trigger, preserving arrival order within a partition.
//
//  4. Evolve: table schemas widen automatically (new nullable columns, type
//     promotion along int32 -> int64 -> float64 -> string) and never narrow.
//
//  5. Write: batches become Arrow IPC files compressed with zstd, keyed by
//     their offset range so a replayed batch is a destination no-op.
//
// Checkpoints only advance past data that is durable in the destination.
// A crash at any point replays from the last checkpoint and deduplicates at
// the destination, so rows are written effectively exactly once.
//
// # Key Packages
//
//	pkg/events      - Change event parsing and normalization
//	pkg/schema      - Schema inference, widening and the versioned cache
//	pkg/batch       - Per-table batch accumulation
//	pkg/writer      - Coercion, Arrow encoding and resilient writes
//	pkg/storage     - Object store backends (S3, in-memory)
//	pkg/checkpoint  - Durable per-partition positions
//	pkg/deadletter  - Dead-letter sink with rate limiting and file fallback
//	pkg/resilience  - Retries, circuit breaker, token bucket
//	pkg/config      - YAML configuration with ${VAR} substitution
//
// # Failure Handling
//
// Record-level failures (malformed, oversized, stale, type-incompatible
// events) dead-letter the affected records and the stream moves on.
// Batch-level failures (schema conflict, destination unavailable after
// retries) dead-letter the whole batch and stall that partition's
// checkpoint so the operator can intervene and replay.
//
// # Running
//
// The lakesink binary loads a YAML config and runs until signalled:
//
//	lakesink run --config config.yaml
package lakesink
