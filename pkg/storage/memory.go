package storage

import (
	"context"
	"sync"

	"github.com/streamhaus/lakesink/pkg/schema"
)

// MemoryBackend is an in-process Backend used by tests and local runs. It
// enforces the same schema versioning and commit-range idempotency rules as
// the object store backend.
type MemoryBackend struct {
	mu      sync.Mutex
	schemas map[string]*schema.TableSchema
	written map[string]map[string]int64 // table -> range token -> rows
	rows    map[string]int64

	// FailWrites injects a write error for resilience tests.
	FailWrites error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		schemas: make(map[string]*schema.TableSchema),
		written: make(map[string]map[string]int64),
		rows:    make(map[string]int64),
	}
}

// Write appends the record, deduplicating on commit range.
func (m *MemoryBackend) Write(_ context.Context, req *WriteRequest) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return nil, m.FailWrites
	}

	if current, ok := m.schemas[req.Table]; ok && current.Version > req.Schema.Version {
		return nil, ErrSchemaRejected
	}

	ranges, ok := m.written[req.Table]
	if !ok {
		ranges = make(map[string]int64)
		m.written[req.Table] = ranges
	}

	token := req.Range.String()
	if _, dup := ranges[token]; dup {
		return &WriteResult{Path: token, Deduplicated: true}, nil
	}

	ranges[token] = req.Record.NumRows()
	m.rows[req.Table] += req.Record.NumRows()
	m.schemas[req.Table] = req.Schema.Clone()

	return &WriteResult{
		Bytes: req.Record.NumRows(), // no encoding; row count stands in
		Path:  token,
	}, nil
}

// ReadSchema returns the last accepted schema for a table.
func (m *MemoryBackend) ReadSchema(_ context.Context, table string) (*schema.TableSchema, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schemas[table]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

// Rows returns the total rows accepted for a table.
func (m *MemoryBackend) Rows(table string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[table]
}

// Writes returns the number of distinct commit ranges accepted for a table.
func (m *MemoryBackend) Writes(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written[table])
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
