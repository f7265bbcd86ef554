package schema

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/errors"
)

// Source reads the last committed schema of a table from the destination.
// The storage backend implements it; a miss (table not created yet) is
// reported with ok=false, not an error.
type Source interface {
	ReadSchema(ctx context.Context, table string) (*TableSchema, bool, error)
}

// ManagerConfig configures the schema manager.
type ManagerConfig struct {
	CacheTTL     time.Duration
	CacheMaxSize int
}

// Manager infers, caches, merges and versions destination schemas. It owns
// its cache explicitly; two managers never share state, which keeps
// concurrently running pipelines (and tests) isolated.
type Manager struct {
	source Source
	cache  *Cache
	logger *zap.Logger

	// versions pins the highest version handed out per table, so a stale
	// backend read can never roll a version backwards mid-process.
	// confirmed tracks the highest version the destination has accepted.
	mu        sync.Mutex
	versions  map[string]int64
	confirmed map[string]int64
}

// NewManager creates a schema manager backed by the given source.
func NewManager(source Source, cfg ManagerConfig, logger *zap.Logger) *Manager {
	return &Manager{
		source:    source,
		cache:     NewCache(cfg.CacheTTL, cfg.CacheMaxSize),
		logger:    logger.With(zap.String("component", "schema_manager")),
		versions:  make(map[string]int64),
		confirmed: make(map[string]int64),
	}
}

// Resolve produces the schema a batch must be written with: it infers a
// candidate from the batch, loads the table's last known schema (cache
// first unless bypassed, then the backend), and merges. A merge that changes
// the schema increments the version and invalidates the cache entry.
func (m *Manager) Resolve(ctx context.Context, table string, records []map[string]Value, bypassCache bool) (*TableSchema, error) {
	candidate := InferSchema(table, records)

	current, err := m.load(ctx, table, bypassCache)
	if err != nil {
		return nil, err
	}

	merged, changed := Merge(current, candidate)
	if changed {
		merged.Version = m.nextVersion(table, current.Version)
		m.cache.Invalidate(table)
		m.logger.Info("schema evolved",
			zap.String("table", table),
			zap.Int64("version", merged.Version),
			zap.Int("columns", len(merged.Columns)))
	} else {
		merged.Version = m.pinVersion(table, current.Version)
	}

	return merged, nil
}

// Confirm records that a schema was accepted by the destination; the cache
// may serve it until TTL or the next evolution. It reports whether the
// accepted version advanced past every version confirmed before it.
func (m *Manager) Confirm(table string, s *TableSchema) bool {
	m.cache.Set(table, s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version > m.confirmed[table] {
		m.confirmed[table] = s.Version
		return true
	}
	return false
}

// Invalidate drops a table's cached schema, forcing the next resolution to
// re-read the backend. The writer calls this when the destination rejects a
// schema that passed local merge.
func (m *Manager) Invalidate(table string) {
	m.cache.Invalidate(table)
}

// CacheStats exposes cache counters for observability.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

func (m *Manager) load(ctx context.Context, table string, bypassCache bool) (*TableSchema, error) {
	if !bypassCache {
		if cached := m.cache.Get(table); cached != nil {
			return cached, nil
		}
	}

	s, ok, err := m.source.ReadSchema(ctx, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "schema read failed")
	}
	if !ok {
		return Empty(table), nil
	}

	m.cache.Set(table, s)
	return s, nil
}

// nextVersion returns base+1 but never less than any version already handed
// out for the table.
func (m *Manager) nextVersion(table string, base int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := base + 1
	if pinned := m.versions[table]; pinned >= next {
		next = pinned + 1
	}
	m.versions[table] = next
	return next
}

func (m *Manager) pinVersion(table string, v int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pinned := m.versions[table]; pinned > v {
		return pinned
	}
	m.versions[table] = v
	return v
}
