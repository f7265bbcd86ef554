// Package checkpoint persists last-committed stream positions per partition.
package checkpoint

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoncodec "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/errors"
)

// Store tracks the last fully-processed offset per partition. Positions are
// monotonically non-decreasing; updates are staged in memory and persisted
// as one atomic commit so a crash mid-write never leaves a torn checkpoint.
type Store interface {
	// Load returns the last committed position map, or an empty map on
	// cold start.
	Load() (map[int32]int64, error)
	// Update stages a partition position. Offsets lower than the current
	// staged or committed position are ignored.
	Update(partition int32, offset int64)
	// Get returns the current (staged or committed) offset for a
	// partition, or false when unknown.
	Get(partition int32) (int64, bool)
	// Commit persists the full position map atomically.
	Commit() error
}

// Stats are checkpoint counters for observability.
type Stats struct {
	Commits     int64     `json:"commits"`
	Failures    int64     `json:"failures"`
	LastCommit  time.Time `json:"last_commit"`
	LoadedCount int       `json:"loaded_count"`
}

// FileStore is a file-backed Store using temp-write-then-rename commits.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	positions map[int32]int64
	dirty     bool
	stats     Stats
}

type checkpointFile struct {
	Positions   map[int32]int64 `json:"positions"`
	CommittedAt time.Time       `json:"committed_at"`
}

// NewFileStore creates a store persisting to the given file path. The
// parent directory is created if missing.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot create checkpoint directory")
	}
	return &FileStore{
		path:      path,
		logger:    logger.With(zap.String("component", "checkpoint_store")),
		positions: make(map[int32]int64),
	}, nil
}

// Load reads the last committed map from disk. A missing file is a cold
// start; a corrupted file is reported as an error rather than silently
// rewinding to zero.
func (s *FileStore) Load() (map[int32]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("no checkpoint file, cold start")
		return map[int32]int64{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "checkpoint read failed")
	}

	var file checkpointFile
	if err := jsoncodec.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "corrupted checkpoint file")
	}

	s.positions = make(map[int32]int64, len(file.Positions))
	out := make(map[int32]int64, len(file.Positions))
	for partition, offset := range file.Positions {
		s.positions[partition] = offset
		out[partition] = offset
	}
	s.stats.LoadedCount = len(out)

	s.logger.Info("checkpoints loaded",
		zap.Int("partitions", len(out)),
		zap.Time("committed_at", file.CommittedAt))
	return out, nil
}

// Update stages a position; it never moves a partition backwards.
func (s *FileStore) Update(partition int32, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.positions[partition]; ok && offset <= current {
		return
	}
	s.positions[partition] = offset
	s.dirty = true
}

// Get returns the current offset for a partition.
func (s *FileStore) Get(partition int32) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, ok := s.positions[partition]
	return offset, ok
}

// Commit writes the full map to a temp file and renames it over the
// checkpoint file. No-op when nothing changed since the last commit.
func (s *FileStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	file := checkpointFile{
		Positions:   s.positions,
		CommittedAt: time.Now().UTC(),
	}
	data, err := jsoncodec.MarshalIndent(file, "", "  ")
	if err != nil {
		s.stats.Failures++
		return errors.Wrap(err, errors.ErrorTypeInternal, "checkpoint encode failed")
	}

	tmp := s.path + ".tmp"
	if err := writeAndSync(tmp, data); err != nil {
		s.stats.Failures++
		return errors.Wrap(err, errors.ErrorTypeInternal, "checkpoint write failed")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.stats.Failures++
		return errors.Wrap(err, errors.ErrorTypeInternal, "checkpoint rename failed")
	}

	s.dirty = false
	s.stats.Commits++
	s.stats.LastCommit = time.Now().UTC()

	s.logger.Debug("checkpoints committed", zap.Int("partitions", len(s.positions)))
	return nil
}

// Stats returns a snapshot of the store counters.
func (s *FileStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
