package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(dir, "checkpoints.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestFileStore(t *testing.T) {
	t.Run("missing file is a cold start", func(t *testing.T) {
		store := newStore(t, t.TempDir())
		positions, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("commit then reload round-trips positions", func(t *testing.T) {
		dir := t.TempDir()
		store := newStore(t, dir)
		_, err := store.Load()
		require.NoError(t, err)

		store.Update(0, 100)
		store.Update(3, 250)
		require.NoError(t, store.Commit())

		reopened := newStore(t, dir)
		positions, err := reopened.Load()
		require.NoError(t, err)
		assert.Equal(t, map[int32]int64{0: 100, 3: 250}, positions)
	})

	t.Run("positions never move backwards", func(t *testing.T) {
		store := newStore(t, t.TempDir())
		store.Update(1, 50)
		store.Update(1, 40)
		store.Update(1, 50)

		offset, ok := store.Get(1)
		require.True(t, ok)
		assert.Equal(t, int64(50), offset)
	})

	t.Run("commit without changes is a no-op", func(t *testing.T) {
		dir := t.TempDir()
		store := newStore(t, dir)
		store.Update(0, 1)
		require.NoError(t, store.Commit())
		first := store.Stats().Commits

		require.NoError(t, store.Commit())
		assert.Equal(t, first, store.Stats().Commits)
	})

	t.Run("corrupted file is an error, not a silent rewind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "checkpoints.json")
		require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o644))

		store, err := NewFileStore(path, zaptest.NewLogger(t))
		require.NoError(t, err)
		_, err = store.Load()
		assert.Error(t, err)
	})

	t.Run("no temp file remains after commit", func(t *testing.T) {
		dir := t.TempDir()
		store := newStore(t, dir)
		store.Update(0, 7)
		require.NoError(t, store.Commit())

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "checkpoints.json", entries[0].Name())
	})

	t.Run("commit replaces the file atomically", func(t *testing.T) {
		dir := t.TempDir()
		store := newStore(t, dir)
		store.Update(0, 1)
		require.NoError(t, store.Commit())

		store.Update(0, 2)
		require.NoError(t, store.Commit())

		reopened := newStore(t, dir)
		positions, err := reopened.Load()
		require.NoError(t, err)
		assert.Equal(t, int64(2), positions[0])
	})
}
