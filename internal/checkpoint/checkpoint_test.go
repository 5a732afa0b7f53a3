package checkpoint_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grouparchive/backend/internal/checkpoint"
	"grouparchive/backend/internal/remote"
)

func openStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveLoadClear(t *testing.T) {
	s := openStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := checkpoint.Key{Credential: "main", GroupRef: "@gophers", Window: remote.Window{Start: start, End: start.AddDate(0, 1, 0)}}

	_, err := s.Load(key)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, s.Save(key, checkpoint.Checkpoint{Cursor: "c1", GroupID: -100, Pages: 1, SavedAt: start}))
	require.NoError(t, s.Save(key, checkpoint.Checkpoint{Cursor: "c2", GroupID: -100, Pages: 2, SavedAt: start}))

	cp, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, remote.Cursor("c2"), cp.Cursor, "the latest completed cursor wins")
	assert.Equal(t, 2, cp.Pages)

	require.NoError(t, s.Clear(key))
	_, err = s.Load(key)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStore_KeysAreScopedByWindow(t *testing.T) {
	s := openStore(t)
	base := checkpoint.Key{Credential: "main", GroupRef: "@gophers"}
	newest := base
	newest.Window.NewestFirst = true
	other := base
	other.Credential = "backup"

	require.NoError(t, s.Save(base, checkpoint.Checkpoint{Cursor: "a"}))
	require.NoError(t, s.Save(newest, checkpoint.Checkpoint{Cursor: "b"}))
	require.NoError(t, s.Save(other, checkpoint.Checkpoint{Cursor: "c"}))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	cp, err := s.Load(newest)
	require.NoError(t, err)
	assert.Equal(t, remote.Cursor("b"), cp.Cursor)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	key := checkpoint.Key{Credential: "x", GroupRef: "1"}

	s, err := checkpoint.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(key, checkpoint.Checkpoint{Cursor: "persisted"}))
	require.NoError(t, s.Close())

	s, err = checkpoint.Open(path)
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, remote.Cursor("persisted"), cp.Cursor)
}
