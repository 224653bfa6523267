package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	f, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Systems)

	_, ok, err := s.Get("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateCreatesAndKeepsOtherSystems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewStore(path)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Update("bmc-a", func(r *Record) { r.State = "OS"; r.LastOperation = "goto" }))
	require.NoError(t, s.Update("bmc-b", func(r *Record) { r.State = "OFF" }))
	require.NoError(t, s.Update("bmc-a", func(r *Record) { r.LastError = "boot timeout" }))

	a, ok, err := NewStore(path).Get("bmc-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bmc-a", a.System)
	assert.Equal(t, "OS", a.State)
	assert.Equal(t, "goto", a.LastOperation)
	assert.Equal(t, "boot timeout", a.LastError)
	assert.True(t, fixed.Equal(a.Updated))

	b, ok, err := s.Get("bmc-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "OFF", b.State)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
	assert.Error(t, NewStore(path).Update("x", func(*Record) {}))
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, nil, 0o640))

	f, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.NotNil(t, f.Systems)
}
