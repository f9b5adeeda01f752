package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *BoltEngine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "themis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Put("entity", []byte("entity:users:u1"), []byte("v1")))

	v, ok, err := e.Get("entity", []byte("entity:users:u1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, e.Delete("entity", []byte("entity:users:u1")))
	_, ok, err = e.Get("entity", []byte("entity:users:u1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteBatchAtomic(t *testing.T) {
	e := newTestEngine(t)
	ops := []WriteOp{
		{Family: "entity", Key: []byte("a"), Value: []byte("1")},
		{Family: "idx", Key: []byte("b"), Value: []byte("2")},
	}
	require.NoError(t, e.WriteBatch(ops))

	_, ok, _ := e.Get("entity", []byte("a"))
	assert.True(t, ok)
	_, ok, _ = e.Get("idx", []byte("b"))
	assert.True(t, ok)
}

func TestIterateForwardOrdering(t *testing.T) {
	e := newTestEngine(t)
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		require.NoError(t, e.Put("entity", []byte(k), []byte(k)))
	}
	var got []string
	require.NoError(t, e.Iterate("entity", []byte("b"), []byte("d"), Forward, func(kv KV) bool {
		got = append(got, string(kv.Key))
		return true
	}))
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestIterateBackwardOrdering(t *testing.T) {
	e := newTestEngine(t)
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		require.NoError(t, e.Put("entity", []byte(k), []byte(k)))
	}
	var got []string
	require.NoError(t, e.Iterate("entity", nil, nil, Backward, func(kv KV) bool {
		got = append(got, string(kv.Key))
		return true
	}))
	assert.Equal(t, []string{"d", "c", "b", "a"}, got)
}

func TestIterateEarlyStop(t *testing.T) {
	e := newTestEngine(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Put("entity", []byte(k), []byte(k)))
	}
	var got []string
	require.NoError(t, e.Iterate("entity", nil, nil, Forward, func(kv KV) bool {
		got = append(got, string(kv.Key))
		return len(got) < 1
	}))
	assert.Equal(t, []string{"a"}, got)
}

func TestSnapshotIsolation(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Put("entity", []byte("k1"), []byte("v1")))

	snap, err := e.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, e.Put("entity", []byte("k1"), []byte("v2")))
	require.NoError(t, e.Put("entity", []byte("k2"), []byte("new")))

	v, ok, err := snap.Get("entity", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v, "snapshot reads must not observe writes after it was taken")

	_, ok, err = snap.Get("entity", []byte("k2"))
	require.NoError(t, err)
	assert.False(t, ok)

	liveVal, _, _ := e.Get("entity", []byte("k1"))
	assert.Equal(t, []byte("v2"), liveVal)
}

func TestCheckpointProducesReadableCopy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Put("entity", []byte("k1"), []byte("v1")))

	dst := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, e.Checkpoint(dst))

	copyEngine, err := Open(dst)
	require.NoError(t, err)
	defer copyEngine.Close()

	v, ok, err := copyEngine.Get("entity", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
}
