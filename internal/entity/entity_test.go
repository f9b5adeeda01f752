package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/kv"
)

func newTestEngine(t *testing.T) kv.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := kv.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutThenGetRoundTrips(t *testing.T) {
	engine := newTestEngine(t)
	store := New(engine)

	e := NewEntity("users", "u1", map[string]codec.Value{
		"name": codec.FromString("ada"),
		"age":  codec.FromInt64(30),
	}, nil)

	op := PutOp(e)
	require.NoError(t, engine.WriteBatch([]kv.WriteOp{op}))

	got, ok, err := store.Get(nil, "users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", got.Fields["name"].String)
	assert.Equal(t, int64(30), got.Fields["age"].Int64)
	assert.Equal(t, uint64(1), got.Meta.Version)
	assert.Equal(t, e.Meta.CreatedAt, got.Meta.UpdatedAt)
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	engine := newTestEngine(t)
	store := New(engine)

	e := NewEntity("users", "u1", map[string]codec.Value{"name": codec.FromString("grace")}, nil)
	require.NoError(t, engine.WriteBatch([]kv.WriteOp{PutOp(e)}))

	_, ok, err := store.Get(nil, "users", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, engine.WriteBatch([]kv.WriteOp{DeleteOp("users", "u1")}))

	_, ok, err = store.Get(nil, "users", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceBumpsVersionPreservesCreatedAt(t *testing.T) {
	e := NewEntity("users", "u1", map[string]codec.Value{"name": codec.FromString("ada")}, nil)
	r := Replace(e, map[string]codec.Value{"name": codec.FromString("ada2")}, nil)
	assert.Equal(t, e.Meta.CreatedAt, r.Meta.CreatedAt)
	assert.Equal(t, uint64(2), r.Meta.Version)
	assert.Equal(t, "ada2", r.Fields["name"].String)
}

func TestMergePreservesUntouchedFields(t *testing.T) {
	e := NewEntity("users", "u1", map[string]codec.Value{
		"name": codec.FromString("ada"),
		"age":  codec.FromInt64(30),
	}, nil)
	m := Merge(e, map[string]codec.Value{"age": codec.FromInt64(31)})
	assert.Equal(t, "ada", m.Fields["name"].String)
	assert.Equal(t, int64(31), m.Fields["age"].Int64)
}

func TestDiffComputesAddsAndRemoves(t *testing.T) {
	old := NewIndexKeySet([]byte("a"), []byte("b"), []byte("c"))
	next := NewIndexKeySet([]byte("b"), []byte("c"), []byte("d"))
	adds, removes := Diff(old, next)
	require.Len(t, adds, 1)
	require.Len(t, removes, 1)
	assert.Equal(t, []byte("d"), adds[0])
	assert.Equal(t, []byte("a"), removes[0])
}

func TestDiffNoChangeIsEmpty(t *testing.T) {
	s := NewIndexKeySet([]byte("a"), []byte("b"))
	adds, removes := Diff(s, s)
	assert.Empty(t, adds)
	assert.Empty(t, removes)
}
