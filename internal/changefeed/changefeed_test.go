package changefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestAppendThenReadOrderedBySeq(t *testing.T) {
	engine := newTestEngine(t)
	alloc := NewAllocator(0)

	for i := 0; i < 3; i++ {
		seq := alloc.Next()
		ev := Event{Seq: seq, TxID: "tx-1", Ops: []EntityOp{{Op: OpPut, Table: "users", PK: "u1"}}}
		op, err := Append(ev)
		require.NoError(t, err)
		require.NoError(t, engine.WriteBatch([]kv.WriteOp{op}))
	}

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	events, err := Read(snap, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
}

func TestReadAfterCursorSkipsEarlierEvents(t *testing.T) {
	engine := newTestEngine(t)
	alloc := NewAllocator(0)
	for i := 0; i < 3; i++ {
		op, err := Append(Event{Seq: alloc.Next()})
		require.NoError(t, err)
		require.NoError(t, engine.WriteBatch([]kv.WriteOp{op}))
	}

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	events, err := Read(snap, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestRetentionOpsDeletesBeforeWatermark(t *testing.T) {
	engine := newTestEngine(t)
	alloc := NewAllocator(0)
	for i := 0; i < 5; i++ {
		op, err := Append(Event{Seq: alloc.Next()})
		require.NoError(t, err)
		require.NoError(t, engine.WriteBatch([]kv.WriteOp{op}))
	}

	snap, err := engine.Snapshot()
	require.NoError(t, err)
	ops, err := RetentionOps(snap, 3)
	require.NoError(t, err)
	snap.Close()
	require.Len(t, ops, 2) // seq 1, 2

	require.NoError(t, engine.WriteBatch(ops))
	snap2, err := engine.Snapshot()
	require.NoError(t, err)
	defer snap2.Close()
	remaining, err := Read(snap2, 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, uint64(3), remaining[0].Seq)
}
