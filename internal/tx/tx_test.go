package tx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/errs"
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

func noopCompensation() Compensation {
	return Compensation{Description: "noop", Undo: func() error { return nil }}
}

func TestCommitMakesWritesVisible(t *testing.T) {
	engine := newTestEngine(t)
	mgr := NewManager(engine)

	txn, err := mgr.Begin(ReadCommitted, time.Minute)
	require.NoError(t, err)
	txn.Put("entity", []byte("k1"), []byte("v1"), noopCompensation())

	seq, err := mgr.Commit(context.Background(), txn, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	v, ok, err := engine.Get("entity", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))
}

func TestSnapshotIsolationRepeatableRead(t *testing.T) {
	engine := newTestEngine(t)
	mgr := NewManager(engine)

	require.NoError(t, engine.Put("entity", []byte("k1"), []byte("v1")))

	reader, err := mgr.Begin(Snapshot, time.Minute)
	require.NoError(t, err)
	v1, ok, err := reader.Get(mgr, "entity", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v1))

	writer, err := mgr.Begin(ReadCommitted, time.Minute)
	require.NoError(t, err)
	writer.Put("entity", []byte("k1"), []byte("v2"), noopCompensation())
	_, err = mgr.Commit(context.Background(), writer, nil)
	require.NoError(t, err)

	v2, ok, err := reader.Get(mgr, "entity", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v2), "snapshot read must not observe post-snapshot commit")
}

func TestSnapshotWriteWriteConflictDetected(t *testing.T) {
	engine := newTestEngine(t)
	mgr := NewManager(engine)
	require.NoError(t, engine.Put("entity", []byte("k1"), []byte("v0")))

	txA, err := mgr.Begin(Snapshot, time.Minute)
	require.NoError(t, err)
	_, _, err = txA.Get(mgr, "entity", []byte("k1")) // register read-set version
	require.NoError(t, err)

	txB, err := mgr.Begin(Snapshot, time.Minute)
	require.NoError(t, err)
	_, _, err = txB.Get(mgr, "entity", []byte("k1"))
	require.NoError(t, err)
	txB.Put("entity", []byte("k1"), []byte("v1"), noopCompensation())
	_, err = mgr.Commit(context.Background(), txB, nil)
	require.NoError(t, err)

	txA.Put("entity", []byte("k1"), []byte("v2"), noopCompensation())
	_, err = mgr.Commit(context.Background(), txA, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestReadCommittedDoesNotConflict(t *testing.T) {
	engine := newTestEngine(t)
	mgr := NewManager(engine)
	require.NoError(t, engine.Put("entity", []byte("k1"), []byte("v0")))

	txA, err := mgr.Begin(ReadCommitted, time.Minute)
	require.NoError(t, err)
	_, _, _ = txA.Get(mgr, "entity", []byte("k1"))

	txB, err := mgr.Begin(ReadCommitted, time.Minute)
	require.NoError(t, err)
	txB.Put("entity", []byte("k1"), []byte("v1"), noopCompensation())
	_, err = mgr.Commit(context.Background(), txB, nil)
	require.NoError(t, err)

	txA.Put("entity", []byte("k1"), []byte("v2"), noopCompensation())
	_, err = mgr.Commit(context.Background(), txA, nil)
	assert.NoError(t, err)
}

func TestRollbackRunsCompensationsInReverse(t *testing.T) {
	engine := newTestEngine(t)
	mgr := NewManager(engine)

	var order []int
	txn, err := mgr.Begin(ReadCommitted, time.Minute)
	require.NoError(t, err)
	txn.Put("entity", []byte("k1"), []byte("v1"), Compensation{Undo: func() error { order = append(order, 1); return nil }})
	txn.Put("entity", []byte("k2"), []byte("v2"), Compensation{Undo: func() error { order = append(order, 2); return nil }})

	require.NoError(t, mgr.Rollback(txn))
	assert.Equal(t, []int{2, 1}, order)

	_, ok, err := engine.Get("entity", []byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok, "rolled-back writes must never have been applied to the engine")
}

func TestSweepTimedOutRollsBackExpiredTx(t *testing.T) {
	engine := newTestEngine(t)
	mgr := NewManager(engine)

	txn, err := mgr.Begin(ReadCommitted, time.Millisecond)
	require.NoError(t, err)

	expired := mgr.SweepTimedOut(time.Now().Add(time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, txn.ID, expired[0])
	assert.Equal(t, PhaseRolledBack, txn.Phase())
}
