package index

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

func putKeys(t *testing.T, engine kv.Engine, family string, keys [][]byte) {
	t.Helper()
	var ops []kv.WriteOp
	for _, k := range keys {
		ops = append(ops, kv.WriteOp{Family: family, Key: k, Value: []byte{1}})
	}
	require.NoError(t, engine.WriteBatch(ops))
}

func snapshot(t *testing.T, engine kv.Engine) kv.SnapshotHandle {
	t.Helper()
	snap, err := engine.Snapshot()
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })
	return snap
}

func TestEqualityIndexMatch(t *testing.T) {
	engine := newTestEngine(t)
	decl := Declaration{Name: "by_email", Table: "users", Kind: Equality, Cols: []string{"email"}}

	keys := decl.Keys("u1", map[string]codec.Value{"email": codec.FromString("a@x.com")})
	require.Len(t, keys, 1)
	putKeys(t, engine, "idx", keys)

	pks, err := Match(snapshot(t, engine), "users", "email", codec.FromString("a@x.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, pks)

	pks, err = Match(snapshot(t, engine), "users", "email", codec.FromString("nope@x.com"))
	require.NoError(t, err)
	assert.Empty(t, pks)
}

func TestRangeIndexAscendingAndDescending(t *testing.T) {
	engine := newTestEngine(t)
	decl := Declaration{Name: "by_age", Table: "users", Kind: Range, Cols: []string{"age"}}

	for pk, age := range map[string]int64{"u1": 10, "u2": 20, "u3": 30} {
		keys := decl.Keys(pk, map[string]codec.Value{"age": codec.FromInt64(age)})
		putKeys(t, engine, "ridx", keys)
	}

	pks, err := ScanRange(snapshot(t, engine), "users", "age", Bound{}, Bound{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, pks)

	pks, err = ScanRange(snapshot(t, engine), "users", "age", Bound{}, Bound{}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "u2", "u1"}, pks)

	pks, err = ScanRange(snapshot(t, engine), "users", "age",
		Bound{Value: codec.FromInt64(15), Inclusive: true, Set: true},
		Bound{Value: codec.FromInt64(25), Inclusive: true, Set: true}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, pks)
}

func TestCompositeIndexProgressivePrefix(t *testing.T) {
	engine := newTestEngine(t)
	decl := Declaration{Name: "by_tenant_status", Table: "orders", Kind: Composite, Cols: []string{"tenant", "status"}}

	k1 := decl.Keys("o1", map[string]codec.Value{"tenant": codec.FromString("t1"), "status": codec.FromString("open")})
	k2 := decl.Keys("o2", map[string]codec.Value{"tenant": codec.FromString("t1"), "status": codec.FromString("closed")})
	k3 := decl.Keys("o3", map[string]codec.Value{"tenant": codec.FromString("t2"), "status": codec.FromString("open")})
	putKeys(t, engine, "cidx", append(append(k1, k2...), k3...))

	pks, err := MatchComposite(snapshot(t, engine), "orders", []string{"tenant"}, []codec.Value{codec.FromString("t1")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, pks)

	pks, err = MatchComposite(snapshot(t, engine), "orders", []string{"tenant", "status"},
		[]codec.Value{codec.FromString("t1"), codec.FromString("open")})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, pks)
}

func TestSparseIndexOnlyPresentFields(t *testing.T) {
	engine := newTestEngine(t)
	decl := Declaration{Name: "has_avatar", Table: "users", Kind: Sparse, Cols: []string{"avatar_url"}}

	k1 := decl.Keys("u1", map[string]codec.Value{"avatar_url": codec.FromString("http://x")})
	k2 := decl.Keys("u2", map[string]codec.Value{})
	assert.Empty(t, k2)
	putKeys(t, engine, "sidx", k1)

	pks, err := MatchSparse(snapshot(t, engine), "users", "avatar_url")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, pks)
}

func TestTTLExpiredBeforeCutoff(t *testing.T) {
	engine := newTestEngine(t)
	decl := Declaration{Name: "ttl", Table: "sessions", Kind: TTL, Cols: []string{"expires_at"}}

	k1 := decl.Keys("s1", map[string]codec.Value{"expires_at": codec.FromInt64(1000)})
	k2 := decl.Keys("s2", map[string]codec.Value{"expires_at": codec.FromInt64(5000)})
	putKeys(t, engine, "ttlidx", append(k1, k2...))

	expired, err := ExpiredBefore(snapshot(t, engine), 2000)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "sessions", expired[0].Table)
	assert.Equal(t, "s1", expired[0].PK)
}
