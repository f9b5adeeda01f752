package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/changefeed"
	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/config"
	"go.themisdb.dev/internal/errs"
	"go.themisdb.dev/internal/index"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir() + "/themis.db"
	cfg.CTESpillDir = t.TempDir()
	cfg.SAGASigningKey = "test-signing-key-0123456789abcdef"
	f, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestPutGetDeleteEntityRoundTrips(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	putRes := f.PutEntity(ctx, "users", "u1", map[string]codec.Value{
		"name": codec.FromString("alice"),
		"age":  codec.FromInt64(30),
	}, nil)
	require.True(t, putRes.IsOk(), "%v", putRes.Err)
	assert.Equal(t, uint64(1), putRes.Value.Meta.Version)

	getRes := f.GetEntity("users", "u1")
	require.True(t, getRes.IsOk())
	assert.Equal(t, "alice", getRes.Value.Fields["name"].String)

	delRes := f.DeleteEntity(ctx, "users", "u1")
	require.True(t, delRes.IsOk())

	missing := f.GetEntity("users", "u1")
	require.False(t, missing.IsOk())
	assert.Equal(t, errs.NotFound, missing.Err.Kind)
}

func TestBatchPutAndDelete(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	res := f.BatchPut(ctx, []BatchEntity{
		{Table: "items", PK: "i1", Fields: map[string]codec.Value{"sku": codec.FromString("a")}},
		{Table: "items", PK: "i2", Fields: map[string]codec.Value{"sku": codec.FromString("b")}},
	})
	require.True(t, res.IsOk())
	assert.Len(t, res.Value, 2)

	delRes := f.BatchDelete(ctx, []BatchKey{{Table: "items", PK: "i1"}, {Table: "items", PK: "i2"}})
	require.True(t, delRes.IsOk())
	assert.Equal(t, 2, delRes.Value)
}

func TestCreateIndexAndPutMaintainsEqualityIndex(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	idxRes := f.CreateIndex(CreateIndexRequest{Name: "by_sku", Table: "items", Kind: index.Equality, Cols: []string{"sku"}})
	require.True(t, idxRes.IsOk())

	putRes := f.PutEntity(ctx, "items", "i1", map[string]codec.Value{"sku": codec.FromString("widget")}, nil)
	require.True(t, putRes.IsOk())

	snap, err := f.engine.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	pks, err := index.Match(snap, "items", "sku", codec.FromString("widget"))
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, pks)
}

func TestFulltextSearchFindsIndexedDocument(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.True(t, f.CreateIndex(CreateIndexRequest{Name: "articles_body", Table: "articles", Kind: "fulltext", Cols: []string{"body"}}).IsOk())
	require.True(t, f.PutEntity(ctx, "articles", "a1", map[string]codec.Value{
		"body": codec.FromString("distributed transactions over a log structured store"),
	}, nil).IsOk())

	res := f.FulltextSearch("articles", "body", "transactions", 10)
	require.True(t, res.IsOk(), "%v", res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "a1", res.Value[0].PK)
}

func TestVectorSearchFindsNearestNeighbor(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.True(t, f.CreateIndex(CreateIndexRequest{Name: "docs_embedding", Table: "docs", Kind: "vector", Cols: []string{"embedding"}}).IsOk())
	require.True(t, f.PutEntity(ctx, "docs", "d1", map[string]codec.Value{
		"embedding": codec.FromVector([]float32{1, 0, 0}),
	}, nil).IsOk())
	require.True(t, f.PutEntity(ctx, "docs", "d2", map[string]codec.Value{
		"embedding": codec.FromVector([]float32{0, 1, 0}),
	}, nil).IsOk())

	res := f.VectorSearch("docs", "embedding", []float32{1, 0, 0}, 1, nil)
	require.True(t, res.IsOk(), "%v", res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "d1", res.Value[0].PK)
}

func TestExecuteAQLOverStoredEntities(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.True(t, f.PutEntity(ctx, "users", "u1", map[string]codec.Value{
		"name": codec.FromString("alice"), "age": codec.FromInt64(30),
	}, nil).IsOk())
	require.True(t, f.PutEntity(ctx, "users", "u2", map[string]codec.Value{
		"name": codec.FromString("bob"), "age": codec.FromInt64(15),
	}, nil).IsOk())

	res := f.ExecuteAQL(ctx, `FOR u IN users FILTER u.age >= 18 RETURN u.name`)
	require.True(t, res.IsOk(), "%v", res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "alice", res.Value[0])
}

func TestChangefeedReadReflectsCommits(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.True(t, f.PutEntity(ctx, "users", "u1", map[string]codec.Value{"name": codec.FromString("alice")}, nil).IsOk())
	require.True(t, f.PutEntity(ctx, "users", "u2", map[string]codec.Value{"name": codec.FromString("bob")}, nil).IsOk())

	res := f.ChangefeedRead(changefeed.Cursor(0), 10)
	require.True(t, res.IsOk())
	require.Len(t, res.Value, 2)
	assert.Equal(t, "users", res.Value[0].Ops[0].Table)
}

func TestStatsReportsOpenTransactionsAndCatalogSize(t *testing.T) {
	f := newTestFacade(t)

	require.True(t, f.CreateIndex(CreateIndexRequest{Name: "by_sku", Table: "items", Kind: index.Equality, Cols: []string{"sku"}}).IsOk())

	beginRes := f.BeginTx()
	require.True(t, beginRes.IsOk())

	stats := f.Stats()
	require.True(t, stats.IsOk())
	assert.Equal(t, 1, stats.Value.OpenTransactions)
	assert.Equal(t, 1, stats.Value.DeclaredIndexes)
}

func TestDropIndexRemovesFromCatalog(t *testing.T) {
	f := newTestFacade(t)

	require.True(t, f.CreateIndex(CreateIndexRequest{Name: "by_sku", Table: "items", Kind: index.Equality, Cols: []string{"sku"}}).IsOk())
	dropRes := f.DropIndex("by_sku")
	require.True(t, dropRes.IsOk())

	stats := f.Stats()
	require.True(t, stats.IsOk())
	assert.Equal(t, 0, stats.Value.DeclaredIndexes)

	again := f.DropIndex("by_sku")
	assert.False(t, again.IsOk())
}
