package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/aql/parser"
	"go.themisdb.dev/internal/aql/plan"
)

func strPtr(s string) *string { return &s }
func intPtr(i int64) *int64   { return &i }

func scanSource(rows []Row) SourceFunc {
	return func(ctx context.Context, node *plan.Node) ([]Row, error) {
		return rows, nil
	}
}

func newCtx(rows []Row) *Context {
	return &Context{Source: scanSource(rows), Cache: NewCTECache(1<<20, "")}
}

func TestExecuteFilterKeepsMatchingRows(t *testing.T) {
	ec := newCtx([]Row{{"age": int64(10)}, {"age": int64(25)}})
	node := &plan.Node{
		Kind: plan.Filter,
		Expr: &ast.Expr{Binary: &ast.BinaryExpr{
			Op:    ast.OpGte,
			Left:  &ast.Expr{Ident: strPtr("age")},
			Right: &ast.Expr{Literal: &ast.Literal{Int: intPtr(18)}},
		}},
		Children: []*plan.Node{{Kind: plan.Scan}},
	}
	rows, err := Execute(context.Background(), ec, node)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(25), rows[0]["age"])
}

func TestExecuteLimitAppliesOffsetAndCount(t *testing.T) {
	ec := newCtx([]Row{{"i": int64(0)}, {"i": int64(1)}, {"i": int64(2)}, {"i": int64(3)}})
	node := &plan.Node{
		Kind:     plan.Limit,
		Offset:   1,
		Count:    2,
		Children: []*plan.Node{{Kind: plan.Scan}},
	}
	rows, err := Execute(context.Background(), ec, node)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["i"])
	assert.Equal(t, int64(2), rows[1]["i"])
}

func TestExecuteSortDescending(t *testing.T) {
	ec := newCtx([]Row{{"i": int64(3)}, {"i": int64(1)}, {"i": int64(2)}})
	node := &plan.Node{
		Kind:     plan.Sort,
		Expr:     &ast.Expr{Ident: strPtr("i")},
		Bound:    "DESC",
		Children: []*plan.Node{{Kind: plan.Scan}},
	}
	rows, err := Execute(context.Background(), ec, node)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0]["i"])
	assert.Equal(t, int64(1), rows[2]["i"])
}

func TestExecuteHashJoinMatchesOnColumn(t *testing.T) {
	left := &plan.Node{Kind: plan.Scan}
	right := &plan.Node{Kind: plan.Scan}
	node := &plan.Node{Kind: plan.HashJoin, Column: "id", Children: []*plan.Node{left, right}}

	ec := &Context{
		Source: func(ctx context.Context, n *plan.Node) ([]Row, error) {
			if n == left {
				return []Row{{"id": int64(1), "name": "a"}, {"id": int64(2), "name": "b"}}, nil
			}
			return []Row{{"id": int64(1), "tag": "x"}}, nil
		},
		Cache: NewCTECache(1<<20, ""),
	}
	rows, err := Execute(context.Background(), ec, node)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["name"])
	assert.Equal(t, "x", rows[0]["tag"])
}

func TestExecuteCTEMaterializeThenRef(t *testing.T) {
	ec := newCtx([]Row{{"v": int64(1)}, {"v": int64(2)}})
	materialize := &plan.Node{Kind: plan.CTEMaterialize, CTEName: "recent", Children: []*plan.Node{{Kind: plan.Scan}}}
	_, err := Execute(context.Background(), ec, materialize)
	require.NoError(t, err)

	ref := &plan.Node{Kind: plan.CTERef, CTEName: "recent"}
	rows, err := Execute(context.Background(), ec, ref)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExecuteQuantifierAny(t *testing.T) {
	ec := newCtx([]Row{{"tag": "red"}, {"tag": "blue"}})
	node := &plan.Node{
		Kind:      plan.QuantifierNode,
		Direction: "ANY",
		Var:       "result",
		Expr: &ast.Expr{Binary: &ast.BinaryExpr{
			Op:    ast.OpEq,
			Left:  &ast.Expr{Ident: strPtr("tag")},
			Right: &ast.Expr{Literal: &ast.Literal{String: strPtr("red")}},
		}},
		Children: []*plan.Node{{Kind: plan.Scan}},
	}
	rows, err := Execute(context.Background(), ec, node)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["result"])
}

func TestCTECacheSpillsLargestFirstAndReloads(t *testing.T) {
	cache := NewCTECache(200, t.TempDir())
	big := make([]Row, 50)
	for i := range big {
		big[i] = Row{"v": i, "pad": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}
	}
	small := []Row{{"v": 1}}

	require.NoError(t, cache.Put("big", big))
	require.NoError(t, cache.Put("small", small))

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Spilled)

	reloaded, ok, err := cache.Get("big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, reloaded, 50)

	require.NoError(t, cache.Close())
}

func TestRunQueryEndToEndOverStoredTable(t *testing.T) {
	q, err := parser.Parse(`FOR u IN users FILTER u.age >= 18 SORT u.age DESC RETURN u.name`)
	require.NoError(t, err)

	ec := &Context{
		Source: func(ctx context.Context, n *plan.Node) ([]Row, error) {
			data := []map[string]any{
				{"name": "alice", "age": int64(30)},
				{"name": "bob", "age": int64(15)},
				{"name": "carol", "age": int64(25)},
			}
			rows := make([]Row, len(data))
			for i, d := range data {
				rows[i] = Row{n.Var: d}
			}
			return rows, nil
		},
		Cache: NewCTECache(1<<20, ""),
	}

	values, err := RunQuery(context.Background(), ec, q)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "alice", values[0])
	assert.Equal(t, "carol", values[1])
}

func TestRunQueryWithCTEReference(t *testing.T) {
	q, err := parser.Parse(`WITH recent AS (FOR x IN events RETURN x) FOR r IN recent RETURN r`)
	require.NoError(t, err)

	ec := &Context{
		Source: func(ctx context.Context, n *plan.Node) ([]Row, error) {
			return []Row{{n.Var: int64(1)}, {n.Var: int64(2)}}, nil
		},
		Cache: NewCTECache(1<<20, ""),
	}
	values, err := RunQuery(context.Background(), ec, q)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, int64(1), values[0])
	assert.Equal(t, int64(2), values[1])
}
