package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/errs"
)

func TestParseSimpleForFilterReturn(t *testing.T) {
	q, err := Parse(`FOR x IN users FILTER x.age >= 18 RETURN x`)
	require.NoError(t, err)
	require.Len(t, q.Clauses, 3)

	forC := q.Clauses[0].For
	require.NotNil(t, forC)
	assert.Equal(t, "x", forC.Var)
	assert.Equal(t, "users", forC.Collection)

	filterC := q.Clauses[1].Filter
	require.NotNil(t, filterC)
	require.NotNil(t, filterC.Cond.Binary)
	assert.Equal(t, "x", *filterC.Cond.Binary.Left.Field.Base.Ident)
	assert.Equal(t, "age", filterC.Cond.Binary.Left.Field.Field)

	retC := q.Clauses[2].Return
	require.NotNil(t, retC)
	assert.Equal(t, "x", *retC.Expr.Ident)
}

func TestParseSortLimitLet(t *testing.T) {
	q, err := Parse(`FOR x IN t LET y = x.score SORT y DESC LIMIT 5, 10 RETURN y`)
	require.NoError(t, err)

	var sawLet, sawSort, sawLimit bool
	for _, cl := range q.Clauses {
		if cl.Let != nil {
			sawLet = true
			assert.Equal(t, "y", cl.Let.Var)
		}
		if cl.Sort != nil {
			sawSort = true
			require.Len(t, cl.Sort.Keys, 1)
			assert.True(t, cl.Sort.Keys[0].Descending)
		}
		if cl.Limit != nil {
			sawLimit = true
			assert.Equal(t, int64(5), cl.Limit.Offset)
			assert.Equal(t, int64(10), cl.Limit.Count)
		}
	}
	assert.True(t, sawLet)
	assert.True(t, sawSort)
	assert.True(t, sawLimit)
}

func TestParseCollectAggregate(t *testing.T) {
	q, err := Parse(`FOR o IN orders COLLECT region = o.region AGGREGATE total = SUM(o.amount) RETURN { region: region, total: total }`)
	require.NoError(t, err)

	var collect *struct{}
	_ = collect
	var found bool
	for _, cl := range q.Clauses {
		if cl.Collect != nil {
			found = true
			require.Len(t, cl.Collect.GroupBy, 1)
			assert.Equal(t, "region", cl.Collect.GroupBy[0].Var)
			require.Len(t, cl.Collect.Aggregates, 1)
			assert.Equal(t, "total", cl.Collect.Aggregates[0].Var)
			assert.Equal(t, "SUM", cl.Collect.Aggregates[0].Func)
		}
	}
	assert.True(t, found)
}

func TestParseWithCTE(t *testing.T) {
	q, err := Parse(`WITH recent AS (FOR x IN events FILTER x.ts > 100 RETURN x) FOR r IN recent RETURN r`)
	require.NoError(t, err)
	require.Len(t, q.CTEs, 1)
	assert.Equal(t, "recent", q.CTEs[0].Name)
	require.NotNil(t, q.CTEs[0].Subquery)
	assert.Len(t, q.CTEs[0].Subquery.Clauses, 2)
}

func TestParseQuantifierSatisfies(t *testing.T) {
	q, err := Parse(`FOR x IN items FILTER ANY tag IN x.tags SATISFIES tag == "red" RETURN x`)
	require.NoError(t, err)
	filterC := q.Clauses[1].Filter
	require.NotNil(t, filterC)
	require.NotNil(t, filterC.Cond.Quantifier)
	assert.False(t, filterC.Cond.Quantifier.All)
	assert.Equal(t, "tag", filterC.Cond.Quantifier.Var)
}

func TestParseFunctionCall(t *testing.T) {
	q, err := Parse(`FOR x IN places FILTER ST_Within(x.geo, x.region) RETURN x`)
	require.NoError(t, err)
	filterC := q.Clauses[1].Filter
	require.NotNil(t, filterC.Cond.Call)
	assert.Equal(t, "ST_Within", filterC.Cond.Call.Name)
	require.Len(t, filterC.Cond.Call.Args, 2)
}

func TestParseArithmeticPrecedence(t *testing.T) {
	q, err := Parse(`FOR x IN t FILTER x.a + x.b * 2 == 10 RETURN x`)
	require.NoError(t, err)
	filterC := q.Clauses[1].Filter
	eq := filterC.Cond.Binary
	require.NotNil(t, eq)
	assert.Equal(t, "==", string(eq.Op))
	add := eq.Left.Binary
	require.NotNil(t, add)
	assert.Equal(t, "+", string(add.Op))
	mul := add.Right.Binary
	require.NotNil(t, mul)
	assert.Equal(t, "*", string(mul.Op))
}

func TestParseSyntaxErrorReportsPosition(t *testing.T) {
	_, err := Parse(`FOR x IN t FILTER == RETURN x`)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ParseError))
	assert.Contains(t, err.Error(), "line 1, column")
}
