package exec

import (
	"context"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/aql/plan"
)

// RunQuery is the executor's entry point from the Admin Facade: it
// materializes every CTE (in source order, so a later CTE may
// reference an earlier one through ec.Cache) and then runs the main
// clause pipeline, unwrapping the terminal RETURN projection into plain
// values.
func RunQuery(ctx context.Context, ec *Context, q *ast.Query) ([]any, error) {
	cteNames := plan.CTENames(q)
	for _, cte := range q.CTEs {
		node := plan.Translate(cte.Subquery, plan.CTENames(cte.Subquery), ec.Catalog)
		rows, err := Execute(ctx, ec, node)
		if err != nil {
			return nil, err
		}
		if err := ec.Cache.Put(cte.Name, unwrapReturnRows(rows)); err != nil {
			return nil, err
		}
	}

	node := plan.Translate(q, cteNames, ec.Catalog)
	if node == nil {
		return nil, nil
	}
	rows, err := Execute(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	return valuesOf(unwrapReturnRows(rows)), nil
}

// unwrapReturnRows strips the "_return" wrapper Project leaves on each
// row, so CTE materialization stores plain value rows keyed by whatever
// the subquery's RETURN expression was — matching how a FOR over that
// CTE later binds one variable per row.
func unwrapReturnRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		if v, ok := r["_return"]; ok && len(r) == 1 {
			out[i] = Row{"_value": v}
			continue
		}
		out[i] = r
	}
	return out
}

func valuesOf(rows []Row) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		if v, ok := r["_return"]; ok && len(r) == 1 {
			out[i] = v
			continue
		}
		if v, ok := r["_value"]; ok && len(r) == 1 {
			out[i] = v
			continue
		}
		out[i] = map[string]any(r)
	}
	return out
}
