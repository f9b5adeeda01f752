package exec

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/aql/plan"
	"go.themisdb.dev/internal/errs"
	"go.themisdb.dev/internal/telemetry"
)

// SourceFunc produces the row stream a leaf Scan/IndexScan/… node reads
// from. The executor is storage-agnostic: the Admin Facade supplies one
// SourceFunc per table/index by closing over the entity store and
// secondary indexes, so this package never imports internal/kv itself.
type SourceFunc func(ctx context.Context, node *plan.Node) ([]Row, error)

// Iterator is a pull-based row stream: Next returns (row, true, nil) on
// a row, (nil, false, nil) at end of stream, and a non-nil error on
// failure. Every Node type below compiles to one of these.
type Iterator interface {
	Next(ctx context.Context) (Row, bool, error)
}

// Context carries everything one query execution needs: the source
// callback, the shared CTE cache, variable bindings (for correlated
// subqueries), optional tracing, and the index catalog Translate
// consults to pick a physical scan narrower than a full table Scan.
type Context struct {
	Source   SourceFunc
	Cache    *CTECache
	Bindings map[string]any
	Tracer   *telemetry.Provider
	Catalog  plan.Catalog
}

// Child returns a new Context for a correlated subquery: it shares the
// CTE cache and tracer but layers its own bindings over the parent's so
// the child can see outer variables without mutating them.
func (c *Context) Child(extra map[string]any) *Context {
	merged := make(map[string]any, len(c.Bindings)+len(extra))
	for k, v := range c.Bindings {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &Context{Source: c.Source, Cache: c.Cache, Bindings: merged, Tracer: c.Tracer, Catalog: c.Catalog}
}

func (c *Context) span(ctx context.Context, kind plan.NodeKind) (context.Context, func()) {
	if c.Tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := c.Tracer.StageSpan(ctx, string(kind))
	return spanCtx, func() { span.End() }
}

// Execute runs node to completion and returns every row, checking ctx
// for cancellation between pipeline stages (spec.md §5).
func Execute(ctx context.Context, ec *Context, node *plan.Node) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Cancelled, err, "query cancelled")
	}
	spanCtx, end := ec.span(ctx, node.Kind)
	defer end()

	switch node.Kind {
	case plan.Scan:
		if node.Expr != nil {
			return execArraySource(ec, node)
		}
		return ec.Source(spanCtx, node)

	case plan.IndexScan, plan.RangeScan, plan.CompositeScan,
		plan.FulltextScan, plan.SpatialScan, plan.VectorKnn, plan.Traversal, plan.ShortestPath:
		return ec.Source(spanCtx, node)

	case plan.LetNode:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		out := make([]Row, len(rows))
		for i, r := range rows {
			v, err := eval(node.Expr, ec.withRow(r))
			if err != nil {
				return nil, err
			}
			extended := make(Row, len(r)+1)
			for k, val := range r {
				extended[k] = val
			}
			extended[node.Var] = v
			out[i] = extended
		}
		return out, nil

	case plan.Filter:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		out := make([]Row, 0, len(rows))
		for _, r := range rows {
			ok, err := evalBool(node.Expr, ec.withRow(r))
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, r)
			}
		}
		return out, nil

	case plan.Project:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		out := make([]Row, len(rows))
		for i, r := range rows {
			v, err := eval(node.Expr, ec.withRow(r))
			if err != nil {
				return nil, err
			}
			out[i] = Row{node.Var: v}
		}
		return out, nil

	case plan.Sort:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		return sortRows(rows, ec, node)

	case plan.Limit:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		return applyLimit(rows, node.Offset, node.Count), nil

	case plan.Aggregate:
		return execAggregate(spanCtx, ec, node)

	case plan.HashJoin:
		return execHashJoin(spanCtx, ec, node)

	case plan.NestedLoopJoin:
		return execNestedLoopJoin(spanCtx, ec, node)

	case plan.CTEMaterialize:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		if err := ec.Cache.Put(node.CTEName, rows); err != nil {
			return nil, errs.Wrap(errs.ResourceExhausted, err, "materialize cte %s", node.CTEName)
		}
		return rows, nil

	case plan.CTERef:
		rows, ok, err := ec.Cache.Get(node.CTEName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.New(errs.Internal, "cte %s referenced before materialization", node.CTEName)
		}
		if node.Var == "" {
			return rows, nil
		}
		out := make([]Row, len(rows))
		for i, r := range rows {
			if v, ok := r["_value"]; ok && len(r) == 1 {
				out[i] = Row{node.Var: v}
				continue
			}
			out[i] = Row{node.Var: map[string]any(r)}
		}
		return out, nil

	case plan.SubqueryScalar:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return []Row{{node.Var: nil}}, nil
		}
		return []Row{{node.Var: firstValue(rows[0])}}, nil

	case plan.SubqueryArray:
		rows, err := execChild(spanCtx, ec, node)
		if err != nil {
			return nil, err
		}
		arr := make([]any, len(rows))
		for i, r := range rows {
			arr[i] = firstValue(r)
		}
		return []Row{{node.Var: arr}}, nil

	case plan.QuantifierNode:
		return execQuantifier(spanCtx, ec, node)
	}
	return nil, errs.New(errs.Unsupported, "plan node kind %s", node.Kind)
}

func execArraySource(ec *Context, node *plan.Node) ([]Row, error) {
	v, err := eval(node.Expr, ec)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, errs.New(errs.SchemaViolation, "FOR source must evaluate to an array")
	}
	rows := make([]Row, len(arr))
	for i, item := range arr {
		rows[i] = Row{node.Var: item}
	}
	return rows, nil
}

func execChild(ctx context.Context, ec *Context, node *plan.Node) ([]Row, error) {
	if len(node.Children) != 1 {
		return nil, errs.New(errs.Internal, "%s expects exactly one child, got %d", node.Kind, len(node.Children))
	}
	return Execute(ctx, ec, node.Children[0])
}

func firstValue(r Row) any {
	for _, v := range r {
		return v
	}
	return nil
}

func applyLimit(rows []Row, offset, count int64) []Row {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(rows)) {
		return nil
	}
	end := offset + count
	if count <= 0 || end > int64(len(rows)) {
		end = int64(len(rows))
	}
	return rows[offset:end]
}

func sortRows(rows []Row, ec *Context, node *plan.Node) ([]Row, error) {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	var sortErr error
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, err := eval(node.Expr, ec.withRow(sorted[i]))
		if err != nil {
			sortErr = err
			return false
		}
		vj, err := eval(node.Expr, ec.withRow(sorted[j]))
		if err != nil {
			sortErr = err
			return false
		}
		less := compareValues(vi, vj) < 0
		if node.Bound == "DESC" {
			return !less
		}
		return less
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return sorted, nil
}

// execAggregate groups the child stream by node.Expr (COLLECT's group-by
// expression, evaluated per row — nil means one ungrouped bucket over
// every row) and reduces node.Aggregates over each group, matching
// spec.md §4.11's COLLECT ... AGGREGATE semantics.
func execAggregate(ctx context.Context, ec *Context, node *plan.Node) ([]Row, error) {
	rows, err := execChild(ctx, ec, node)
	if err != nil {
		return nil, err
	}

	type group struct {
		key  any
		rows []Row
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range rows {
		var key any
		if node.Expr != nil {
			v, err := eval(node.Expr, ec.withRow(r))
			if err != nil {
				return nil, err
			}
			key = v
		}
		keyStr := fmt.Sprint(key)
		g, ok := groups[keyStr]
		if !ok {
			g = &group{key: key}
			groups[keyStr] = g
			order = append(order, keyStr)
		}
		g.rows = append(g.rows, r)
	}

	out := make([]Row, 0, len(order))
	for _, keyStr := range order {
		g := groups[keyStr]
		row := Row{}
		if node.Var != "" {
			row[node.Var] = g.key
		}
		for _, agg := range node.Aggregates {
			v, err := evalAggregate(agg, g.rows, ec)
			if err != nil {
				return nil, err
			}
			row[agg.Var] = v
		}
		out = append(out, row)
	}
	return out, nil
}

// evalAggregate reduces agg.Arg, evaluated once per row of group, with
// the aggregate function agg.Func names (spec.md §4.9's COUNT/SUM/AVG/
// MIN/MAX AGGREGATE functions).
func evalAggregate(agg ast.Aggregate, group []Row, ec *Context) (any, error) {
	nums := make([]float64, 0, len(group))
	for _, r := range group {
		v, err := eval(agg.Arg, ec.withRow(r))
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "%s requires a numeric expression", agg.Func)
		}
		nums = append(nums, f)
	}

	switch strings.ToUpper(agg.Func) {
	case "COUNT":
		return int64(len(nums)), nil
	case "SUM":
		var total float64
		for _, f := range nums {
			total += f
		}
		return total, nil
	case "AVG":
		if len(nums) == 0 {
			return nil, nil
		}
		var total float64
		for _, f := range nums {
			total += f
		}
		return total / float64(len(nums)), nil
	case "MIN":
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, f := range nums[1:] {
			if f < m {
				m = f
			}
		}
		return m, nil
	case "MAX":
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, f := range nums[1:] {
			if f > m {
				m = f
			}
		}
		return m, nil
	}
	return nil, errs.New(errs.Unsupported, "unknown aggregate function %s", agg.Func)
}

func execQuantifier(ctx context.Context, ec *Context, node *plan.Node) ([]Row, error) {
	rows, err := execChild(ctx, ec, node)
	if err != nil {
		return nil, err
	}
	matched := 0
	for _, r := range rows {
		ok, err := evalBool(node.Expr, ec.withRow(r))
		if err != nil {
			return nil, err
		}
		if ok {
			matched++
		}
	}
	all := node.Direction == "ALL"
	result := matched > 0
	if all {
		result = matched == len(rows)
	}
	return []Row{{node.Var: result}}, nil
}

func (c *Context) withRow(r Row) *Context {
	merged := make(map[string]any, len(c.Bindings)+len(r))
	for k, v := range c.Bindings {
		merged[k] = v
	}
	for k, v := range r {
		merged[k] = v
	}
	return &Context{Source: c.Source, Cache: c.Cache, Bindings: merged, Tracer: c.Tracer}
}

func evalBool(e *ast.Expr, ec *Context) (bool, error) {
	v, err := eval(e, ec)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.New(errs.SchemaViolation, "expected boolean expression, got %T", v)
	}
	return b, nil
}
