package exec

import (
	"context"
	"fmt"

	"go.themisdb.dev/internal/aql/plan"
	"go.themisdb.dev/internal/errs"
)

// execHashJoin builds a hash table over the smaller-cardinality build
// side (the first child, chosen by the planner) keyed by node.Column,
// then streams the probe side (second child) against it — spec.md
// §4.11's equi-join strategy.
func execHashJoin(ctx context.Context, ec *Context, node *plan.Node) ([]Row, error) {
	if len(node.Children) != 2 {
		return nil, errs.New(errs.Internal, "HashJoin expects two children, got %d", len(node.Children))
	}
	build, err := Execute(ctx, ec, node.Children[0])
	if err != nil {
		return nil, err
	}
	probe, err := Execute(ctx, ec, node.Children[1])
	if err != nil {
		return nil, err
	}

	table := map[string][]Row{}
	for _, r := range build {
		key := fmt.Sprint(r[node.Column])
		table[key] = append(table[key], r)
	}

	var out []Row
	for _, p := range probe {
		key := fmt.Sprint(p[node.Column])
		for _, b := range table[key] {
			out = append(out, mergeRows(b, p))
		}
	}
	return out, nil
}

// execNestedLoopJoin is the fallback used for non-equi joins, or when
// the planner decided the build side is too large for a hash table.
func execNestedLoopJoin(ctx context.Context, ec *Context, node *plan.Node) ([]Row, error) {
	if len(node.Children) != 2 {
		return nil, errs.New(errs.Internal, "NestedLoopJoin expects two children, got %d", len(node.Children))
	}
	left, err := Execute(ctx, ec, node.Children[0])
	if err != nil {
		return nil, err
	}
	right, err := Execute(ctx, ec, node.Children[1])
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, l := range left {
		for _, r := range right {
			merged := mergeRows(l, r)
			if node.Expr == nil {
				out = append(out, merged)
				continue
			}
			ok, err := evalBool(node.Expr, ec.withRow(merged))
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, merged)
			}
		}
	}
	return out, nil
}

func mergeRows(a, b Row) Row {
	merged := make(Row, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}
