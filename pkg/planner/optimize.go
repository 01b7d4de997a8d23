package planner

import "github.com/bobboyms/kvengine/pkg/catalog"

// Optimize applies the bottom-up rewrite passes of spec §4.7, in order:
// constant folding, predicate pushdown, then index selection. cat resolves
// table/column/index metadata for the pushdown and index-selection rules.
func Optimize(cat *catalog.Catalog, plan Node) (Node, error) {
	plan = foldConstantsInPlan(plan)
	plan = pushdownPredicates(cat, plan)
	plan, err := selectIndexes(cat, plan)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// --- 1. constant folding ---

// foldConstantsInPlan rewrites every predicate attached to the plan. The
// predicate shape here is always a leaf comparison of (column, operator,
// literal) — never literal-vs-literal — so true arithmetic/comparison
// folding between two literals cannot arise; what this pass can do is
// flatten nested AND/OR of the same kind and eliminate double negation,
// the folding opportunities this leaf shape actually affords. NULL
// propagation is deliberately NOT special-cased here: a Compare against a
// NULL literal is left exactly as written and evaluates to "unknown" at
// runtime (pkg/executor), never folded down to a constant false (spec
// §4.7 rule 1).
func foldConstantsInPlan(n Node) Node {
	switch node := n.(type) {
	case *Filter:
		return &Filter{Child: foldConstantsInPlan(node.Child), Predicate: FoldConstants(node.Predicate)}
	case *Project:
		return &Project{Child: foldConstantsInPlan(node.Child), Columns: node.Columns}
	case *NestedLoopJoin:
		return &NestedLoopJoin{
			Left:  foldConstantsInPlan(node.Left),
			Right: foldConstantsInPlan(node.Right),
			Kind:  node.Kind,
			On:    FoldConstants(node.On),
		}
	case *Aggregate:
		return &Aggregate{Child: foldConstantsInPlan(node.Child), GroupBy: node.GroupBy, Aggs: node.Aggs}
	case *DeleteNode:
		return &DeleteNode{Child: foldConstantsInPlan(node.Child), Table: node.Table}
	case *UpdateNode:
		assignments := make([]Assignment, len(node.Assignments))
		for i, a := range node.Assignments {
			assignments[i] = Assignment{Column: a.Column, Value: FoldConstants(a.Value)}
		}
		return &UpdateNode{Child: foldConstantsInPlan(node.Child), Table: node.Table, Assignments: assignments}
	default:
		return n
	}
}

// FoldConstants rewrites a single predicate expression: flattens nested
// AND-of-AND / OR-of-OR, drops empty AND/OR branches, and cancels a
// double negation.
func FoldConstants(e Expr) Expr {
	switch expr := e.(type) {
	case *Not:
		child := FoldConstants(expr.Child)
		if inner, ok := child.(*Not); ok {
			return inner.Child
		}
		return &Not{Child: child}
	case *And:
		var flat []Expr
		for _, c := range expr.Children {
			folded := FoldConstants(c)
			if inner, ok := folded.(*And); ok {
				flat = append(flat, inner.Children...)
				continue
			}
			flat = append(flat, folded)
		}
		if len(flat) == 1 {
			return flat[0]
		}
		return &And{Children: flat}
	case *Or:
		var flat []Expr
		for _, c := range expr.Children {
			folded := FoldConstants(c)
			if inner, ok := folded.(*Or); ok {
				flat = append(flat, inner.Children...)
				continue
			}
			flat = append(flat, folded)
		}
		if len(flat) == 1 {
			return flat[0]
		}
		return &Or{Children: flat}
	default:
		return e
	}
}

// --- 2. predicate pushdown ---

// pushdownPredicates pushes a Filter sitting above a join down into
// whichever side's subtree every one of its AND-conjuncts exclusively
// references; a conjunct straddling both sides (e.g. the join condition
// itself) stays above the join. Pushing a Filter directly above a scan
// into the scan itself is left to the index-selection rule, which
// rewrites Filter(TableScan) wholesale. Per spec §4.7 rule 2.
func pushdownPredicates(cat *catalog.Catalog, n Node) Node {
	switch node := n.(type) {
	case *Filter:
		child := pushdownPredicates(cat, node.Child)
		if join, ok := child.(*NestedLoopJoin); ok {
			return pushIntoJoin(cat, node.Predicate, join)
		}
		return &Filter{Child: child, Predicate: node.Predicate}
	case *Project:
		return &Project{Child: pushdownPredicates(cat, node.Child), Columns: node.Columns}
	case *NestedLoopJoin:
		return &NestedLoopJoin{
			Left:  pushdownPredicates(cat, node.Left),
			Right: pushdownPredicates(cat, node.Right),
			Kind:  node.Kind,
			On:    node.On,
		}
	case *Aggregate:
		return &Aggregate{Child: pushdownPredicates(cat, node.Child), GroupBy: node.GroupBy, Aggs: node.Aggs}
	case *DeleteNode:
		return &DeleteNode{Child: pushdownPredicates(cat, node.Child), Table: node.Table}
	case *UpdateNode:
		return &UpdateNode{Child: pushdownPredicates(cat, node.Child), Table: node.Table, Assignments: node.Assignments}
	default:
		return n
	}
}

func pushIntoJoin(cat *catalog.Catalog, predicate Expr, join *NestedLoopJoin) Node {
	leftTable := baseTableOf(join.Left)
	rightTable := baseTableOf(join.Right)

	conjuncts := conjunctsOf(predicate)
	var toLeft, toRight, remaining []Expr
	for _, c := range conjuncts {
		cols := columnsIn(c)
		switch {
		case leftTable != "" && allColumnsBelongTo(cat, leftTable, cols):
			toLeft = append(toLeft, c)
		case rightTable != "" && allColumnsBelongTo(cat, rightTable, cols):
			toRight = append(toRight, c)
		default:
			remaining = append(remaining, c)
		}
	}

	result := &NestedLoopJoin{
		Left:  wrapFilter(join.Left, toLeft),
		Right: wrapFilter(join.Right, toRight),
		Kind:  join.Kind,
		On:    join.On,
	}
	if len(remaining) == 0 {
		return result
	}
	return wrapFilter(result, remaining)
}

// allColumnsBelongTo reports whether every column name in cols is a
// declared column of tableName, per the catalog.
func allColumnsBelongTo(cat *catalog.Catalog, tableName string, cols map[string]bool) bool {
	if len(cols) == 0 {
		return false
	}
	table, err := cat.Table(tableName)
	if err != nil {
		return false
	}
	for col := range cols {
		if _, ok := table.ColumnByName(col); !ok {
			return false
		}
	}
	return true
}

func wrapFilter(n Node, conjuncts []Expr) Node {
	if len(conjuncts) == 0 {
		return n
	}
	pred := Expr(&And{Children: conjuncts})
	if len(conjuncts) == 1 {
		pred = conjuncts[0]
	}
	return &Filter{Child: n, Predicate: pred}
}

func conjunctsOf(e Expr) []Expr {
	if and, ok := e.(*And); ok {
		var out []Expr
		for _, c := range and.Children {
			out = append(out, conjunctsOf(c)...)
		}
		return out
	}
	return []Expr{e}
}

func columnsIn(e Expr) map[string]bool {
	cols := map[string]bool{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch expr := e.(type) {
		case *Compare:
			cols[expr.Column] = true
		case *And:
			for _, c := range expr.Children {
				walk(c)
			}
		case *Or:
			for _, c := range expr.Children {
				walk(c)
			}
		case *Not:
			walk(expr.Child)
		}
	}
	walk(e)
	return cols
}

// baseTableOf returns the single base table name scanned under n, or ""
// if n is not (yet) a single-table subtree — e.g. it is itself a join.
// This is what lets pushIntoJoin decide which side of a two-way join a
// pushed-down conjunct belongs to; it does not attempt to resolve a
// multi-table subtree, since the join side is then itself rewritten by a
// nested pushdown pass when that side is visited.
func baseTableOf(n Node) string {
	switch node := n.(type) {
	case *TableScan:
		return node.Table
	case *IndexScan:
		return node.Table
	case *Filter:
		return baseTableOf(node.Child)
	case *Project:
		return baseTableOf(node.Child)
	default:
		return ""
	}
}

// --- 3. index selection ---

// selectIndexes rewrites Filter(TableScan) → IndexScan wherever the
// predicate is (or reduces to) a single equality/range comparison on a
// column with a registered scalar index (spec §4.7 rule 3).
func selectIndexes(cat *catalog.Catalog, n Node) (Node, error) {
	switch node := n.(type) {
	case *Filter:
		child, err := selectIndexes(cat, node.Child)
		if err != nil {
			return nil, err
		}
		if scan, ok := child.(*TableScan); ok {
			if rewritten, ok := tryIndexScan(cat, scan.Table, node.Predicate); ok {
				return rewritten, nil
			}
		}
		return &Filter{Child: child, Predicate: node.Predicate}, nil
	case *Project:
		child, err := selectIndexes(cat, node.Child)
		if err != nil {
			return nil, err
		}
		return &Project{Child: child, Columns: node.Columns}, nil
	case *NestedLoopJoin:
		left, err := selectIndexes(cat, node.Left)
		if err != nil {
			return nil, err
		}
		right, err := selectIndexes(cat, node.Right)
		if err != nil {
			return nil, err
		}
		return &NestedLoopJoin{Left: left, Right: right, Kind: node.Kind, On: node.On}, nil
	case *Aggregate:
		child, err := selectIndexes(cat, node.Child)
		if err != nil {
			return nil, err
		}
		return &Aggregate{Child: child, GroupBy: node.GroupBy, Aggs: node.Aggs}, nil
	case *DeleteNode:
		child, err := selectIndexes(cat, node.Child)
		if err != nil {
			return nil, err
		}
		return &DeleteNode{Child: child, Table: node.Table}, nil
	case *UpdateNode:
		child, err := selectIndexes(cat, node.Child)
		if err != nil {
			return nil, err
		}
		return &UpdateNode{Child: child, Table: node.Table, Assignments: node.Assignments}, nil
	default:
		return n, nil
	}
}

func tryIndexScan(cat *catalog.Catalog, tableName string, predicate Expr) (*IndexScan, bool) {
	cmp, ok := predicate.(*Compare)
	if !ok {
		return nil, false
	}
	table, err := cat.Table(tableName)
	if err != nil {
		return nil, false
	}
	indexName, ok := indexedColumn(table, cmp.Column)
	if !ok {
		return nil, false
	}

	switch cmp.Operator {
	case OpEqual:
		return &IndexScan{Table: tableName, Index: indexName, Lo: cmp.Literal, Hi: cmp.Literal}, true
	case OpGreaterOrEqual:
		return &IndexScan{Table: tableName, Index: indexName, Lo: cmp.Literal}, true
	case OpLessOrEqual:
		return &IndexScan{Table: tableName, Index: indexName, Hi: cmp.Literal}, true
	default:
		// >, <, != need a full scan with a residual filter: no bounded
		// range can express them without risking an off-by-one on an
		// encoded boundary, so index selection skips these operators.
		return nil, false
	}
}
