// Package planner builds and rewrites logical query plans (spec §4.7):
// a small expression tree of AND/OR/NOT over (column, operator, literal)
// comparisons, and a handful of logical plan nodes a pkg/executor operator
// tree is compiled from one-to-one. Grounded on teacher
// `pkg/storage/engine.go`'s `Scan`(condition)-driven traversal for the
// scan/condition vocabulary, generalized from "one Comparable condition
// against one index" into a full predicate tree over named columns with
// its own rewrite passes.
package planner

import (
	"fmt"

	"github.com/bobboyms/kvengine/pkg/catalog"
	"github.com/bobboyms/kvengine/pkg/query"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Op is a simple scalar comparison operator usable inside a predicate tree.
type Op int

const (
	OpEqual Op = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
)

func (o Op) negate() Op {
	switch o {
	case OpEqual:
		return OpNotEqual
	case OpNotEqual:
		return OpEqual
	case OpGreaterThan:
		return OpLessOrEqual
	case OpGreaterOrEqual:
		return OpLessThan
	case OpLessThan:
		return OpGreaterOrEqual
	case OpLessOrEqual:
		return OpGreaterThan
	default:
		return o
	}
}

// Expr is a node of a predicate tree: AND/OR/NOT of simple comparisons on
// (column, operator, literal), per spec §4.7.
type Expr interface {
	isExpr()
}

// ColumnRef names the column a Compare expression reads.
type ColumnRef struct{ Name string }

func (ColumnRef) isExpr() {}

// Literal wraps a constant value.
type Literal struct{ Value types.Value }

func (Literal) isExpr() {}

// Compare is a simple (column, operator, literal) comparison, the leaf of
// every predicate tree.
type Compare struct {
	Column   string
	Operator Op
	Literal  types.Value
}

func (Compare) isExpr() {}

// And/Or/Not compose comparisons into a full predicate tree.
type And struct{ Children []Expr }
type Or struct{ Children []Expr }
type Not struct{ Child Expr }

func (And) isExpr() {}
func (Or) isExpr()  {}
func (Not) isExpr() {}

// JoinKind selects NestedLoopJoin's semantics.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
)

// AggFunc names a supported aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
)

// AggExpr is one aggregate computed per group.
type AggExpr struct {
	Func   AggFunc
	Column string // ignored for AggCount() with no argument
	Alias  string
}

// Node is a logical plan node. Plans are trees of Node; the planner
// rewrites them bottom-up, and pkg/executor compiles the rewritten tree
// one-to-one into a pull-based operator tree.
type Node interface {
	isNode()
	Children() []Node
}

// TableScan reads every visible row of a table in primary-key order.
type TableScan struct {
	Table string
}

func (*TableScan) isNode()          {}
func (*TableScan) Children() []Node { return nil }

// IndexScan reads primary keys from a named secondary/primary index whose
// value falls in [Lo, Hi] (Lo == Hi for an equality probe), then fetches
// each matching row.
type IndexScan struct {
	Table string
	Index string
	Lo    types.Value
	Hi    types.Value
}

func (*IndexScan) isNode()          {}
func (*IndexScan) Children() []Node { return nil }

// Filter keeps only rows for which Predicate evaluates true.
type Filter struct {
	Child     Node
	Predicate Expr
}

func (f *Filter) isNode()          {}
func (f *Filter) Children() []Node { return []Node{f.Child} }

// Project narrows each row down to Columns, in order.
type Project struct {
	Child   Node
	Columns []string
}

func (p *Project) isNode()          {}
func (p *Project) Children() []Node { return []Node{p.Child} }

// NestedLoopJoin joins Left (outer) against Right (inner) on predicate On.
type NestedLoopJoin struct {
	Left, Right Node
	Kind        JoinKind
	On          Expr
}

func (j *NestedLoopJoin) isNode()          {}
func (j *NestedLoopJoin) Children() []Node { return []Node{j.Left, j.Right} }

// Aggregate groups Child's rows by GroupBy and computes Aggs per group.
type Aggregate struct {
	Child   Node
	GroupBy []string
	Aggs    []AggExpr
}

func (a *Aggregate) isNode()          {}
func (a *Aggregate) Children() []Node { return []Node{a.Child} }

// DeleteNode deletes every row Child produces.
type DeleteNode struct {
	Child Node
	Table string
}

func (d *DeleteNode) isNode()          {}
func (d *DeleteNode) Children() []Node { return []Node{d.Child} }

// Assignment is one SET column = expr clause of an UpdateNode.
type Assignment struct {
	Column string
	Value  Expr
}

// UpdateNode rewrites every row Child produces per Assignments.
type UpdateNode struct {
	Child       Node
	Table       string
	Assignments []Assignment
}

func (u *UpdateNode) isNode()          {}
func (u *UpdateNode) Children() []Node { return []Node{u.Child} }

// ComparableOf projects a literal Value into the Comparable ordering key
// the pkg/query ScanCondition vocabulary expects. pkg/executor uses this
// to evaluate a leaf Compare node against a materialized row.
func ComparableOf(v types.Value) (types.Comparable, error) {
	return v.ToComparable()
}

// OpToScanOperator maps a planner Op onto the matching pkg/query operator,
// reusing the teacher's ScanCondition vocabulary to evaluate a predicate
// leaf instead of reinventing a second comparison enum.
func OpToScanOperator(op Op) (query.ScanOperator, error) {
	switch op {
	case OpEqual:
		return query.OpEqual, nil
	case OpNotEqual:
		return query.OpNotEqual, nil
	case OpGreaterThan:
		return query.OpGreaterThan, nil
	case OpGreaterOrEqual:
		return query.OpGreaterOrEqual, nil
	case OpLessThan:
		return query.OpLessThan, nil
	case OpLessOrEqual:
		return query.OpLessOrEqual, nil
	default:
		return 0, fmt.Errorf("unknown comparison operator %d", op)
	}
}

// indexedColumn reports whether table has a registered scalar index on
// column, and its index name, consulted by the index-selection rule.
func indexedColumn(table *catalog.Table, column string) (string, bool) {
	name := fmt.Sprintf("idx_%s_%s", table.Name, column)
	return name, table.Indexes.HasScalar(name)
}
