package executor

import (
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/planner"
	"github.com/bobboyms/kvengine/pkg/txn"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Tuple is one row flowing through the operator tree, paired with the
// primary key it was fetched at so mutation operators downstream (Update,
// Delete) know which row to write back.
type Tuple struct {
	PK  int64
	Row types.Value
}

// Operator is a pull-based plan operator: Open prepares iteration, Next
// returns the next tuple (ok=false once exhausted), Close releases any
// cursor/index resources. Grounded on teacher `pkg/storage/cursor.go`'s
// Seek/Next/Valid cursor shape, generalized into an interface every plan
// node compiles to instead of one concrete B+-tree cursor type.
type Operator interface {
	Open() error
	Next() (Tuple, bool, error)
	Close() error
}

// tableScanOp reads every visible row of a table via Engine.ScanTable,
// buffering results up front; row counts in this engine are small enough
// that a streaming cursor isn't required for correctness, only naturalness
// of implementation against the Engine interface's visit-callback shape.
type tableScanOp struct {
	engine Engine
	tx     *txn.Transaction
	table  string

	rows []Tuple
	pos  int
}

func newTableScanOp(engine Engine, tx *txn.Transaction, node *planner.TableScan) *tableScanOp {
	return &tableScanOp{engine: engine, tx: tx, table: node.Table}
}

func (op *tableScanOp) Open() error {
	op.rows = op.rows[:0]
	op.pos = 0
	return op.engine.ScanTable(op.tx, op.table, func(pk int64, row types.Value) (bool, error) {
		if err := acquireScanLock(op.engine, op.tx, op.table, pk); err != nil {
			return false, err
		}
		op.rows = append(op.rows, Tuple{PK: pk, Row: row})
		return true, nil
	})
}

func (op *tableScanOp) Next() (Tuple, bool, error) {
	if op.pos >= len(op.rows) {
		return Tuple{}, false, nil
	}
	t := op.rows[op.pos]
	op.pos++
	return t, true, nil
}

func (op *tableScanOp) Close() error { return nil }

// indexScanOp fetches primary keys from a named index whose value falls in
// [Lo, Hi], then resolves each to its current row via Engine.GetRow.
// Grounded on teacher `engine.go`'s `Get` (tree lookup -> heap offset ->
// row) generalized to a range of keys instead of exactly one.
type indexScanOp struct {
	engine Engine
	tx     *txn.Transaction
	table  string
	index  string
	lo, hi types.Value

	pks []int64
	pos int
}

func newIndexScanOp(engine Engine, tx *txn.Transaction, node *planner.IndexScan) *indexScanOp {
	return &indexScanOp{engine: engine, tx: tx, table: node.Table, index: node.Index, lo: node.Lo, hi: node.Hi}
}

func (op *indexScanOp) Open() error {
	cat := op.engine.Catalog()
	table, err := cat.Table(op.table)
	if err != nil {
		return err
	}
	pks, err := table.Indexes.RangeScalar(op.index, op.lo, op.hi)
	if err != nil {
		return err
	}
	op.pks = pks
	op.pos = 0
	return nil
}

func (op *indexScanOp) Next() (Tuple, bool, error) {
	for op.pos < len(op.pks) {
		pk := op.pks[op.pos]
		op.pos++
		row, ok, err := op.engine.GetRow(op.tx, op.table, pk)
		if err != nil {
			return Tuple{}, false, err
		}
		if !ok {
			continue // version not visible to tx under its isolation snapshot; never lock it
		}
		if err := acquireScanLock(op.engine, op.tx, op.table, pk); err != nil {
			return Tuple{}, false, err
		}
		return Tuple{PK: pk, Row: row}, true, nil
	}
	return Tuple{}, false, nil
}

func (op *indexScanOp) Close() error { return nil }

// acquireScanLock takes the shared row lock on (table, pk) when tx runs
// Serializable, so the read is held to commit instead of released the
// instant the row is produced (SS2PL, spec §4.4). Every other isolation
// level scans without taking any lock, matching their snapshot-only
// semantics.
func acquireScanLock(engine Engine, tx *txn.Transaction, table string, pk int64) error {
	if tx.Level != txn.Serializable {
		return nil
	}
	return engine.Locks().Acquire(tx.ID, lockKey(table, pk), lock.Shared)
}

// filterOp keeps only tuples whose row satisfies Predicate.
type filterOp struct {
	child     Operator
	predicate planner.Expr
}

func newFilterOp(child Operator, predicate planner.Expr) *filterOp {
	return &filterOp{child: child, predicate: predicate}
}

func (op *filterOp) Open() error { return op.child.Open() }

func (op *filterOp) Next() (Tuple, bool, error) {
	for {
		t, ok, err := op.child.Next()
		if err != nil || !ok {
			return Tuple{}, false, err
		}
		matched, err := Evaluate(op.predicate, t.Row)
		if err != nil {
			return Tuple{}, false, err
		}
		if matched {
			return t, true, nil
		}
	}
}

func (op *filterOp) Close() error { return op.child.Close() }

// projectOp narrows each row down to Columns, in order, preserving PK.
type projectOp struct {
	child   Operator
	columns []string
}

func newProjectOp(child Operator, columns []string) *projectOp {
	return &projectOp{child: child, columns: columns}
}

func (op *projectOp) Open() error { return op.child.Open() }

func (op *projectOp) Next() (Tuple, bool, error) {
	t, ok, err := op.child.Next()
	if err != nil || !ok {
		return Tuple{}, false, err
	}
	entries := make([]types.MapEntry, 0, len(op.columns))
	for _, col := range op.columns {
		v, _ := t.Row.MapGet([]byte(col))
		entries = append(entries, types.MapEntry{Key: []byte(col), Value: v})
	}
	return Tuple{PK: t.PK, Row: types.MapValue(entries)}, true, nil
}

func (op *projectOp) Close() error { return op.child.Close() }

// nestedLoopJoinOp joins Left (outer) against Right (inner) on predicate
// On, re-opening Right once per outer tuple. Grounded on teacher's absence
// of any join operator: this is new surface built from scratch in the
// teacher's pull-operator idiom, since the teacher engine never joined
// across tables.
type nestedLoopJoinOp struct {
	left Operator
	kind planner.JoinKind
	on   planner.Expr

	// reopenRight recreates the inner operator for a fresh pass; Operator
	// has no Reset, so the join owns a constructor instead of the opened
	// instance and re-opens a clean copy per outer tuple.
	reopenRight func() (Operator, error)

	outer        Tuple
	outerOpen    bool
	outerMatched bool
	inner        Operator
}

func newNestedLoopJoinOp(left Operator, kind planner.JoinKind, on planner.Expr, reopenRight func() (Operator, error)) *nestedLoopJoinOp {
	return &nestedLoopJoinOp{left: left, kind: kind, on: on, reopenRight: reopenRight}
}

func (op *nestedLoopJoinOp) Open() error {
	return op.left.Open()
}

func (op *nestedLoopJoinOp) Next() (Tuple, bool, error) {
	for {
		if !op.outerOpen {
			t, ok, err := op.left.Next()
			if err != nil || !ok {
				return Tuple{}, false, err
			}
			op.outer = t
			op.outerOpen = true
			op.outerMatched = false
			if op.inner != nil {
				if err := op.inner.Close(); err != nil {
					return Tuple{}, false, err
				}
			}
			inner, err := op.reopenRight()
			if err != nil {
				return Tuple{}, false, err
			}
			if err := inner.Open(); err != nil {
				return Tuple{}, false, err
			}
			op.inner = inner
		}

		it, ok, err := op.inner.Next()
		if err != nil {
			return Tuple{}, false, err
		}
		if !ok {
			// Inner exhausted: emit an unmatched left row for LEFT OUTER JOIN,
			// then advance to the next outer tuple.
			unmatched := !op.outerMatched && op.kind == planner.LeftOuterJoin
			outer := op.outer
			op.outerOpen = false
			if unmatched {
				return Tuple{PK: outer.PK, Row: joinRows(outer.Row, types.Value{})}, true, nil
			}
			continue
		}

		joined := joinRows(op.outer.Row, it.Row)
		matched, err := Evaluate(op.on, joined)
		if err != nil {
			return Tuple{}, false, err
		}
		if matched {
			op.outerMatched = true
			return Tuple{PK: op.outer.PK, Row: joined}, true, nil
		}
	}
}

func (op *nestedLoopJoinOp) Close() error {
	if op.inner != nil {
		if err := op.inner.Close(); err != nil {
			return err
		}
	}
	return op.left.Close()
}

// joinRows concatenates left's and right's map entries into one row; a
// zero-kind right (a LEFT OUTER JOIN unmatched row) contributes nothing.
func joinRows(left, right types.Value) types.Value {
	entries := append([]types.MapEntry{}, left.Map...)
	if right.Kind == types.KindMap {
		entries = append(entries, right.Map...)
	}
	return types.MapValue(entries)
}

// aggregateOp groups Child's rows by GroupBy and computes Aggs per group.
// Grounded on nothing in the teacher (which has no aggregation path at
// all); built fresh in the pull-operator idiom, materializing groups on
// Open since an aggregate cannot emit its first result until its last
// input row has been seen.
type aggregateOp struct {
	child   Operator
	groupBy []string
	aggs    []planner.AggExpr

	results []Tuple
	pos     int
}

func newAggregateOp(child Operator, groupBy []string, aggs []planner.AggExpr) *aggregateOp {
	return &aggregateOp{child: child, groupBy: groupBy, aggs: aggs}
}

type aggAccumulator struct {
	count int64
	sum   map[string]float64
	min   map[string]*types.Value
	max   map[string]*types.Value
}

func (op *aggregateOp) Open() error {
	if err := op.child.Open(); err != nil {
		return err
	}
	defer op.child.Close()

	order := []string{}
	groupKeys := map[string]Tuple{}
	accs := map[string]*aggAccumulator{}

	for {
		t, ok, err := op.child.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key := groupKeyOf(t.Row, op.groupBy)
		acc, exists := accs[key]
		if !exists {
			acc = &aggAccumulator{sum: map[string]float64{}, min: map[string]*types.Value{}, max: map[string]*types.Value{}}
			accs[key] = acc
			groupKeys[key] = t
			order = append(order, key)
		}
		accumulate(acc, op.aggs, t.Row)
	}

	op.results = op.results[:0]
	for _, key := range order {
		row := materializeGroup(groupKeys[key].Row, op.groupBy, op.aggs, accs[key])
		op.results = append(op.results, Tuple{PK: groupKeys[key].PK, Row: row})
	}
	op.pos = 0
	return nil
}

func (op *aggregateOp) Next() (Tuple, bool, error) {
	if op.pos >= len(op.results) {
		return Tuple{}, false, nil
	}
	t := op.results[op.pos]
	op.pos++
	return t, true, nil
}

func (op *aggregateOp) Close() error { return nil }

func groupKeyOf(row types.Value, groupBy []string) string {
	key := ""
	for _, col := range groupBy {
		v, _ := row.MapGet([]byte(col))
		encoded, _ := v.Encode()
		key += col + ":" + string(encoded) + "|"
	}
	return key
}

func accumulate(acc *aggAccumulator, aggs []planner.AggExpr, row types.Value) {
	acc.count++
	for _, agg := range aggs {
		if agg.Func == planner.AggCount {
			continue
		}
		v, ok := row.MapGet([]byte(agg.Column))
		if !ok || v.IsNull() {
			continue
		}
		switch agg.Func {
		case planner.AggSum:
			acc.sum[agg.Alias] += numericOf(v)
		case planner.AggMin:
			if cur, ok := acc.min[agg.Alias]; !ok || less(v, *cur) {
				vv := v
				acc.min[agg.Alias] = &vv
			}
		case planner.AggMax:
			if cur, ok := acc.max[agg.Alias]; !ok || less(*cur, v) {
				vv := v
				acc.max[agg.Alias] = &vv
			}
		}
	}
}

func materializeGroup(sample types.Value, groupBy []string, aggs []planner.AggExpr, acc *aggAccumulator) types.Value {
	entries := make([]types.MapEntry, 0, len(groupBy)+len(aggs))
	for _, col := range groupBy {
		v, _ := sample.MapGet([]byte(col))
		entries = append(entries, types.MapEntry{Key: []byte(col), Value: v})
	}
	for _, agg := range aggs {
		var v types.Value
		switch agg.Func {
		case planner.AggCount:
			v = types.IntegerValue(acc.count)
		case planner.AggSum:
			v = types.FloatValue(acc.sum[agg.Alias])
		case planner.AggMin:
			if m, ok := acc.min[agg.Alias]; ok {
				v = *m
			} else {
				v = types.NullValue()
			}
		case planner.AggMax:
			if m, ok := acc.max[agg.Alias]; ok {
				v = *m
			} else {
				v = types.NullValue()
			}
		}
		entries = append(entries, types.MapEntry{Key: []byte(agg.Alias), Value: v})
	}
	return types.MapValue(entries)
}

func numericOf(v types.Value) float64 {
	switch v.Kind {
	case types.KindInteger:
		return float64(v.Integer)
	case types.KindFloat:
		return v.Float
	default:
		return 0
	}
}

func less(a, b types.Value) bool {
	ca, errA := a.ToComparable()
	cb, errB := b.ToComparable()
	if errA != nil || errB != nil {
		return false
	}
	return ca.Compare(cb) < 0
}
