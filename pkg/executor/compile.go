package executor

import (
	"fmt"

	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/planner"
	"github.com/bobboyms/kvengine/pkg/txn"
)

// Compile turns an optimized logical plan into a pull-based operator tree
// bound to engine and tx. Plan nodes compile one-to-one into an operator,
// except DeleteNode/UpdateNode which Compile refuses: those run their own
// state machines (see Delete/Update below) since mutating rows is not an
// iteration concern.
func Compile(engine Engine, tx *txn.Transaction, plan planner.Node) (Operator, error) {
	switch node := plan.(type) {
	case *planner.TableScan:
		return newTableScanOp(engine, tx, node), nil
	case *planner.IndexScan:
		return newIndexScanOp(engine, tx, node), nil
	case *planner.Filter:
		child, err := Compile(engine, tx, node.Child)
		if err != nil {
			return nil, err
		}
		return newFilterOp(child, node.Predicate), nil
	case *planner.Project:
		child, err := Compile(engine, tx, node.Child)
		if err != nil {
			return nil, err
		}
		return newProjectOp(child, node.Columns), nil
	case *planner.NestedLoopJoin:
		left, err := Compile(engine, tx, node.Left)
		if err != nil {
			return nil, err
		}
		reopenRight := func() (Operator, error) {
			return Compile(engine, tx, node.Right)
		}
		return newNestedLoopJoinOp(left, node.Kind, node.On, reopenRight), nil
	case *planner.Aggregate:
		child, err := Compile(engine, tx, node.Child)
		if err != nil {
			return nil, err
		}
		return newAggregateOp(child, node.GroupBy, node.Aggs), nil
	case *planner.DeleteNode, *planner.UpdateNode:
		return nil, kverrors.Newf(kverrors.KindInvalidQuery, "executor: %T runs via Delete/Update, not Compile", plan)
	default:
		return nil, fmt.Errorf("executor: unsupported plan node %T", plan)
	}
}

// Drain runs op to completion, collecting every tuple it produces. Useful
// for SELECT execution and for tests; Update/Delete drive their source
// operator directly instead, since they must mutate one row at a time.
func Drain(op Operator) ([]Tuple, error) {
	if err := op.Open(); err != nil {
		return nil, err
	}
	defer op.Close()

	var out []Tuple
	for {
		t, ok, err := op.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, t)
	}
}
