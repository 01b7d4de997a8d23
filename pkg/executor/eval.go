package executor

import (
	"fmt"

	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/planner"
	"github.com/bobboyms/kvengine/pkg/query"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Evaluate tests row against predicate, reusing the teacher's
// pkg/query.ScanCondition.Matches comparison vocabulary for every Compare
// leaf instead of a second, parallel comparison mechanism. A Compare whose
// column is missing from row, or whose column value or literal is NULL,
// evaluates to false (excluded) rather than erroring: unknown in
// three-valued predicate logic is treated as not-satisfying, the same
// convention SQL WHERE clauses use. This is deliberately distinct from
// planner.FoldConstants' rule, which leaves a NULL comparison unfolded at
// plan time precisely so this runtime behavior — not a premature "always
// false" rewrite — is what decides it.
func Evaluate(e planner.Expr, row types.Value) (bool, error) {
	switch expr := e.(type) {
	case *planner.Compare:
		return evalCompare(expr, row)
	case *planner.And:
		for _, child := range expr.Children {
			ok, err := Evaluate(child, row)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case *planner.Or:
		for _, child := range expr.Children {
			ok, err := Evaluate(child, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *planner.Not:
		ok, err := Evaluate(expr.Child, row)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, kverrors.Newf(kverrors.KindInvalidQuery, "executor: unsupported predicate node %T", e)
	}
}

func evalCompare(cmp *planner.Compare, row types.Value) (bool, error) {
	if cmp.Literal.IsNull() {
		return false, nil
	}
	fieldValue, ok := row.MapGet([]byte(cmp.Column))
	if !ok || fieldValue.IsNull() {
		return false, nil
	}

	key, err := planner.ComparableOf(fieldValue)
	if err != nil {
		return false, err
	}
	literal, err := planner.ComparableOf(cmp.Literal)
	if err != nil {
		return false, err
	}
	op, err := planner.OpToScanOperator(cmp.Operator)
	if err != nil {
		return false, err
	}
	cond := &query.ScanCondition{Operator: op, Value: literal}
	return cond.Matches(key), nil
}

// EvaluateAssignment computes the new value an Assignment's Value
// expression produces against row, for UpdateNode's SET clauses. Only
// Literal and ColumnRef are meaningful as a SET right-hand side (spec
// §4.7 describes no computed expressions beyond copying another column or
// assigning a constant).
func EvaluateAssignment(expr planner.Expr, row types.Value) (types.Value, error) {
	switch e := expr.(type) {
	case *planner.Literal:
		return e.Value, nil
	case *planner.ColumnRef:
		v, ok := row.MapGet([]byte(e.Name))
		if !ok {
			return types.Value{}, kverrors.Newf(kverrors.KindInvalidQuery, "executor: column %q not present on row", e.Name)
		}
		return v, nil
	default:
		return types.Value{}, fmt.Errorf("executor: unsupported assignment expression %T", expr)
	}
}
