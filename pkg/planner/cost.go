package planner

// Stats holds the column statistics the cost model consults when
// available (row count and, optionally, distinct-value counts per
// column); callers without real statistics pass a zero Stats and every
// predicate falls back to the default selectivity (spec §4.7).
type Stats struct {
	RowCount      int64
	DistinctCount map[string]int64 // column -> estimated distinct values
}

// defaultSelectivity is applied to any predicate the planner has no
// column statistics for (spec §4.7).
const defaultSelectivity = 0.1

// per-operator base cost, a fixed unit charged once per row processed;
// these are relative weights, not calibrated to any particular machine.
const (
	baseCostScan      = 1.0
	baseCostIndexScan = 0.3
	baseCostFilter    = 0.2
	baseCostProject   = 0.1
	baseCostJoinProbe = 1.0
	baseCostAggregate = 0.5
)

// EstimateCost computes a rudimentary cost for plan n given per-table row
// counts keyed by table name: per-operator base cost times estimated row
// count, with a 0.1 default selectivity for any predicate lacking column
// statistics (spec §4.7 "Cost model").
func EstimateCost(stats map[string]Stats, n Node) float64 {
	cost, _ := estimate(stats, n)
	return cost
}

// estimate returns (cost, estimatedOutputRows) for n.
func estimate(stats map[string]Stats, n Node) (float64, int64) {
	switch node := n.(type) {
	case *TableScan:
		rows := rowCountOf(stats, node.Table)
		return baseCostScan * float64(rows), rows
	case *IndexScan:
		rows := rowCountOf(stats, node.Table)
		selectivity := selectivityFor(stats, node.Table, node.Index)
		out := int64(float64(rows) * selectivity)
		return baseCostIndexScan * float64(out+1), out
	case *Filter:
		childCost, childRows := estimate(stats, node.Child)
		out := int64(float64(childRows) * defaultSelectivity)
		return childCost + baseCostFilter*float64(childRows), out
	case *Project:
		childCost, childRows := estimate(stats, node.Child)
		return childCost + baseCostProject*float64(childRows), childRows
	case *NestedLoopJoin:
		leftCost, leftRows := estimate(stats, node.Left)
		rightCost, rightRows := estimate(stats, node.Right)
		probeCost := baseCostJoinProbe * float64(leftRows) * float64(rightRows)
		out := int64(float64(leftRows) * float64(rightRows) * defaultSelectivity)
		return leftCost + rightCost + probeCost, out
	case *Aggregate:
		childCost, childRows := estimate(stats, node.Child)
		return childCost + baseCostAggregate*float64(childRows), childRows
	case *DeleteNode:
		return estimate(stats, node.Child)
	case *UpdateNode:
		return estimate(stats, node.Child)
	default:
		return 0, 0
	}
}

func rowCountOf(stats map[string]Stats, table string) int64 {
	if s, ok := stats[table]; ok && s.RowCount > 0 {
		return s.RowCount
	}
	return 1000 // no statistics at all: assume a modest table
}

// selectivityFor estimates the fraction of rows an index probe on
// indexName is expected to return, using a distinct-value count when the
// table's Stats carry one for the indexed column, else the default.
func selectivityFor(stats map[string]Stats, table, indexName string) float64 {
	s, ok := stats[table]
	if !ok || s.DistinctCount == nil {
		return defaultSelectivity
	}
	for column, distinct := range s.DistinctCount {
		if indexName == "idx_"+table+"_"+column && distinct > 0 {
			return 1.0 / float64(distinct)
		}
	}
	return defaultSelectivity
}
