// Package executor implements the pull-based operator tree spec §4.7
// describes: TableScan/IndexScan/Filter/Project/NestedLoopJoin/Aggregate
// leaves and pipes compiled one-to-one from a pkg/planner logical plan,
// plus the Update/Delete per-key mutation state machines. Grounded on
// teacher `pkg/storage/engine.go`'s `Scan`/`Get`/`InsertRow` for the
// read/write access pattern, generalized from "one Comparable condition
// against one B+-tree" into operators over the pkg/catalog/pkg/index
// façade this module built. Every operator below runs against the Engine
// interface rather than a concrete storage type, so this package has no
// dependency on pkg/heap/pkg/wal directly — those are wired together by
// the pkg/storage engine glue that implements Engine.
package executor

import (
	"github.com/bobboyms/kvengine/pkg/catalog"
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/txn"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Engine is the storage surface every operator is compiled against: row
// access keyed by primary key, full-table iteration in primary-key order,
// and the lock manager mutation operators acquire exclusive locks from.
// pkg/storage's StorageEngine implements this by composing pkg/heap (row
// version chains), pkg/index (the per-column indexes) and pkg/wal.
type Engine interface {
	// Catalog returns the process-wide schema registry.
	Catalog() *catalog.Catalog

	// Locks returns the shared lock manager mutations acquire row locks
	// from before reading or writing a key.
	Locks() *lock.Manager

	// GetRow returns the version of tableName's row at pk visible to tx,
	// or ok=false if no visible version exists.
	GetRow(tx *txn.Transaction, tableName string, pk int64) (row types.Value, ok bool, err error)

	// ScanTable visits every row of tableName visible to tx, in
	// ascending primary-key order, until visit returns false or an error.
	ScanTable(tx *txn.Transaction, tableName string, visit func(pk int64, row types.Value) (bool, error)) error

	// PutRow writes a fresh version of row at pk (insert or replace) and
	// returns the LSN the write was logged at, for the caller to chain
	// into an undo entry.
	PutRow(tx *txn.Transaction, tableName string, pk int64, row types.Value) (lsn uint64, err error)

	// DeleteRow tombstones the live version at pk and returns the LSN the
	// deletion was logged at.
	DeleteRow(tx *txn.Transaction, tableName string, pk int64) (lsn uint64, err error)
}

// lockKey builds the row-lock key mutations and reads under Serializable
// isolation acquire. Its `{table}_row_{pk}` form is separate from
// catalog.EncodePrimaryKey's `{table}_pk_{col}_{hex}` row keys; every row
// lock in this package is built here, so all of them share this namespace.
func lockKey(table string, pk int64) string {
	return table + "_row_" + itoa(pk)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
