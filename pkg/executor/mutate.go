package executor

import (
	"github.com/bobboyms/kvengine/pkg/catalog"
	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/planner"
	"github.com/bobboyms/kvengine/pkg/txn"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Insert writes a brand-new row and maintains every unique/PK index entry
// it participates in, pushing each undo op right after the write it
// reverts, so an abort unwinds whatever part of the insert was applied; no
// undo op is pushed ahead of its write. Not itself a planner.Node (the
// logical plan has no InsertNode, mirroring spec §4.7's plan node list),
// but built symmetrically to Update/Delete below and grounded on teacher
// `engine.go`'s InsertRow (WAL write, heap write, then one index Replace
// per index) generalized from "one PK index" to every unique/PK column.
func Insert(engine Engine, tx *txn.Transaction, tableName string, row types.Value) (int64, error) {
	table, err := engine.Catalog().Table(tableName)
	if err != nil {
		return 0, err
	}

	pk, row, err := resolvePrimaryKey(table, row)
	if err != nil {
		return 0, err
	}

	if err := engine.Locks().Acquire(tx.ID, lockKey(tableName, pk), lock.Exclusive); err != nil {
		return 0, err
	}

	if err := validateRow(table, row, pk); err != nil {
		return 0, err
	}

	lsn, err := engine.PutRow(tx, tableName, pk, row)
	if err != nil {
		return 0, err
	}
	tx.AddUndo(txn.RevertInsert, lsn, func() error {
		_, err := engine.DeleteRow(tx, tableName, pk)
		return err
	})

	for _, col := range table.Columns {
		indexName := indexNameFor(tableName, col.Name)
		if !table.Indexes.HasScalar(indexName) {
			continue
		}
		value, _ := row.MapGet([]byte(col.Name))
		if err := table.Indexes.InsertScalar(indexName, value, pk); err != nil {
			return 0, err
		}
		tx.AddUndo(txn.IndexRevertInsert, lsn, func() error {
			return table.Indexes.DeleteScalar(indexName, value, pk)
		})
	}

	return pk, nil
}

// Update runs source to completion and, for every tuple it produces,
// performs the per-key mutation state machine of spec §4.7 under an
// exclusive lock: read current version, compute and validate the new row,
// swap changed unique/PK index entries, write the new version, and push
// a RevertUpdate undo op. Returns the number of rows updated.
func Update(engine Engine, tx *txn.Transaction, tableName string, assignments []planner.Assignment, source Operator) (int, error) {
	table, err := engine.Catalog().Table(tableName)
	if err != nil {
		return 0, err
	}

	if err := source.Open(); err != nil {
		return 0, err
	}
	defer source.Close()

	count := 0
	for {
		t, ok, err := source.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}

		// Step 1: acquire exclusive lock.
		if err := engine.Locks().Acquire(tx.ID, lockKey(tableName, t.PK), lock.Exclusive); err != nil {
			return count, err
		}

		// Step 2: read current version under the transaction's snapshot.
		current, ok, err := engine.GetRow(tx, tableName, t.PK)
		if err != nil {
			return count, err
		}
		if !ok {
			continue // row no longer visible: already deleted concurrently
		}

		// Step 3: compute new row; validate NOT NULL and UNIQUE excluding
		// this row's own PK.
		newRow, err := applyAssignments(current, assignments)
		if err != nil {
			return count, err
		}
		if err := validateRow(table, newRow, t.PK); err != nil {
			return count, err
		}

		// Step 4: swap changed indexed-column entries, pushing undo ops
		// before the row write per spec §4.7.
		lsn := uint64(0) // placeholder until step 5 assigns the real LSN; undo closures capture it by reference below
		lsnBox := &lsn
		for _, col := range table.Columns {
			indexName := indexNameFor(tableName, col.Name)
			if !table.Indexes.HasScalar(indexName) {
				continue
			}
			oldValue, _ := current.MapGet([]byte(col.Name))
			newValue, _ := newRow.MapGet([]byte(col.Name))
			if valuesEqual(oldValue, newValue) {
				continue
			}
			if err := table.Indexes.DeleteScalar(indexName, oldValue, t.PK); err != nil {
				return count, err
			}
			tx.AddUndo(txn.IndexRevertDelete, *lsnBox, func() error {
				return table.Indexes.InsertScalar(indexName, oldValue, t.PK)
			})
			if err := table.Indexes.InsertScalar(indexName, newValue, t.PK); err != nil {
				return count, err
			}
			tx.AddUndo(txn.IndexRevertInsert, *lsnBox, func() error {
				return table.Indexes.DeleteScalar(indexName, newValue, t.PK)
			})
		}

		// Step 5: append Put with a fresh LSN, write the new version.
		writtenLSN, err := engine.PutRow(tx, tableName, t.PK, newRow)
		if err != nil {
			return count, err
		}
		*lsnBox = writtenLSN

		// Step 6: push RevertUpdate(old).
		pk, oldRow := t.PK, current
		tx.AddUndo(txn.RevertUpdate, writtenLSN, func() error {
			_, err := engine.PutRow(tx, tableName, pk, oldRow)
			return err
		})

		count++
	}
}

// Delete runs source to completion and, for every tuple it produces,
// deletes the row and every unique/PK index entry pointing at it under an
// exclusive lock. The tombstone is written first; each index entry's undo op
// is pushed right after that entry is removed and RevertDelete is pushed
// last, so no undo op precedes the tombstone write. Returns the number of
// rows deleted.
func Delete(engine Engine, tx *txn.Transaction, tableName string, source Operator) (int, error) {
	table, err := engine.Catalog().Table(tableName)
	if err != nil {
		return 0, err
	}

	if err := source.Open(); err != nil {
		return 0, err
	}
	defer source.Close()

	count := 0
	for {
		t, ok, err := source.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}

		if err := engine.Locks().Acquire(tx.ID, lockKey(tableName, t.PK), lock.Exclusive); err != nil {
			return count, err
		}

		current, ok, err := engine.GetRow(tx, tableName, t.PK)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}

		lsn, err := engine.DeleteRow(tx, tableName, t.PK)
		if err != nil {
			return count, err
		}

		for _, col := range table.Columns {
			indexName := indexNameFor(tableName, col.Name)
			if !table.Indexes.HasScalar(indexName) {
				continue
			}
			value, _ := current.MapGet([]byte(col.Name))
			if err := table.Indexes.DeleteScalar(indexName, value, t.PK); err != nil {
				return count, err
			}
			tx.AddUndo(txn.IndexRevertDelete, lsn, func() error {
				return table.Indexes.InsertScalar(indexName, value, t.PK)
			})
		}

		pk, oldRow := t.PK, current
		tx.AddUndo(txn.RevertDelete, lsn, func() error {
			_, err := engine.PutRow(tx, tableName, pk, oldRow)
			return err
		})

		count++
	}
}

func indexNameFor(table, column string) string {
	return "idx_" + table + "_" + column
}

// resolvePrimaryKey pulls pk out of row's primary-key column, assigning a
// fresh auto-increment value and writing it back into row if the column is
// declared IsAutoIncrement.
func resolvePrimaryKey(table *catalog.Table, row types.Value) (int64, types.Value, error) {
	if table.PrimaryKey == "" {
		return 0, row, kverrors.Newf(kverrors.KindInvalidQuery, "table %q has no primary key to insert against", table.Name)
	}
	col, _ := table.ColumnByName(table.PrimaryKey)
	if col.IsAutoIncrement {
		pk := table.NextAutoIncrement()
		entries := append([]types.MapEntry{}, row.Map...)
		entries = append(entries, types.MapEntry{Key: []byte(table.PrimaryKey), Value: types.IntegerValue(pk)})
		return pk, types.MapValue(entries), nil
	}
	v, ok := row.MapGet([]byte(table.PrimaryKey))
	if !ok || v.IsNull() {
		return 0, row, kverrors.Newf(kverrors.KindConstraintViolation, "missing value for primary key column %q", table.PrimaryKey)
	}
	comparable, err := v.ToComparable()
	if err != nil {
		return 0, row, err
	}
	pk, ok := comparable.(types.IntKey)
	if !ok {
		return 0, row, kverrors.Wrap(kverrors.KindTypeMismatch, &kverrors.TypeMismatchError{Expected: "INTEGER", Got: v.Kind.String()}, "primary key must be an integer")
	}
	return int64(int(pk)), row, nil
}

// validateRow enforces NOT NULL and UNIQUE (spec §4.7 step 3), skipping pk
// itself when checking uniqueness so a row is never rejected against its
// own existing index entry.
func validateRow(table *catalog.Table, row types.Value, pk int64) error {
	for _, col := range table.Columns {
		v, ok := row.MapGet([]byte(col.Name))
		if (!ok || v.IsNull()) && !col.IsNullable {
			return kverrors.Wrap(kverrors.KindConstraintViolation, &kverrors.ConstraintViolationError{Constraint: "NOT NULL", Column: col.Name}, "not null violation")
		}
		if !col.IsUnique || !ok || v.IsNull() {
			continue
		}
		indexName := indexNameFor(table.Name, col.Name)
		matches, err := table.Indexes.LookupScalar(indexName, v)
		if err != nil {
			return err
		}
		for _, existingPK := range matches {
			if existingPK != pk {
				return kverrors.Wrap(kverrors.KindConstraintViolation, &kverrors.ConstraintViolationError{Constraint: "UNIQUE", Column: col.Name}, "unique violation")
			}
		}
	}
	return nil
}

func applyAssignments(row types.Value, assignments []planner.Assignment) (types.Value, error) {
	entries := append([]types.MapEntry{}, row.Map...)
	for _, assign := range assignments {
		newValue, err := EvaluateAssignment(assign.Value, row)
		if err != nil {
			return types.Value{}, err
		}
		set := false
		for i, e := range entries {
			if string(e.Key) == assign.Column {
				entries[i].Value = newValue
				set = true
				break
			}
		}
		if !set {
			entries = append(entries, types.MapEntry{Key: []byte(assign.Column), Value: newValue})
		}
	}
	return types.MapValue(entries), nil
}

func valuesEqual(a, b types.Value) bool {
	encA, errA := a.Encode()
	encB, errB := b.Encode()
	if errA != nil || errB != nil {
		return false
	}
	return string(encA) == string(encB)
}
