// Package recovery rebuilds engine state after a crash: a redo pass that
// reapplies every logged mutation regardless of the owning transaction's
// outcome, followed by an undo pass that rolls back every transaction whose
// last WAL record is not a Commit (spec §4.5). Grounded on the teacher's
// `pkg/storage/engine.go` Recover method (checkpoint-derived per-component
// LSN floor, then a sequential WAL replay skipping anything the floor
// already covers) generalized from "one PK index per table" to the
// row-mirror-plus-N-scalar-indexes shape of pkg/catalog, and from a
// redo-only replay to the full redo+undo protocol spec §4.5 requires.
package recovery

import (
	"io"

	"github.com/bobboyms/kvengine/pkg/catalog"
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/types"
	"github.com/bobboyms/kvengine/pkg/wal"
)

// Engine is the physical surface recovery drives directly, bypassing the
// lock manager and transaction machinery entirely (recovery runs exclusively
// at startup, per the teacher's "must be called before any concurrent
// operation" contract). It is deliberately narrower than executor.Engine:
// recovery never needs visibility rules or locking, only raw apply.
type Engine interface {
	Catalog() *catalog.Catalog

	// CheckpointLSN returns the last LSN already durably reflected in
	// component's on-disk state (a table's row mirror, or one of its
	// indexes), keyed "table" for the row mirror and "table.index" for an
	// index, matching the teacher's loadedLSNs map. ok is false when no
	// checkpoint exists yet, meaning redo must replay from the beginning.
	CheckpointLSN(component string) (lsn uint64, ok bool, err error)

	// PutRowPhysical / DeleteRowPhysical apply a row mutation directly to
	// the row store at the given LSN (the heap's version-chain header needs
	// it), with no locking, undo bookkeeping, or WAL write of their own (the
	// WAL record driving this call already exists on disk).
	PutRowPhysical(table string, pk int64, row types.Value, lsn uint64) error
	DeleteRowPhysical(table string, pk int64, lsn uint64) error

	IndexInsertPhysical(table, index string, value types.Value, pk int64) error
	IndexDeletePhysical(table, index string, value types.Value, pk int64) error
}

func rowMirrorComponent(table string) string    { return table }
func indexComponent(table, index string) string { return table + "." + index }
func indexNameFor(table, column string) string  { return "idx_" + table + "_" + column }

// txRecord is one WAL entry buffered during the redo pass for the undo
// pass's benefit: enough to apply the inverse action without rereading the
// log a second time.
type txRecord struct {
	lsn         uint64
	entryType   uint8
	undoNextLSN uint64
	row         RowPayload
	index       IndexPayload
}

type txState struct {
	records   []txRecord // appended in ascending LSN order as seen
	committed bool
	resumeLSN uint64 // ARIES-style: lowest LSN not yet known to be undone
}

// Recover runs the full redo+undo protocol described in spec §4.5 against
// walPath, applying physical mutations through engine. Safe to call on a
// WAL with no corresponding checkpoints (floors default to zero, so
// everything on disk replays) and on a WAL whose tail was torn by a crash
// mid-write (the reader treats a truncated trailing record as a clean EOF,
// not corruption).
func Recover(engine Engine, walPath string) error {
	reader, err := wal.NewWALReader(walPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	floors := map[string]uint64{}
	floor := func(component string) uint64 {
		if lsn, ok := floors[component]; ok {
			return lsn
		}
		lsn, ok, err := engine.CheckpointLSN(component)
		if err != nil || !ok {
			lsn = 0
		}
		floors[component] = lsn
		return lsn
	}

	txns := map[lock.TxID]*txState{}
	txOf := func(id lock.TxID) *txState {
		st, ok := txns[id]
		if !ok {
			st = &txState{resumeLSN: ^uint64(0)}
			txns[id] = st
		}
		return st
	}

	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		txID := lock.TxID(entry.Header.TxID)
		st := txOf(txID)

		switch entry.Header.EntryType {
		case wal.EntryInsert, wal.EntryUpdate, wal.EntryDelete:
			payload, err := DecodeRowPayload(entry.Payload)
			if err != nil {
				wal.ReleaseEntry(entry)
				return err
			}
			st.records = append(st.records, txRecord{lsn: entry.Header.LSN, entryType: entry.Header.EntryType, row: payload})
			if err := redoRow(engine, floor, entry.Header.LSN, entry.Header.EntryType, payload); err != nil {
				wal.ReleaseEntry(entry)
				return err
			}

		case wal.EntryIndexPut, wal.EntryIndexDelete:
			payload, err := DecodeIndexPayload(entry.Payload)
			if err != nil {
				wal.ReleaseEntry(entry)
				return err
			}
			st.records = append(st.records, txRecord{lsn: entry.Header.LSN, entryType: entry.Header.EntryType, index: payload})
			if err := redoIndex(engine, floor, entry.Header.LSN, entry.Header.EntryType, payload); err != nil {
				wal.ReleaseEntry(entry)
				return err
			}

		case wal.EntryCommit:
			st.committed = true

		case wal.EntryAbort:
			// An Abort record with no trailing CLR means the crash happened
			// after every undo step already ran; nothing left to redo-undo.
			st.resumeLSN = 0

		case wal.EntryCLR:
			// The CLR's UndoNextLSN is where the undo pass should resume:
			// everything between it and the previous resumeLSN is already
			// undone.
			st.resumeLSN = entry.Header.UndoNextLSN
		}

		wal.ReleaseEntry(entry)
	}

	for _, st := range txns {
		if st.committed {
			continue
		}
		if err := undoTransaction(engine, st); err != nil {
			return err
		}
	}

	return nil
}

func redoRow(engine Engine, floor func(string) uint64, lsn uint64, entryType uint8, p RowPayload) error {
	component := rowMirrorComponent(p.Table)
	if lsn <= floor(component) {
		return nil
	}

	table, err := engine.Catalog().Table(p.Table)
	if err != nil {
		return nil // table dropped since the log was written
	}

	if entryType == wal.EntryDelete {
		if err := engine.DeleteRowPhysical(p.Table, p.PK, lsn); err != nil {
			return err
		}
		removeIndexEntries(engine, table, p.PK, p.OldRow)
		return nil
	}

	if err := engine.PutRowPhysical(p.Table, p.PK, p.Row, lsn); err != nil {
		return err
	}
	if entryType == wal.EntryUpdate && p.HasOld {
		removeIndexEntries(engine, table, p.PK, p.OldRow)
	}
	return addIndexEntries(engine, table, p.PK, p.Row)
}

func redoIndex(engine Engine, floor func(string) uint64, lsn uint64, entryType uint8, p IndexPayload) error {
	component := indexComponent(p.Table, p.Index)
	if lsn <= floor(component) {
		return nil
	}
	if entryType == wal.EntryIndexDelete {
		return engine.IndexDeletePhysical(p.Table, p.Index, p.Value, p.PK)
	}
	return engine.IndexInsertPhysical(p.Table, p.Index, p.Value, p.PK)
}

func addIndexEntries(engine Engine, table *catalog.Table, pk int64, row types.Value) error {
	for _, col := range table.Columns {
		name := indexNameFor(table.Name, col.Name)
		if !table.Indexes.HasScalar(name) {
			continue
		}
		value, ok := row.MapGet([]byte(col.Name))
		if !ok {
			continue
		}
		if err := engine.IndexInsertPhysical(table.Name, name, value, pk); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(engine Engine, table *catalog.Table, pk int64, row types.Value) {
	for _, col := range table.Columns {
		name := indexNameFor(table.Name, col.Name)
		if !table.Indexes.HasScalar(name) {
			continue
		}
		value, ok := row.MapGet([]byte(col.Name))
		if !ok {
			continue
		}
		_ = engine.IndexDeletePhysical(table.Name, name, value, pk)
	}
}

// undoTransaction walks a non-committed transaction's buffered records in
// descending LSN order, applying the inverse of each one at or below
// resumeLSN (records above it were already undone by a CLR before a prior
// crash). Stops once the chain is exhausted; this package does not itself
// write new CLRs, since Recover runs before any WAL writer is attached —
// the caller reopens logging and checkpoints the post-recovery state.
func undoTransaction(engine Engine, st *txState) error {
	for i := len(st.records) - 1; i >= 0; i-- {
		rec := st.records[i]
		if rec.lsn > st.resumeLSN {
			continue
		}
		if err := undoRecord(engine, rec); err != nil {
			return err
		}
	}
	return nil
}

func undoRecord(engine Engine, rec txRecord) error {
	switch rec.entryType {
	case wal.EntryInsert:
		table, err := engine.Catalog().Table(rec.row.Table)
		if err != nil {
			return nil
		}
		if err := engine.DeleteRowPhysical(rec.row.Table, rec.row.PK, rec.lsn); err != nil {
			return err
		}
		removeIndexEntries(engine, table, rec.row.PK, rec.row.Row)
		return nil

	case wal.EntryDelete:
		table, err := engine.Catalog().Table(rec.row.Table)
		if err != nil {
			return nil
		}
		if !rec.row.HasOld {
			return nil
		}
		if err := engine.PutRowPhysical(rec.row.Table, rec.row.PK, rec.row.OldRow, rec.lsn); err != nil {
			return err
		}
		return addIndexEntries(engine, table, rec.row.PK, rec.row.OldRow)

	case wal.EntryUpdate:
		table, err := engine.Catalog().Table(rec.row.Table)
		if err != nil {
			return nil
		}
		if !rec.row.HasOld {
			return nil
		}
		removeIndexEntries(engine, table, rec.row.PK, rec.row.Row)
		if err := engine.PutRowPhysical(rec.row.Table, rec.row.PK, rec.row.OldRow, rec.lsn); err != nil {
			return err
		}
		return addIndexEntries(engine, table, rec.row.PK, rec.row.OldRow)

	case wal.EntryIndexPut:
		return engine.IndexDeletePhysical(rec.index.Table, rec.index.Index, rec.index.Value, rec.index.PK)

	case wal.EntryIndexDelete:
		return engine.IndexInsertPhysical(rec.index.Table, rec.index.Index, rec.index.Value, rec.index.PK)
	}
	return nil
}
