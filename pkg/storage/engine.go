// Package storage wires pkg/heap, pkg/wal, pkg/txn, pkg/catalog and
// pkg/index together into the executor.Engine/recovery.Engine contract: a
// row-version heap per table, a shared write-ahead log, a transaction
// manager driving the commit/abort protocol, and a checkpoint manager that
// snapshots every table's indexes at a barrier LSN. Grounded on the
// teacher's StorageEngine (NewStorageEngine/Put/Get/Scan/CreateCheckpoint/
// Recover/Vacuum), generalized from one BSON-document-keyed B+Tree per
// table to the column/row-mirror/secondary-index shape pkg/catalog and
// pkg/index built, and from the teacher's own LSN-comparison visibility
// rule to pkg/txn's creator/deleter transaction-identity rule.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/kvengine/pkg/catalog"
	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/heap"
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/recovery"
	"github.com/bobboyms/kvengine/pkg/txn"
	"github.com/bobboyms/kvengine/pkg/types"
	"github.com/bobboyms/kvengine/pkg/wal"
)

const (
	schemaFileName = "schema.bson"
	walFileName    = "wal.log"
)

// columnSnapshot/tableSnapshot/schemaSnapshot are the on-disk mirror of
// pkg/catalog's in-memory Column/Table, since that package holds schema
// only in memory. A deliberate simplification: only columns and the
// automatic PK/unique indexes CreateTable wires in are reconstructed on
// restart; an index added later through catalog.AddIndex is not itself
// part of this snapshot (its data still survives via a checkpoint if one
// was taken, but its definition is not recreated from nothing).
type columnSnapshot struct {
	Name            string `bson:"name"`
	Type            uint8  `bson:"type"`
	IsPrimaryKey    bool   `bson:"is_primary_key"`
	IsUnique        bool   `bson:"is_unique"`
	IsNullable      bool   `bson:"is_nullable"`
	IsAutoIncrement bool   `bson:"is_auto_increment"`
}

type tableSnapshot struct {
	Name    string           `bson:"name"`
	Columns []columnSnapshot `bson:"columns"`
}

type schemaSnapshot struct {
	Tables []tableSnapshot `bson:"tables"`
}

// tableState is the open, per-table physical state a StorageEngine holds
// in memory: the heap of version-chained records, the primary-key-to-
// latest-offset map (never checkpointed, always rebuilt from the heap at
// startup) and the last LSN this table's indexes were durably checkpointed
// at.
type tableState struct {
	mu            sync.RWMutex
	heap          *heap.HeapManager
	offsets       map[int64]int64
	checkpointLSN uint64
	hasCheckpoint bool
}

// engineMetrics is the set of Prometheus counters a StorageEngine exposes.
// Registered against a private registry per instance (not the global
// default registry) so more than one engine can coexist in the same
// process, e.g. across table tests, without a duplicate-registration panic.
type engineMetrics struct {
	registry           *prometheus.Registry
	rowsPut            prometheus.Counter
	rowsDeleted        prometheus.Counter
	checkpointsCreated prometheus.Counter
	recoveryErrors     prometheus.Counter
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{
		registry: prometheus.NewRegistry(),
		rowsPut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvengine_rows_put_total",
			Help: "Rows written via PutRow (insert or update), across every table.",
		}),
		rowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvengine_rows_deleted_total",
			Help: "Rows tombstoned via DeleteRow, across every table.",
		}),
		checkpointsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvengine_checkpoints_created_total",
			Help: "Per-table index checkpoints written.",
		}),
		recoveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvengine_recovery_errors_total",
			Help: "Unexpected (non-missing-file) errors raised while replaying the write-ahead log at startup.",
		}),
	}
	m.registry.MustRegister(m.rowsPut, m.rowsDeleted, m.checkpointsCreated, m.recoveryErrors)
	return m
}

// StorageEngine is the concrete executor.Engine/recovery.Engine
// implementation: a catalog, a transaction manager sharing one LSN source
// and lock manager, a write-ahead log, a checkpoint manager, and one open
// heap per table.
type StorageEngine struct {
	dataDir string
	cat     *catalog.Catalog
	txns    *txn.Manager
	wal     *wal.WALWriter
	chk     *CheckpointManager
	metrics *engineMetrics

	mu     sync.RWMutex
	tables map[string]*tableState
}

// Metrics exposes this engine's Prometheus registry, for a host process to
// mount under its own /metrics handler.
func (se *StorageEngine) Metrics() *prometheus.Registry { return se.metrics.registry }

// NewStorageEngine opens dataDir (creating it if absent), reloads the
// persisted schema and every table's latest index checkpoint, rebases every
// on-disk row to the bootstrap transaction (see heap.Rebase and
// txn.BootstrapTxID), replays the write-ahead log's redo+undo protocol, and
// finally attaches a live WAL writer and transaction manager seeded past
// the highest LSN found on disk.
func NewStorageEngine(dataDir string, lockTimeout time.Duration) (*StorageEngine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "create data directory")
	}

	se := &StorageEngine{
		dataDir: dataDir,
		cat:     catalog.NewCatalog(),
		chk:     NewCheckpointManager(dataDir),
		metrics: newEngineMetrics(),
		tables:  make(map[string]*tableState),
	}

	if err := se.loadSchema(); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "load schema snapshot")
	}

	walPath := filepath.Join(dataDir, walFileName)
	if err := recovery.Recover(se, walPath); err != nil && !os.IsNotExist(err) {
		se.metrics.recoveryErrors.Inc()
		sentry.CaptureException(err)
		return nil, kverrors.Wrap(kverrors.KindIO, err, "recover from write-ahead log")
	}

	maxLSN, err := maxLSNInWAL(walPath)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "scan write-ahead log for max LSN")
	}

	writer, err := wal.NewWALWriter(walPath, wal.DefaultOptions())
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "open write-ahead log")
	}
	se.wal = writer
	se.txns = txn.NewManager(maxLSN+1, writer, lockTimeout)

	return se, nil
}

func (se *StorageEngine) tableHeapPath(name string) string {
	return filepath.Join(se.dataDir, name)
}

// loadSchema recreates every table from the persisted snapshot (a no-op on
// a fresh data directory), reopening its heap and reloading its latest
// index checkpoint, then rebasing its on-disk rows.
func (se *StorageEngine) loadSchema() error {
	path := filepath.Join(se.dataDir, schemaFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap schemaSnapshot
	if err := bson.Unmarshal(data, &snap); err != nil {
		return err
	}

	for _, ts := range snap.Tables {
		cols := make([]catalog.Column, 0, len(ts.Columns))
		for _, c := range ts.Columns {
			cols = append(cols, catalog.Column{
				Name:            c.Name,
				Type:            types.Kind(c.Type),
				IsPrimaryKey:    c.IsPrimaryKey,
				IsUnique:        c.IsUnique,
				IsNullable:      c.IsNullable,
				IsAutoIncrement: c.IsAutoIncrement,
			})
		}
		if _, err := se.cat.CreateTable(ts.Name, cols); err != nil {
			return err
		}

		h, err := heap.NewHeapManager(se.tableHeapPath(ts.Name))
		if err != nil {
			return err
		}
		state := &tableState{heap: h, offsets: make(map[int64]int64)}
		se.tables[ts.Name] = state

		table, err := se.cat.Table(ts.Name)
		if err != nil {
			return err
		}

		blobs, lsn, err := se.chk.LoadLatestCheckpoint(ts.Name)
		if err == nil {
			for _, b := range blobs {
				if err := table.Indexes.LoadScalar(b.Name, b.Data); err != nil {
					return err
				}
			}
			state.checkpointLSN = lsn
			state.hasCheckpoint = true
		} else if !os.IsNotExist(err) {
			return err
		}

		if err := rebaseTableHeap(state, table); err != nil {
			return err
		}
	}
	return nil
}

// rebaseTableHeap stamps every record already on disk with
// txn.BootstrapTxID (permanently visible) and rebuilds the primary-key-to-
// offset map by walking the heap forward: since Update writes a new
// chained offset and Delete patches the existing one in place, the last
// write seen per key is naturally the live head.
func rebaseTableHeap(ts *tableState, table *catalog.Table) error {
	it, err := ts.heap.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	offsets := make(map[int64]int64)
	bootstrap := uint64(txn.BootstrapTxID)

	for {
		doc, header, offset, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if header.CreateLSN != bootstrap || header.DeleteLSN != bootstrap {
			if err := ts.heap.Rebase(offset, bootstrap, bootstrap); err != nil {
				return err
			}
		}

		row, err := types.Decode(doc)
		if err != nil {
			return err
		}
		pkValue, ok := row.MapGet([]byte(table.PrimaryKey))
		if !ok {
			continue
		}
		pk, err := pkAsInt64(pkValue)
		if err != nil {
			return err
		}
		offsets[pk] = offset
	}

	ts.offsets = offsets
	return nil
}

// tombstoneReclaimable reports whether a tombstone's DeleteLSN field
// (actually a transaction identity, not an LSN — see RecordHeader's field
// repurposing) can be dropped during vacuum: its deleter must have
// committed, and strictly before minActiveLSN (the oldest snapshot any
// still-active transaction could be reading from), so no present or future
// reader's snapshot could ever need the pre-delete version.
func tombstoneReclaimable(txns *txn.Manager, deleterTxIDField uint64, minActiveLSN uint64) bool {
	deleterLSN, committed := txns.CommittedLSN(lock.TxID(deleterTxIDField))
	return committed && deleterLSN < minActiveLSN
}

func pkAsInt64(v types.Value) (int64, error) {
	if v.Kind != types.KindInteger {
		return 0, kverrors.Newf(kverrors.KindTypeMismatch, "primary key value has kind %s, want INTEGER", v.Kind)
	}
	return v.Integer, nil
}

// maxLSNInWAL scans walPath once to find the highest LSN logged, so a
// restarted engine's LSN source resumes strictly past anything already on
// disk. A missing WAL (first run) reports 0.
func maxLSNInWAL(path string) (uint64, error) {
	reader, err := wal.NewWALReader(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	var max uint64
	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if entry.Header.LSN > max {
			max = entry.Header.LSN
		}
	}
	return max, nil
}

// CreateTable registers a new table, opens its (empty) heap and persists
// the updated schema snapshot.
func (se *StorageEngine) CreateTable(name string, columns []catalog.Column) (*catalog.Table, error) {
	table, err := se.cat.CreateTable(name, columns)
	if err != nil {
		return nil, err
	}

	h, err := heap.NewHeapManager(se.tableHeapPath(name))
	if err != nil {
		return nil, err
	}

	se.mu.Lock()
	se.tables[name] = &tableState{heap: h, offsets: make(map[int64]int64)}
	se.mu.Unlock()

	if err := se.persistSchema(); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "persist schema snapshot")
	}
	return table, nil
}

func (se *StorageEngine) persistSchema() error {
	names := se.cat.Tables()
	snap := schemaSnapshot{Tables: make([]tableSnapshot, 0, len(names))}
	for _, name := range names {
		table, err := se.cat.Table(name)
		if err != nil {
			return err
		}
		cols := make([]columnSnapshot, 0, len(table.Columns))
		for _, c := range table.Columns {
			cols = append(cols, columnSnapshot{
				Name:            c.Name,
				Type:            uint8(c.Type),
				IsPrimaryKey:    c.IsPrimaryKey,
				IsUnique:        c.IsUnique,
				IsNullable:      c.IsNullable,
				IsAutoIncrement: c.IsAutoIncrement,
			})
		}
		snap.Tables = append(snap.Tables, tableSnapshot{Name: name, Columns: cols})
	}

	data, err := bson.Marshal(snap)
	if err != nil {
		return err
	}

	path := filepath.Join(se.dataDir, schemaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Catalog implements executor.Engine and recovery.Engine.
func (se *StorageEngine) Catalog() *catalog.Catalog { return se.cat }

// Locks implements executor.Engine.
func (se *StorageEngine) Locks() *lock.Manager { return se.txns.Locks }

// Begin starts a transaction against this engine's shared transaction
// manager.
func (se *StorageEngine) Begin(level txn.IsolationLevel) *txn.Transaction {
	return se.txns.Begin(level)
}

func (se *StorageEngine) tableStateAndDef(name string) (*tableState, *catalog.Table, error) {
	table, err := se.cat.Table(name)
	if err != nil {
		return nil, nil, err
	}
	se.mu.RLock()
	ts, ok := se.tables[name]
	se.mu.RUnlock()
	if !ok {
		return nil, nil, kverrors.Newf(kverrors.KindNotFound, "table %q has no open heap", name)
	}
	return ts, table, nil
}

// GetRow implements executor.Engine.
func (se *StorageEngine) GetRow(tx *txn.Transaction, tableName string, pk int64) (types.Value, bool, error) {
	ts, _, err := se.tableStateAndDef(tableName)
	if err != nil {
		return types.Value{}, false, err
	}

	ts.mu.RLock()
	offset, ok := ts.offsets[pk]
	ts.mu.RUnlock()
	if !ok {
		return types.Value{}, false, nil
	}
	return se.readVisibleVersion(tx, ts, offset)
}

// ScanTable implements executor.Engine.
func (se *StorageEngine) ScanTable(tx *txn.Transaction, tableName string, visit func(pk int64, row types.Value) (bool, error)) error {
	ts, _, err := se.tableStateAndDef(tableName)
	if err != nil {
		return err
	}

	ts.mu.RLock()
	pks := make([]int64, 0, len(ts.offsets))
	offsets := make(map[int64]int64, len(ts.offsets))
	for pk, offset := range ts.offsets {
		pks = append(pks, pk)
		offsets[pk] = offset
	}
	ts.mu.RUnlock()
	sort.Slice(pks, func(i, j int) bool { return pks[i] < pks[j] })

	for _, pk := range pks {
		row, ok, err := se.readVisibleVersion(tx, ts, offsets[pk])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cont, err := visit(pk, row)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// readVisibleVersion walks offset's version chain, returning the first
// version tx's snapshot can see. A version whose delete is itself visible
// ends the search: an older version further back in the chain is
// superseded, not a fallback.
func (se *StorageEngine) readVisibleVersion(tx *txn.Transaction, ts *tableState, offset int64) (types.Value, bool, error) {
	for offset >= 0 {
		doc, header, err := ts.heap.Read(offset)
		if err != nil {
			return types.Value{}, false, err
		}

		creator := lock.TxID(header.CreateLSN)
		if !tx.IsVisible(creator, 0, false) {
			offset = header.PrevOffset
			continue
		}
		if !header.Valid {
			deleter := lock.TxID(header.DeleteLSN)
			if !tx.IsVisible(creator, deleter, true) {
				return types.Value{}, false, nil
			}
		}

		row, err := types.Decode(doc)
		if err != nil {
			return types.Value{}, false, err
		}
		return row, true, nil
	}
	return types.Value{}, false, nil
}

// PutRow implements executor.Engine: inserts a fresh version chained on top
// of whatever head currently exists at pk (insert if the head is absent or
// a tombstone, update otherwise), appends the corresponding WAL record, and
// returns the LSN it was logged at.
func (se *StorageEngine) PutRow(tx *txn.Transaction, tableName string, pk int64, row types.Value) (uint64, error) {
	ts, _, err := se.tableStateAndDef(tableName)
	if err != nil {
		return 0, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	prevOffset := int64(-1)
	var oldRow types.Value
	hasOld := false
	entryType := wal.EntryInsert

	if offset, ok := ts.offsets[pk]; ok {
		prevOffset = offset
		doc, header, err := ts.heap.Read(offset)
		if err != nil {
			return 0, err
		}
		if header.Valid {
			oldRow, err = types.Decode(doc)
			if err != nil {
				return 0, err
			}
			hasOld = true
			entryType = wal.EntryUpdate
		}
	}

	encoded, err := row.Encode()
	if err != nil {
		return 0, kverrors.Wrap(kverrors.KindSerialization, err, "encode row")
	}

	lsn := se.txns.LSNTracker().Next()
	newOffset, err := ts.heap.Write(encoded, uint64(tx.ID), prevOffset)
	if err != nil {
		return 0, kverrors.Wrap(kverrors.KindIO, err, "write row version")
	}

	payload, err := recovery.EncodeRowPayload(recovery.RowPayload{
		Table: tableName, PK: pk, Row: row, HasRow: true, OldRow: oldRow, HasOld: hasOld,
	})
	if err != nil {
		return 0, kverrors.Wrap(kverrors.KindSerialization, err, "encode row payload")
	}
	if err := se.writeWALEntry(tx.ID, entryType, lsn, payload); err != nil {
		return 0, err
	}

	ts.offsets[pk] = newOffset
	se.metrics.rowsPut.Inc()
	return lsn, nil
}

// DeleteRow implements executor.Engine: tombstones the live head at pk in
// place (no new chain entry) and logs the before-image for undo/redo.
func (se *StorageEngine) DeleteRow(tx *txn.Transaction, tableName string, pk int64) (uint64, error) {
	ts, _, err := se.tableStateAndDef(tableName)
	if err != nil {
		return 0, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	offset, ok := ts.offsets[pk]
	if !ok {
		return 0, kverrors.Newf(kverrors.KindNotFound, "row %d not found in table %q", pk, tableName)
	}
	doc, header, err := ts.heap.Read(offset)
	if err != nil {
		return 0, err
	}
	if !header.Valid {
		return 0, kverrors.Newf(kverrors.KindNotFound, "row %d not found in table %q", pk, tableName)
	}

	oldRow, err := types.Decode(doc)
	if err != nil {
		return 0, err
	}

	lsn := se.txns.LSNTracker().Next()
	if err := ts.heap.Delete(offset, uint64(tx.ID)); err != nil {
		return 0, kverrors.Wrap(kverrors.KindIO, err, "delete row version")
	}

	payload, err := recovery.EncodeRowPayload(recovery.RowPayload{
		Table: tableName, PK: pk, HasRow: false, OldRow: oldRow, HasOld: true,
	})
	if err != nil {
		return 0, kverrors.Wrap(kverrors.KindSerialization, err, "encode row payload")
	}
	if err := se.writeWALEntry(tx.ID, wal.EntryDelete, lsn, payload); err != nil {
		return 0, err
	}

	se.metrics.rowsDeleted.Inc()
	return lsn, nil
}

func (se *StorageEngine) writeWALEntry(txID lock.TxID, entryType uint8, lsn uint64, payload []byte) error {
	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.TxID = uint64(txID)
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = wal.CalculateCRC32(payload)
	entry.Header.UndoNextLSN = wal.NoUndoNext
	entry.Payload = append(entry.Payload[:0], payload...)

	err := se.wal.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	if err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "write WAL entry")
	}
	return nil
}

// CheckpointLSN implements recovery.Engine: component is split on "." so a
// table's row-mirror key ("table") and every one of its index keys
// ("table.index") resolve to the same per-table barrier LSN, matching the
// teacher's CreateCheckpoint, which captures exactly one currentLSN per
// table before snapshotting every index under it.
func (se *StorageEngine) CheckpointLSN(component string) (uint64, bool, error) {
	table := component
	if i := strings.IndexByte(component, '.'); i >= 0 {
		table = component[:i]
	}

	se.mu.RLock()
	ts, ok := se.tables[table]
	se.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.hasCheckpoint {
		return 0, false, nil
	}
	return ts.checkpointLSN, true, nil
}

// PutRowPhysical implements recovery.Engine: applies a redo/undo row
// mutation directly, always tagging the new version with
// txn.BootstrapTxID rather than the lsn argument, since by the time Recover
// returns only committed data survives and it must stay visible forever
// regardless of which transaction identity originally produced it.
func (se *StorageEngine) PutRowPhysical(table string, pk int64, row types.Value, lsn uint64) error {
	ts, _, err := se.tableStateAndDef(table)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	prevOffset := int64(-1)
	if offset, ok := ts.offsets[pk]; ok {
		prevOffset = offset
	}

	encoded, err := row.Encode()
	if err != nil {
		return err
	}

	offset, err := ts.heap.Write(encoded, uint64(txn.BootstrapTxID), prevOffset)
	if err != nil {
		return err
	}
	ts.offsets[pk] = offset
	return nil
}

// DeleteRowPhysical implements recovery.Engine.
func (se *StorageEngine) DeleteRowPhysical(table string, pk int64, lsn uint64) error {
	ts, _, err := se.tableStateAndDef(table)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	offset, ok := ts.offsets[pk]
	if !ok {
		return nil
	}
	return ts.heap.Delete(offset, uint64(txn.BootstrapTxID))
}

// IndexInsertPhysical implements recovery.Engine.
func (se *StorageEngine) IndexInsertPhysical(table, indexName string, value types.Value, pk int64) error {
	t, err := se.cat.Table(table)
	if err != nil {
		return err
	}
	return t.Indexes.InsertScalar(indexName, value, pk)
}

// IndexDeletePhysical implements recovery.Engine.
func (se *StorageEngine) IndexDeletePhysical(table, indexName string, value types.Value, pk int64) error {
	t, err := se.cat.Table(table)
	if err != nil {
		return err
	}
	return t.Indexes.DeleteScalar(indexName, value, pk)
}

// CreateCheckpoint snapshots every table's scalar indexes at its current
// LSN frontier, mirroring the teacher's CreateCheckpoint loop: one
// currentLSN per table, then one index blob per index under it.
func (se *StorageEngine) CreateCheckpoint() error {
	se.mu.RLock()
	names := make([]string, 0, len(se.tables))
	for name := range se.tables {
		names = append(names, name)
	}
	se.mu.RUnlock()

	for _, name := range names {
		table, err := se.cat.Table(name)
		if err != nil {
			continue
		}

		se.mu.RLock()
		ts := se.tables[name]
		se.mu.RUnlock()

		currentLSN := se.txns.LSNTracker().Current()

		indexNames := table.Indexes.ScalarNames()
		blobs := make([]IndexBlob, 0, len(indexNames))
		for _, indexName := range indexNames {
			data, err := table.Indexes.SaveScalar(indexName)
			if err != nil {
				return kverrors.Wrap(kverrors.KindIO, err, "save index for checkpoint")
			}
			blobs = append(blobs, IndexBlob{Name: indexName, Data: data})
		}

		if err := se.chk.CreateCheckpoint(name, currentLSN, blobs); err != nil {
			return kverrors.Wrap(kverrors.KindIO, err, "create checkpoint")
		}

		ts.mu.Lock()
		ts.checkpointLSN = currentLSN
		ts.hasCheckpoint = true
		ts.mu.Unlock()
		se.metrics.checkpointsCreated.Inc()
	}
	return nil
}

// Vacuum compacts tableName's heap, dropping tombstones whose delete LSN
// predates every active transaction's snapshot and rewriting the primary-
// key-to-offset map against the compacted file. Grounded on the teacher's
// Vacuum: iterate the old heap, decide keep/drop per record, write
// survivors to a fresh heap, then swap files in with os.Rename.
func (se *StorageEngine) Vacuum(tableName string) error {
	table, err := se.cat.Table(tableName)
	if err != nil {
		return err
	}

	se.mu.RLock()
	ts, ok := se.tables[tableName]
	se.mu.RUnlock()
	if !ok {
		return kverrors.Newf(kverrors.KindNotFound, "table %q has no open heap", tableName)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	minLSN := se.txns.MinActiveSnapshotLSN()

	oldHeap := ts.heap
	basePath := oldHeap.Path()
	newPath := basePath + ".vacuum"

	newHeap, err := heap.NewHeapManager(newPath)
	if err != nil {
		return err
	}

	it, err := oldHeap.NewIterator()
	if err != nil {
		newHeap.Close()
		return err
	}

	offsetMap := make(map[int64]int64)
	newOffsets := make(map[int64]int64)

	for {
		doc, header, oldOffset, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			it.Close()
			newHeap.Close()
			return err
		}

		if !header.Valid && tombstoneReclaimable(se.txns, header.DeleteLSN, minLSN) {
			continue // deleter committed strictly before every active snapshot: reclaim
		}

		prevOffset := int64(-1)
		if header.PrevOffset >= 0 {
			if mapped, ok := offsetMap[header.PrevOffset]; ok {
				prevOffset = mapped
			}
		}

		newOffset, err := newHeap.Write(doc, header.CreateLSN, prevOffset)
		if err != nil {
			it.Close()
			newHeap.Close()
			return err
		}
		if !header.Valid {
			if err := newHeap.Delete(newOffset, header.DeleteLSN); err != nil {
				it.Close()
				newHeap.Close()
				return err
			}
		}
		offsetMap[oldOffset] = newOffset

		if row, err := types.Decode(doc); err == nil {
			if pkValue, ok := row.MapGet([]byte(table.PrimaryKey)); ok {
				if pk, err := pkAsInt64(pkValue); err == nil {
					newOffsets[pk] = newOffset
				}
			}
		}
	}
	it.Close()

	if err := newHeap.Close(); err != nil {
		return err
	}
	if err := oldHeap.Close(); err != nil {
		return err
	}

	oldFiles, err := filepath.Glob(basePath + "_*.data")
	if err != nil {
		return err
	}
	for _, f := range oldFiles {
		if err := os.Remove(f); err != nil {
			return err
		}
	}

	newFiles, err := filepath.Glob(newPath + "_*.data")
	if err != nil {
		return err
	}
	for _, f := range newFiles {
		target := basePath + strings.TrimPrefix(f, newPath)
		if err := os.Rename(f, target); err != nil {
			return err
		}
	}

	reopened, err := heap.NewHeapManager(basePath)
	if err != nil {
		return err
	}
	ts.heap = reopened
	ts.offsets = newOffsets
	return nil
}

// Close flushes and closes the write-ahead log and every open table heap.
func (se *StorageEngine) Close() error {
	se.mu.Lock()
	defer se.mu.Unlock()

	var firstErr error
	for _, ts := range se.tables {
		if err := ts.heap.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close heap: %w", err)
		}
	}
	if se.wal != nil {
		if err := se.wal.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close wal: %w", err)
		}
	}
	if err := se.chk.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close checkpoint manager: %w", err)
	}
	return firstErr
}
