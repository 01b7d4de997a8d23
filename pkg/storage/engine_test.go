package storage

import (
	"testing"
	"time"

	"github.com/bobboyms/kvengine/pkg/catalog"
	"github.com/bobboyms/kvengine/pkg/txn"
	"github.com/bobboyms/kvengine/pkg/types"
)

func newUsersTable(t *testing.T, se *StorageEngine) {
	t.Helper()
	if _, err := se.CreateTable("users", []catalog.Column{
		{Name: "id", Type: types.KindInteger, IsPrimaryKey: true},
		{Name: "name", Type: types.KindString, IsUnique: true},
		{Name: "age", Type: types.KindInteger, IsNullable: true},
	}); err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func userRow(id int64, name string, age int64) types.Value {
	return types.MapValue([]types.MapEntry{
		{Key: []byte("id"), Value: types.IntegerValue(id)},
		{Key: []byte("name"), Value: types.StringValue(name)},
		{Key: []byte("age"), Value: types.IntegerValue(age)},
	})
}

func rowName(t *testing.T, row types.Value) string {
	t.Helper()
	name, ok := row.MapGet([]byte("name"))
	if !ok {
		t.Fatalf("row has no name field")
	}
	return name.String
}

func TestCreateTableRestartReloadsSchema(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	newUsersTable(t, se)
	if err := se.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	se2, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer se2.Close()

	table, err := se2.Catalog().Table("users")
	if err != nil {
		t.Fatalf("table not reloaded: %v", err)
	}
	if table.PrimaryKey != "id" {
		t.Errorf("expected primary key id, got %q", table.PrimaryKey)
	}
	if len(table.Columns) != 3 {
		t.Errorf("expected 3 columns, got %d", len(table.Columns))
	}
}

func TestPutRowInsertAndGet(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer se.Close()
	newUsersTable(t, se)

	writer := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(writer, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader := se.Begin(txn.RepeatableRead)
	defer reader.Abort()
	row, ok, err := se.GetRow(reader, "users", 1)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !ok {
		t.Fatalf("expected row 1 to be visible")
	}
	if got := rowName(t, row); got != "alice" {
		t.Errorf("expected name alice, got %q", got)
	}
}

// TestRepeatableReadDoesNotSeeLaterCommit confirms a RepeatableRead
// transaction's snapshot is fixed at Begin: a row inserted and committed
// by another transaction afterward stays invisible for the whole of the
// first transaction's lifetime.
func TestRepeatableReadDoesNotSeeLaterCommit(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer se.Close()
	newUsersTable(t, se)

	reader := se.Begin(txn.RepeatableRead)
	defer reader.Abort()

	writer := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(writer, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, ok, err := se.GetRow(reader, "users", 1); err != nil {
		t.Fatalf("get row: %v", err)
	} else if ok {
		t.Errorf("expected row 1 to stay invisible to a snapshot taken before its commit")
	}

	fresh := se.Begin(txn.RepeatableRead)
	defer fresh.Abort()
	if _, ok, err := se.GetRow(fresh, "users", 1); err != nil {
		t.Fatalf("get row: %v", err)
	} else if !ok {
		t.Errorf("expected row 1 to be visible to a transaction started after its commit")
	}
}

// TestUpdateKeepsOldVersionVisibleToOlderSnapshot exercises the chained-
// version read path: an update after a reader's snapshot was taken must
// not change what that reader sees.
func TestUpdateKeepsOldVersionVisibleToOlderSnapshot(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer se.Close()
	newUsersTable(t, se)

	insert := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(insert, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := insert.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader := se.Begin(txn.RepeatableRead)
	defer reader.Abort()

	update := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(update, "users", 1, userRow(1, "alice-renamed", 31)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := update.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	row, ok, err := se.GetRow(reader, "users", 1)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !ok {
		t.Fatalf("expected row 1 to remain visible")
	}
	if got := rowName(t, row); got != "alice" {
		t.Errorf("expected older snapshot to still see pre-update name alice, got %q", got)
	}

	fresh := se.Begin(txn.RepeatableRead)
	defer fresh.Abort()
	row, ok, err = se.GetRow(fresh, "users", 1)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !ok || rowName(t, row) != "alice-renamed" {
		t.Errorf("expected fresh snapshot to see updated name, got ok=%v", ok)
	}
}

func TestDeleteRowHidesFromFreshSnapshot(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer se.Close()
	newUsersTable(t, se)

	insert := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(insert, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := insert.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	del := se.Begin(txn.RepeatableRead)
	if _, err := se.DeleteRow(del, "users", 1); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fresh := se.Begin(txn.RepeatableRead)
	defer fresh.Abort()
	if _, ok, err := se.GetRow(fresh, "users", 1); err != nil {
		t.Fatalf("get row: %v", err)
	} else if ok {
		t.Errorf("expected row 1 to be invisible after its deleter committed")
	}
}

// TestRecoverUndoesUncommittedWriteAcrossRestart simulates a crash: a row
// is written but never committed before the engine is closed, and a fresh
// engine reopened on the same directory must not see it.
func TestRecoverUndoesUncommittedWriteAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	newUsersTable(t, se)

	uncommitted := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(uncommitted, "users", 7, userRow(7, "bob", 40)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	// Deliberately never Commit or Abort: the process "crashes" here.
	if err := se.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	se2, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer se2.Close()

	reader := se2.Begin(txn.RepeatableRead)
	defer reader.Abort()
	if _, ok, err := se2.GetRow(reader, "users", 7); err != nil {
		t.Fatalf("get row: %v", err)
	} else if ok {
		t.Errorf("expected uncommitted insert to be undone by recovery, row still present")
	}
}

func TestCheckpointThenRestartReloadsIndex(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	newUsersTable(t, se)

	tx := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(tx, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	table, err := se.Catalog().Table("users")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if err := table.Indexes.InsertScalar("idx_users_name", types.StringValue("alice"), 1); err != nil {
		t.Fatalf("index insert: %v", err)
	}

	if err := se.CreateCheckpoint(); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	if err := se.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	se2, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer se2.Close()

	table2, err := se2.Catalog().Table("users")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	pks, err := table2.Indexes.LookupScalar("idx_users_name", types.StringValue("alice"))
	if err != nil {
		t.Fatalf("lookup scalar: %v", err)
	}
	if len(pks) != 1 || pks[0] != 1 {
		t.Errorf("expected checkpoint to reload index entry for alice -> [1], got %v", pks)
	}
}

// TestVacuumReclaimsCommittedTombstone checks tombstoneReclaimable's
// committed-before-every-active-snapshot rule directly: with no other
// transaction active, MinActiveSnapshotLSN is unbounded, so a committed
// delete is always reclaimable.
func TestVacuumReclaimsCommittedTombstone(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer se.Close()
	newUsersTable(t, se)

	insert := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(insert, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := insert.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	del := se.Begin(txn.RepeatableRead)
	if _, err := se.DeleteRow(del, "users", 1); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := se.Vacuum("users"); err != nil {
		t.Fatalf("vacuum: %v", err)
	}

	se.mu.RLock()
	ts := se.tables["users"]
	se.mu.RUnlock()
	if len(ts.offsets) != 0 {
		t.Errorf("expected vacuum to drop the reclaimed tombstone's offset entry, got %v", ts.offsets)
	}
}

func TestVacuumKeepsTombstoneVisibleToActiveSnapshot(t *testing.T) {
	dir := t.TempDir()
	se, err := NewStorageEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer se.Close()
	newUsersTable(t, se)

	insert := se.Begin(txn.RepeatableRead)
	if _, err := se.PutRow(insert, "users", 1, userRow(1, "alice", 30)); err != nil {
		t.Fatalf("put row: %v", err)
	}
	if err := insert.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Snapshot taken before the delete, held open across vacuum.
	reader := se.Begin(txn.RepeatableRead)
	defer reader.Abort()

	del := se.Begin(txn.RepeatableRead)
	if _, err := se.DeleteRow(del, "users", 1); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := se.Vacuum("users"); err != nil {
		t.Fatalf("vacuum: %v", err)
	}

	row, ok, err := se.GetRow(reader, "users", 1)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !ok || rowName(t, row) != "alice" {
		t.Errorf("expected the still-active reader's snapshot to keep seeing the pre-delete row after vacuum, ok=%v", ok)
	}
}
