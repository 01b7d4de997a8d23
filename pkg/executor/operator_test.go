package executor

import (
	"testing"
	"time"

	"github.com/bobboyms/kvengine/pkg/catalog"
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/planner"
	"github.com/bobboyms/kvengine/pkg/txn"
	"github.com/bobboyms/kvengine/pkg/types"
)

// A Serializable transaction's table scan must hold a real shared lock on
// every row it reads, so a concurrent exclusive writer blocks behind it
// instead of proceeding on a pure MVCC snapshot read.
func TestSerializableTableScanHoldsRowLock(t *testing.T) {
	cat := catalog.NewCatalog()
	if _, err := cat.CreateTable("widgets", []catalog.Column{
		{Name: "id", Type: types.KindInteger, IsPrimaryKey: true},
	}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	txMgr := txn.NewManager(0, nil, 20*time.Millisecond)
	engine := newFakeEngine(cat, txMgr.Locks)

	seed := txMgr.Begin(txn.RepeatableRead)
	if _, err := Insert(engine, seed, "widgets", rowOf(1, "a", 0)); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	reader := txMgr.Begin(txn.Serializable)
	scan := newTableScanOp(engine, reader, &planner.TableScan{Table: "widgets"})
	if err := scan.Open(); err != nil {
		t.Fatalf("open scan: %v", err)
	}

	writer := txMgr.Begin(txn.RepeatableRead)
	if err := engine.Locks().Acquire(writer.ID, lockKey("widgets", 1), lock.Exclusive); err == nil {
		t.Fatalf("expected exclusive acquire to block behind the scan's shared lock")
	}

	if err := reader.Commit(); err != nil {
		t.Fatalf("commit reader: %v", err)
	}
	if err := engine.Locks().Acquire(writer.ID, lockKey("widgets", 1), lock.Exclusive); err != nil {
		t.Fatalf("expected exclusive acquire to succeed once the reader released: %v", err)
	}
}

// RepeatableRead (and weaker levels) must not take any lock during a scan:
// this is what distinguishes them from Serializable.
func TestRepeatableReadTableScanTakesNoLock(t *testing.T) {
	cat := catalog.NewCatalog()
	if _, err := cat.CreateTable("widgets", []catalog.Column{
		{Name: "id", Type: types.KindInteger, IsPrimaryKey: true},
	}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	txMgr := txn.NewManager(0, nil, 20*time.Millisecond)
	engine := newFakeEngine(cat, txMgr.Locks)

	seed := txMgr.Begin(txn.RepeatableRead)
	if _, err := Insert(engine, seed, "widgets", rowOf(1, "a", 0)); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	reader := txMgr.Begin(txn.RepeatableRead)
	scan := newTableScanOp(engine, reader, &planner.TableScan{Table: "widgets"})
	if err := scan.Open(); err != nil {
		t.Fatalf("open scan: %v", err)
	}

	writer := txMgr.Begin(txn.RepeatableRead)
	if err := engine.Locks().Acquire(writer.ID, lockKey("widgets", 1), lock.Exclusive); err != nil {
		t.Fatalf("expected exclusive acquire to succeed against a non-serializable reader: %v", err)
	}
}

// indexScanOp follows the same rule as tableScanOp: a shared lock per row
// resolved under Serializable, none otherwise.
func TestSerializableIndexScanHoldsRowLock(t *testing.T) {
	engine, txMgr, _ := newUsersFixture(t)

	reader := txMgr.Begin(txn.Serializable)
	scan := newIndexScanOp(engine, reader, &planner.IndexScan{
		Table: "users",
		Index: "idx_users_age",
		Lo:    types.IntegerValue(30),
		Hi:    types.IntegerValue(30),
	})
	if err := scan.Open(); err != nil {
		t.Fatalf("open index scan: %v", err)
	}
	for {
		_, ok, err := scan.Next()
		if err != nil {
			t.Fatalf("scan next: %v", err)
		}
		if !ok {
			break
		}
	}

	writer := txMgr.Begin(txn.RepeatableRead)
	if err := engine.Locks().Acquire(writer.ID, lockKey("users", 1), lock.Exclusive); err == nil {
		t.Fatalf("expected exclusive acquire on pk 1 to block behind the index scan's shared lock")
	}
}
