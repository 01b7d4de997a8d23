package txn

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/lock"
	"github.com/bobboyms/kvengine/pkg/wal"
)

// LSNSource is the monotonic counter every WAL record's LSN is drawn from.
// Generalizes the teacher's LSNTracker to live outside pkg/storage so both
// pkg/txn and pkg/recovery can share one without an import cycle.
type LSNSource struct {
	current uint64
}

func NewLSNSource(start uint64) *LSNSource { return &LSNSource{current: start} }
func (s *LSNSource) Next() uint64          { return atomic.AddUint64(&s.current, 1) }
func (s *LSNSource) Current() uint64       { return atomic.LoadUint64(&s.current) }
func (s *LSNSource) Set(v uint64)          { atomic.StoreUint64(&s.current, v) }

// Manager owns the committed-transaction set, the active-transaction
// registry (for vacuum's minimum-visible-LSN gate) and the lock manager,
// and drives the commit/abort WAL protocol.
type Manager struct {
	lsnTracker *LSNSource
	walWriter  *wal.WALWriter
	Locks      *lock.Manager

	nextTxID uint64

	committedMu sync.RWMutex
	committed   map[lock.TxID]uint64 // tx id -> commit LSN

	activeMu     sync.Mutex
	active       map[lock.TxID]*Transaction
	minActiveLSN uint64
}

// BootstrapTxID is a reserved transaction identity that is always
// considered committed at LSN 0. nextTxID starts at 0 and is
// pre-incremented before Begin hands out the first real id, so no live
// transaction is ever assigned it. A storage engine stamps every heap
// record surviving a restart with BootstrapTxID (see heap.Rebase) so that
// row visibility never depends on a transaction identity that belonged to
// a previous process lifetime and can no longer be resolved.
const BootstrapTxID lock.TxID = 0

// NewManager wires a transaction manager against a WAL writer (nil for a
// memory-only engine) and a shared lock manager.
func NewManager(lsnStart uint64, walWriter *wal.WALWriter, lockTimeout time.Duration) *Manager {
	return &Manager{
		lsnTracker:   NewLSNSource(lsnStart),
		walWriter:    walWriter,
		Locks:        lock.NewManager(lockTimeout),
		committed:    map[lock.TxID]uint64{BootstrapTxID: 0},
		active:       make(map[lock.TxID]*Transaction),
		minActiveLSN: math.MaxUint64,
	}
}

// LSNTracker exposes the shared LSN source for the WAL writers outside this
// package (row/index mutations need LSNs too, not just commit markers).
func (m *Manager) LSNTracker() *LSNSource { return m.lsnTracker }

// Begin starts a new transaction at the given isolation level, capturing a
// snapshot at the current LSN frontier and registering it both with the
// lock manager (for deadlock victim ordering) and the active-transaction
// registry (for vacuum's minimum-visible-LSN gate).
func (m *Manager) Begin(level IsolationLevel) *Transaction {
	id := lock.TxID(atomic.AddUint64(&m.nextTxID, 1))
	tx := &Transaction{
		ID:          id,
		SnapshotLSN: m.lsnTracker.Current(),
		Level:       level,
		state:       Active,
		mgr:         m,
	}
	m.Locks.Begin(id)
	m.registerActive(tx)
	return tx
}

func (m *Manager) registerActive(tx *Transaction) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	m.active[tx.ID] = tx
	if tx.SnapshotLSN < m.minActiveLSN {
		m.minActiveLSN = tx.SnapshotLSN
	}
}

func (m *Manager) unregisterActive(tx *Transaction) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	delete(m.active, tx.ID)
	if len(m.active) == 0 {
		m.minActiveLSN = math.MaxUint64
		return
	}
	min := uint64(math.MaxUint64)
	for _, t := range m.active {
		if t.SnapshotLSN < min {
			min = t.SnapshotLSN
		}
	}
	m.minActiveLSN = min
}

// MinActiveSnapshotLSN is the oldest snapshot any still-active transaction
// could be reading from; vacuum may reclaim a tombstone whose delete LSN is
// strictly less than this value (spec §4.2 "Garbage collection").
func (m *Manager) MinActiveSnapshotLSN() uint64 {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return m.minActiveLSN
}

func (m *Manager) committedLSN(id lock.TxID) (uint64, bool) {
	m.committedMu.RLock()
	defer m.committedMu.RUnlock()
	lsn, ok := m.committed[id]
	return lsn, ok
}

// CommittedLSN is the exported form of committedLSN, for callers outside
// this package that need to resolve a transaction identity stamped on a
// heap record (see heap.RecordHeader.CreateLSN/DeleteLSN) back to the LSN
// it committed at — e.g. vacuum deciding whether a tombstone's deleter has
// committed strictly before every still-active snapshot.
func (m *Manager) CommittedLSN(id lock.TxID) (uint64, bool) {
	return m.committedLSN(id)
}

func (m *Manager) publishCommitted(id lock.TxID, lsn uint64) {
	m.committedMu.Lock()
	m.committed[id] = lsn
	m.committedMu.Unlock()
}

// Commit runs the force-log-at-commit protocol: append and sync a Commit
// record, only then publish the transaction into the committed set and
// release its locks. A crash before the WAL sync leaves the transaction
// invisible to everyone and recovery's undo pass cleans it up.
func (m *Manager) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return kverrors.New(kverrors.KindTransactionAborted, "transaction already finished")
	}
	tx.mu.Unlock()

	commitLSN := m.lsnTracker.Next()
	if err := m.writeMarker(tx.ID, wal.EntryCommit, commitLSN, wal.NoUndoNext); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "write commit record")
	}
	if m.walWriter != nil {
		if err := m.walWriter.Sync(); err != nil {
			return kverrors.Wrap(kverrors.KindIO, err, "sync commit record")
		}
	}

	m.publishCommitted(tx.ID, commitLSN)
	m.Locks.Release(tx.ID)
	m.unregisterActive(tx)

	tx.mu.Lock()
	tx.state = Committed
	tx.mu.Unlock()
	return nil
}

// Abort undoes every recorded step in reverse order, writing a CLR per step
// so a crash mid-abort can resume from where it left off (UndoNextLSN chains
// to the previous step's LSN; NoUndoNext on the last one written). Abort on
// an already-finished transaction is a no-op, making repeated calls safe.
func (m *Manager) Abort(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return nil
	}
	undo := tx.undo
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		entry := undo[i]
		if entry.Apply != nil {
			if err := entry.Apply(); err != nil {
				return kverrors.Wrap(kverrors.KindIO, err, "apply undo entry")
			}
		}
		undoNext := wal.NoUndoNext
		if i > 0 {
			undoNext = undo[i-1].LSN
		}
		clrLSN := m.lsnTracker.Next()
		if err := m.writeMarker(tx.ID, wal.EntryCLR, clrLSN, undoNext); err != nil {
			return kverrors.Wrap(kverrors.KindIO, err, "write CLR")
		}
	}

	abortLSN := m.lsnTracker.Next()
	if err := m.writeMarker(tx.ID, wal.EntryAbort, abortLSN, wal.NoUndoNext); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "write abort record")
	}
	if m.walWriter != nil {
		if err := m.walWriter.Sync(); err != nil {
			return kverrors.Wrap(kverrors.KindIO, err, "sync abort record")
		}
	}

	m.Locks.Release(tx.ID)
	m.unregisterActive(tx)

	tx.mu.Lock()
	tx.state = Aborted
	tx.mu.Unlock()
	return nil
}

func (m *Manager) writeMarker(txID lock.TxID, entryType uint8, lsn uint64, undoNext uint64) error {
	if m.walWriter == nil {
		return nil
	}
	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.TxID = uint64(txID)
	entry.Header.PayloadLen = 0
	entry.Header.CRC32 = 0
	entry.Header.UndoNextLSN = undoNext

	err := m.walWriter.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	return err
}
