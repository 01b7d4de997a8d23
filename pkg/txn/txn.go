// Package txn implements the transaction manager: lifecycle, the undo log
// used to roll a transaction back, and the MVCC visibility rule readers use
// to pick the right version out of a heap record's version chain.
package txn

import (
	"sync"

	"github.com/bobboyms/kvengine/pkg/lock"
)

// IsolationLevel selects how a transaction's snapshot is taken and how
// aggressively it locks what it reads.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted                  // snapshot is taken at Begin; only RefreshSnapshot (which no reader calls) moves it
	RepeatableRead                 // one snapshot for the whole transaction (default)
	Serializable                   // RepeatableRead snapshot plus read locks held to commit (SS2PL)
)

type State int

const (
	Active State = iota
	Committed
	Aborted
)

// UndoKind names the physical operation an UndoEntry reverses, mirroring
// the undo-record taxonomy of the write path it was recorded against.
type UndoKind int

const (
	RevertInsert UndoKind = iota
	RevertDelete
	RevertUpdate
	IndexRevertInsert
	IndexRevertDelete
)

func (k UndoKind) String() string {
	switch k {
	case RevertInsert:
		return "RevertInsert"
	case RevertDelete:
		return "RevertDelete"
	case RevertUpdate:
		return "RevertUpdate"
	case IndexRevertInsert:
		return "IndexRevertInsert"
	case IndexRevertDelete:
		return "IndexRevertDelete"
	default:
		return "Unknown"
	}
}

// UndoEntry is one reversible step recorded while a transaction is active.
// Apply performs the physical undo (e.g. restoring a heap tombstone, or
// removing a row just inserted into an index); LSN is the LSN of the WAL
// record this entry reverses, used to chain CLRs during abort.
type UndoEntry struct {
	Kind  UndoKind
	LSN   uint64
	Apply func() error
}

// Transaction is one unit of work against the engine. Callers obtain one
// from Manager.Begin and must call Commit or Abort exactly once.
type Transaction struct {
	ID          lock.TxID
	SnapshotLSN uint64
	Level       IsolationLevel

	mu    sync.Mutex
	state State
	undo  []UndoEntry

	mgr *Manager
}

// AddUndo appends a reversal step to the transaction's undo log. Must be
// called while still Active; writers call this right after each physical
// mutation, before the operation is considered durable.
func (tx *Transaction) AddUndo(kind UndoKind, lsn uint64, apply func() error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.undo = append(tx.undo, UndoEntry{Kind: kind, LSN: lsn, Apply: apply})
}

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Commit durably commits the transaction: see Manager.Commit for the full
// protocol (this is a thin convenience wrapper).
func (tx *Transaction) Commit() error { return tx.mgr.Commit(tx) }

// Abort rolls the transaction back: see Manager.Abort.
func (tx *Transaction) Abort() error { return tx.mgr.Abort(tx) }

// RefreshSnapshot re-captures SnapshotLSN at the current LSN frontier; it is
// a no-op for every level but ReadCommitted. No reader in this module calls
// it, so a ReadCommitted transaction reads from the snapshot taken at Begin
// unless its caller invokes RefreshSnapshot.
func (tx *Transaction) RefreshSnapshot() {
	if tx.Level != ReadCommitted {
		return
	}
	tx.mu.Lock()
	tx.SnapshotLSN = tx.mgr.lsnTracker.Current()
	tx.mu.Unlock()
}

// IsVisible implements the creator/deleter visibility rule: a version is
// visible to tx if its creator committed at or before tx's snapshot, and
// either it has no deleter, the deleter had not committed by the snapshot,
// or the deleter committed strictly after it (spec visibility rule). A
// transaction also always sees its own writes and never sees past its own
// deletes, committed or not.
//
//	creator_tx = T ∨ (creator_tx ∈ C ∧ creator_tx ≤ T) ∧
//	  (deleter_tx = ∞ ∨ (deleter_tx ≠ T ∧ (deleter_tx ∉ C ∨ deleter_tx > T)))
func (tx *Transaction) IsVisible(creatorTx lock.TxID, deleterTx lock.TxID, hasDeleter bool) bool {
	if tx.Level == ReadUncommitted {
		// No isolation: every version written so far is visible, committed
		// or not; a delete (committed or not) hides it immediately.
		return !hasDeleter
	}

	if creatorTx != tx.ID {
		creatorLSN, creatorCommitted := tx.mgr.committedLSN(creatorTx)
		if !creatorCommitted || creatorLSN > tx.SnapshotLSN {
			return false
		}
	}
	if !hasDeleter {
		return true
	}
	if deleterTx == tx.ID {
		return false
	}
	deleterLSN, deleterCommitted := tx.mgr.committedLSN(deleterTx)
	if !deleterCommitted || deleterLSN > tx.SnapshotLSN {
		return true
	}
	return false
}
