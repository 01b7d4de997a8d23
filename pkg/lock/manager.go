// Package lock implements the two-phase lock manager: shared/exclusive
// key locks, FIFO wait queues, wait-for graph deadlock detection and an
// explicit lock-upgrade operation.
package lock

import (
	"sync"
	"time"

	kverrors "github.com/bobboyms/kvengine/pkg/errors"
)

// Mode is the lock mode requested on a key.
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

// TxID identifies a transaction to the lock manager. The manager has no
// notion of transaction lifecycle beyond the ids it is given.
type TxID uint64

// holder is one granted or waiting request against a key.
type holder struct {
	tx      TxID
	mode    Mode
	granted bool
	done    chan struct{} // closed when this waiter is granted or aborted
	err     error
}

type keyState struct {
	mu      sync.Mutex
	holders []*holder // FIFO: granted prefix, then waiting suffix
}

// Manager is the engine-wide lock table. One Manager instance coordinates
// every transaction's row and index-key locks.
type Manager struct {
	mu   sync.Mutex
	keys map[string]*keyState

	// waitFor[a] contains the set of transactions that a is blocked on,
	// used to detect cycles (deadlocks) before a waiter actually blocks.
	waitFor map[TxID]map[TxID]struct{}

	// startSeq orders victim selection: the transaction with the
	// larger (more recent) start sequence is preferred as the deadlock
	// victim, since it has done the least work to discard.
	startSeq map[TxID]uint64
	seqMu    sync.Mutex
	nextSeq  uint64

	timeout time.Duration
}

// NewManager creates a lock manager with the given default wait timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		keys:     make(map[string]*keyState),
		waitFor:  make(map[TxID]map[TxID]struct{}),
		startSeq: make(map[TxID]uint64),
		timeout:  timeout,
	}
}

// Begin registers tx's start order, used for youngest-victim selection.
func (m *Manager) Begin(tx TxID) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.nextSeq++
	m.startSeq[tx] = m.nextSeq
}

func (m *Manager) keyStateFor(key string) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.keys[key]
	if !ok {
		ks = &keyState{}
		m.keys[key] = ks
	}
	return ks
}

func compatible(a, b Mode) bool {
	return a == Shared && b == Shared
}

// Acquire blocks until tx holds mode on key, a conflicting holder releases
// it, the wait times out, or tx is chosen as a deadlock victim.
func (m *Manager) Acquire(tx TxID, key string, mode Mode) error {
	ks := m.keyStateFor(key)

	ks.mu.Lock()

	// Already held at >= requested strength.
	for _, h := range ks.holders {
		if h.tx == tx && h.granted && (h.mode == Exclusive || h.mode == mode) {
			ks.mu.Unlock()
			return nil
		}
	}

	canGrant := true
	var blockingOn []TxID
	for _, h := range ks.holders {
		if h.granted && h.tx != tx && !compatible(h.mode, mode) {
			canGrant = false
			blockingOn = append(blockingOn, h.tx)
		}
	}

	h := &holder{tx: tx, mode: mode, granted: canGrant, done: make(chan struct{})}
	ks.holders = append(ks.holders, h)
	if canGrant {
		ks.mu.Unlock()
		return nil
	}
	ks.mu.Unlock()

	if err := m.recordWait(tx, blockingOn); err != nil {
		m.removeWaiter(ks, h)
		m.clearWait(tx)
		return err
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if m.timeout > 0 {
		timer = time.NewTimer(m.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-h.done:
		m.clearWait(tx)
		return h.err
	case <-timeoutCh:
		m.removeWaiter(ks, h)
		m.clearWait(tx)
		return kverrors.Wrap(kverrors.KindLockTimeout, &kverrors.LockTimeoutError{Key: key}, "lock acquire timed out")
	}
}

// Upgrade escalates a shared lock already held by tx on key to exclusive,
// as a distinct operation from Acquire so the caller's intent ("I already
// read this row, now I want to write it") stays explicit in the log.
func (m *Manager) Upgrade(tx TxID, key string) error {
	ks := m.keyStateFor(key)

	ks.mu.Lock()
	found := false
	for _, h := range ks.holders {
		if h.tx == tx && h.granted {
			if h.mode == Exclusive {
				ks.mu.Unlock()
				return nil
			}
			found = true
		}
	}
	if !found {
		ks.mu.Unlock()
		return kverrors.New(kverrors.KindConfiguration, "lock: upgrade requested without a held shared lock")
	}

	canGrant := true
	var blockingOn []TxID
	for _, h := range ks.holders {
		if h.tx != tx && h.granted && h.mode == Shared {
			canGrant = false
			blockingOn = append(blockingOn, h.tx)
		}
	}

	if canGrant {
		for _, h := range ks.holders {
			if h.tx == tx {
				h.mode = Exclusive
			}
		}
		ks.mu.Unlock()
		return nil
	}

	wait := &holder{tx: tx, mode: Exclusive, granted: false, done: make(chan struct{})}
	ks.holders = append(ks.holders, wait)
	ks.mu.Unlock()

	if err := m.recordWait(tx, blockingOn); err != nil {
		m.removeWaiter(ks, wait)
		m.clearWait(tx)
		return err
	}

	<-wait.done
	m.clearWait(tx)
	if wait.err != nil {
		return wait.err
	}

	ks.mu.Lock()
	kept := ks.holders[:0]
	for _, h := range ks.holders {
		if h.tx == tx && h != wait {
			continue // drop the old shared-mode holder entry, upgrade holder replaces it
		}
		if h == wait {
			h.mode = Exclusive
		}
		kept = append(kept, h)
	}
	ks.holders = kept
	ks.mu.Unlock()
	return nil
}

// Release drops every lock tx holds, granting the next compatible waiters
// in FIFO order on each affected key, and forgets tx's start sequence: tx's
// lifecycle with this manager is over, so it can no longer be a deadlock
// victim candidate.
func (m *Manager) Release(tx TxID) {
	m.mu.Lock()
	keys := make([]*keyState, 0, len(m.keys))
	for _, ks := range m.keys {
		keys = append(keys, ks)
	}
	delete(m.startSeq, tx)
	m.mu.Unlock()

	for _, ks := range keys {
		m.releaseOnKey(ks, tx)
	}
}

func (m *Manager) releaseOnKey(ks *keyState, tx TxID) {
	ks.mu.Lock()
	remaining := ks.holders[:0:0]
	changed := false
	for _, h := range ks.holders {
		if h.tx == tx {
			changed = true
			continue
		}
		remaining = append(remaining, h)
	}
	ks.holders = remaining
	if !changed {
		ks.mu.Unlock()
		return
	}
	m.promote(ks)
	ks.mu.Unlock()
}

// promote walks the FIFO suffix granting every waiter compatible with the
// currently-granted prefix, stopping at the first incompatible request.
func (m *Manager) promote(ks *keyState) {
	for _, h := range ks.holders {
		if h.granted {
			continue
		}
		ok := true
		for _, g := range ks.holders {
			if g.granted && g.tx != h.tx && !compatible(g.mode, h.mode) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		h.granted = true
		close(h.done)
	}
}

func (m *Manager) removeWaiter(ks *keyState, target *holder) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	kept := ks.holders[:0]
	for _, h := range ks.holders {
		if h == target {
			continue
		}
		kept = append(kept, h)
	}
	ks.holders = kept
}

// recordWait adds tx -> blockingOn edges to the wait-for graph and runs
// cycle detection; if a cycle is found, the youngest transaction among the
// cycle's members is aborted so the graph stays acyclic.
func (m *Manager) recordWait(tx TxID, blockingOn []TxID) error {
	if len(blockingOn) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.waitFor[tx] == nil {
		m.waitFor[tx] = make(map[TxID]struct{})
	}
	for _, b := range blockingOn {
		m.waitFor[tx][b] = struct{}{}
	}

	cycle := m.findCycle(tx)
	if cycle == nil {
		m.mu.Unlock()
		return nil
	}

	victim := m.pickVictim(cycle)
	delete(m.waitFor, tx)
	m.mu.Unlock()

	if victim == tx {
		return kverrors.Wrap(kverrors.KindDeadlock, &kverrors.DeadlockError{VictimTxID: uint64(tx)}, "deadlock detected")
	}
	// The victim is a different, already-waiting transaction: wake it with
	// an error so its Acquire call returns instead of blocking forever.
	m.abortWaiter(victim)
	return nil
}

// findCycle runs DFS from start over the wait-for graph and returns the
// cycle's member set if one is reachable back to start, else nil.
func (m *Manager) findCycle(start TxID) map[TxID]struct{} {
	visited := make(map[TxID]bool)
	path := []TxID{start}
	var dfs func(TxID) bool
	dfs = func(node TxID) bool {
		for next := range m.waitFor[node] {
			if next == start {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if dfs(next) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	if !dfs(start) {
		return nil
	}
	set := make(map[TxID]struct{}, len(path))
	for _, t := range path {
		set[t] = struct{}{}
	}
	return set
}

func (m *Manager) pickVictim(cycle map[TxID]struct{}) TxID {
	var victim TxID
	var victimSeq uint64
	first := true
	for tx := range cycle {
		seq := m.startSeq[tx]
		if first || seq > victimSeq {
			victim = tx
			victimSeq = seq
			first = false
		}
	}
	return victim
}

// abortWaiter marks every pending wait entry for tx as failed and wakes it.
// Used when tx is chosen as a deadlock victim while it is someone else's
// wait-for target rather than the caller currently inside Acquire.
func (m *Manager) abortWaiter(tx TxID) {
	m.mu.Lock()
	keys := make([]*keyState, 0, len(m.keys))
	for _, ks := range m.keys {
		keys = append(keys, ks)
	}
	m.mu.Unlock()

	for _, ks := range keys {
		ks.mu.Lock()
		for _, h := range ks.holders {
			if h.tx == tx && !h.granted {
				select {
				case <-h.done:
				default:
					h.err = kverrors.Wrap(kverrors.KindDeadlock, &kverrors.DeadlockError{VictimTxID: uint64(tx)}, "deadlock detected")
					close(h.done)
				}
			}
		}
		ks.mu.Unlock()
	}
}

// clearWait drops tx's wait-for edge once a wait resolves (granted,
// aborted, or timed out). tx's start sequence survives this — it is only
// forgotten in Release, once the transaction is actually done and will
// never contend for a lock again — so a transaction that waited once and
// later hits a genuine deadlock is still ranked by its real start order.
func (m *Manager) clearWait(tx TxID) {
	m.mu.Lock()
	delete(m.waitFor, tx)
	m.mu.Unlock()
}
