package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Node is one Blink-tree page, in memory. Every node, leaf or internal,
// carries a HighKey and a RightLink: HighKey is the smallest key that
// belongs to a right sibling (nil means "rightmost node at this level, no
// upper bound"), and RightLink points at that sibling. A split always
// publishes the new right sibling and updates HighKey/RightLink on the
// left node BEFORE the separator is installed in the parent, so a reader
// who started descending before the split completes can still reach the
// key by following RightLink instead of needing the parent's latch again.
type Node struct {
	T        int
	Keys     []types.Comparable
	DataPtrs []int64
	Children []*Node
	Leaf     bool
	N        int

	HighKey   types.Comparable
	RightLink *Node

	mu sync.RWMutex
}

func NewNode(t int, leaf bool) *Node {
	return &Node{
		T:        t,
		Leaf:     leaf,
		Keys:     make([]types.Comparable, 0, 2*t-1),
		DataPtrs: make([]int64, 0, 2*t-1),
		Children: make([]*Node, 0, 2*t),
	}
}

func (n *Node) Lock() {
	if n != nil {
		n.mu.Lock()
	}
}

func (n *Node) Unlock() {
	if n != nil {
		n.mu.Unlock()
	}
}

func (n *Node) RLock() {
	if n != nil {
		n.mu.RLock()
	}
}

func (n *Node) RUnlock() {
	if n != nil {
		n.mu.RUnlock()
	}
}

func (n *Node) IsSafeForInsert() bool {
	return n.N < 2*n.T-1
}

func (n *Node) IsSafeForDelete() bool {
	return n.N > n.T-1
}

func (n *Node) IsFull() bool {
	return n.N == 2*n.T-1
}

// beyondHighKey reports whether key has moved past this node's upper bound,
// meaning a concurrent split moved the keys the caller wants into
// RightLink. A nil HighKey means the node is rightmost and nothing is ever
// beyond it.
func (n *Node) beyondHighKey(key types.Comparable) bool {
	return n.HighKey != nil && key.Compare(n.HighKey) >= 0
}

// moveRightLocked walks n.RightLink, relocking as it goes (exclusive
// latch), until it reaches a node whose range contains key or which has no
// further right link. Callers must hold n's lock on entry; the returned
// node is returned locked and the caller owns unlocking it.
func moveRightLocked(n *Node, key types.Comparable) *Node {
	curr := n
	for curr.RightLink != nil && curr.beyondHighKey(key) {
		right := curr.RightLink
		right.Lock()
		curr.Unlock()
		curr = right
	}
	return curr
}

// moveRightRLocked is moveRightLocked's shared-latch counterpart, used by
// every read-only traversal (Search/Get/FindLeafLowerBound).
func moveRightRLocked(n *Node, key types.Comparable) *Node {
	curr := n
	for curr.RightLink != nil && curr.beyondHighKey(key) {
		right := curr.RightLink
		right.RLock()
		curr.RUnlock()
		curr = right
	}
	return curr
}

func (n *Node) childIndex(key types.Comparable) int {
	i := 0
	for i < n.N && key.Compare(n.Keys[i]) >= 0 {
		i++
	}
	return i
}

// SplitChild splits the full child at index i, publishing the Blink
// right-link/high-key pair on the left node before the separator is linked
// into the parent, so a concurrent reader descending into the old child
// never sees a half-split state that moveRight can't recover from.
func (n *Node) SplitChild(i int) {
	t := n.T
	y := n.Children[i]
	z := NewNode(t, y.Leaf)

	if y.Leaf {
		mid := t - 1
		z.N = y.N - mid
		z.Keys = append(z.Keys, y.Keys[mid:]...)
		z.DataPtrs = append(z.DataPtrs, y.DataPtrs[mid:]...)

		y.Keys = y.Keys[:mid]
		y.DataPtrs = y.DataPtrs[:mid]
		y.N = mid

		z.HighKey = y.HighKey
		z.RightLink = y.RightLink
		y.HighKey = z.Keys[0]
		y.RightLink = z
	} else {
		mid := t - 1
		z.N = t - 1
		z.Keys = append(z.Keys, y.Keys[mid+1:]...)
		z.Children = append(z.Children, y.Children[mid+1:]...)

		upKey := y.Keys[mid]

		y.Keys = y.Keys[:mid]
		y.Children = y.Children[:mid+1]
		y.N = mid

		z.HighKey = y.HighKey
		z.RightLink = y.RightLink
		y.HighKey = upKey
		y.RightLink = z

		n.Keys = append(n.Keys, nil)
		copy(n.Keys[i+1:], n.Keys[i:])
		n.Keys[i] = upKey

		n.Children = append(n.Children, nil)
		copy(n.Children[i+2:], n.Children[i+1:])
		n.Children[i+1] = z
		n.N++
		return
	}

	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = z.Keys[0]

	n.Children = append(n.Children, nil)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = z
	n.N++
}

// Search descends the tree looking for key, following right-links whenever
// a node's HighKey shows a concurrent split moved the key range rightward.
func (n *Node) Search(key types.Comparable) (*Node, bool) {
	n.RLock()
	curr := moveRightRLocked(n, key)

	for !curr.Leaf {
		i := curr.childIndex(key)
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = moveRightRLocked(child, key)
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

func (n *Node) findLeafLowerBound(key types.Comparable) (*Node, int) {
	n.RLock()
	curr := moveRightRLocked(n, key)

	for !curr.Leaf {
		i := sort.Search(curr.N, func(i int) bool {
			return curr.Keys[i].Compare(key) >= 0
		})
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = moveRightRLocked(child, key)
	}

	idx := sort.Search(curr.N, func(i int) bool {
		return curr.Keys[i].Compare(key) >= 0
	})
	return curr, idx
}

// InsertNonFull and UpsertNonFull assume the caller has already performed
// preventive splits on the way down (btree.go's upsertTopDown), so the node
// reached here is guaranteed not full; they still call moveRightLocked
// first in case a split landed the key on a right sibling since the parent
// made its routing decision.
func (n *Node) InsertNonFull(key types.Comparable, dataPtr int64, uniqueKey bool) error {
	target := moveRightLocked(n, key)
	if target != n {
		defer target.Unlock()
	}
	i := target.N - 1

	if target.Leaf {
		idx := sort.Search(target.N, func(j int) bool {
			return target.Keys[j].Compare(key) >= 0
		})

		if idx < target.N && target.Keys[idx].Compare(key) == 0 {
			if uniqueKey {
				return &errors.DuplicateKeyError{Key: fmt.Sprintf("%v", key)}
			}
			target.DataPtrs[idx] = dataPtr
			return nil
		}

		target.Keys = append(target.Keys, nil)
		target.DataPtrs = append(target.DataPtrs, 0)
		copy(target.Keys[idx+1:], target.Keys[idx:])
		copy(target.DataPtrs[idx+1:], target.DataPtrs[idx:])

		target.Keys[idx] = key
		target.DataPtrs[idx] = dataPtr
		target.N++
		return nil
	}

	for i >= 0 && key.Compare(target.Keys[i]) < 0 {
		i--
	}
	i++

	if target.Children[i].N == 2*target.T-1 {
		target.SplitChild(i)
		if key.Compare(target.Keys[i]) >= 0 {
			i++
		}
	}
	return target.Children[i].InsertNonFull(key, dataPtr, uniqueKey)
}

// UpsertNonFull performs the insert-or-update at a leaf, running fn while
// holding the leaf's latch (atomic read-modify-write).
func (n *Node) UpsertNonFull(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	target := moveRightLocked(n, key)
	if target != n {
		defer target.Unlock()
	}
	i := target.N - 1

	if target.Leaf {
		idx := sort.Search(target.N, func(j int) bool {
			return target.Keys[j].Compare(key) >= 0
		})

		if idx < target.N && target.Keys[idx].Compare(key) == 0 {
			newValue, err := fn(target.DataPtrs[idx], true)
			if err != nil {
				return err
			}
			target.DataPtrs[idx] = newValue
			return nil
		}

		newValue, err := fn(0, false)
		if err != nil {
			return err
		}

		target.Keys = append(target.Keys, nil)
		target.DataPtrs = append(target.DataPtrs, 0)
		copy(target.Keys[idx+1:], target.Keys[idx:])
		copy(target.DataPtrs[idx+1:], target.DataPtrs[idx:])

		target.Keys[idx] = key
		target.DataPtrs[idx] = newValue
		target.N++
		return nil
	}

	for i >= 0 && key.Compare(target.Keys[i]) < 0 {
		i--
	}
	i++

	if target.Children[i].N == 2*target.T-1 {
		target.SplitChild(i)
		if key.Compare(target.Keys[i]) >= 0 {
			i++
		}
	}
	return target.Children[i].UpsertNonFull(key, fn)
}

func (n *Node) remove(key types.Comparable) bool {
	idx := sort.Search(n.N, func(i int) bool {
		return n.Keys[i].Compare(key) >= 0
	})

	if n.Leaf {
		if idx < n.N && n.Keys[idx].Compare(key) == 0 {
			n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
			n.DataPtrs = append(n.DataPtrs[:idx], n.DataPtrs[idx+1:]...)
			n.N--
			return true
		}
		return false
	}

	childIdx := idx
	if idx < n.N && n.Keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}

	ok := n.Children[childIdx].remove(key)
	if ok {
		n.fixSeparators()
	}
	return ok
}

func (n *Node) fixSeparators() {
	if n.Leaf {
		return
	}
	for i := 0; i < n.N; i++ {
		curr := n.Children[i+1]
		for !curr.Leaf {
			curr = curr.Children[0]
		}
		if curr.N > 0 {
			n.Keys[i] = curr.Keys[0]
		}
	}
}

// Exported methods for testing/internal project use
func (n *Node) Remove(key types.Comparable) bool {
	return n.remove(key)
}
func (n *Node) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	return n.findLeafLowerBound(key)
}
