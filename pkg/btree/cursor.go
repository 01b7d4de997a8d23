package btree

import "github.com/bobboyms/kvengine/pkg/types"

// Cursor is a forward-only, lock-coupled scan position over a Blink-tree.
// pkg/executor's scan operators do not use it; they go through the engine's
// ScanTable and the index package.
// Grounded on teacher `pkg/storage/cursor.go`, updated for the Next ->
// RightLink rename that came with promoting the tree to a true Blink-tree
// (spec §4.6.1): RightLink following already tolerates a concurrent split
// landing the target key one node to the right, so Seek/Next never need
// to reacquire a parent latch.
type Cursor struct {
	tree         *BPlusTree
	currentNode  *Node
	currentIndex int
}

// NewCursor creates a cursor over tree, initially unpositioned.
func NewCursor(tree *BPlusTree) *Cursor {
	return &Cursor{tree: tree}
}

// Close releases the current leaf's read latch, if any.
func (c *Cursor) Close() {
	if c.currentNode != nil {
		c.currentNode.RUnlock()
		c.currentNode = nil
	}
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() types.Comparable { return c.currentNode.Keys[c.currentIndex] }

// Value returns the data pointer (primary-key row id) at the cursor's
// current position.
func (c *Cursor) Value() int64 { return c.currentNode.DataPtrs[c.currentIndex] }

// Valid reports whether the cursor currently points at a live entry.
func (c *Cursor) Valid() bool { return c.currentNode != nil && c.currentIndex < c.currentNode.N }

// Seek positions the cursor at key, or at the next greater key if key is
// absent. A nil key seeks to the first entry in the tree.
func (c *Cursor) Seek(key types.Comparable) {
	c.Close()

	leaf, idx := c.tree.FindLeafLowerBound(key)
	if leaf == nil {
		c.currentNode = nil
		c.currentIndex = 0
		return
	}

	if idx >= leaf.N {
		next := leaf.RightLink
		if next != nil {
			next.RLock()
		}
		leaf.RUnlock()
		leaf = next
		idx = 0

		for leaf != nil && leaf.N == 0 {
			n := leaf.RightLink
			if n != nil {
				n.RLock()
			}
			leaf.RUnlock()
			leaf = n
		}
	}

	c.currentNode = leaf
	c.currentIndex = idx
}

// Next advances the cursor to the following entry, returning false once
// the scan is exhausted.
func (c *Cursor) Next() bool {
	if c.currentNode == nil {
		return false
	}

	if c.currentIndex+1 < c.currentNode.N {
		c.currentIndex++
		return true
	}

	next := c.currentNode.RightLink
	if next != nil {
		next.RLock()
	}
	c.currentNode.RUnlock()
	c.currentNode = next
	c.currentIndex = 0

	for c.currentNode != nil && c.currentNode.N == 0 {
		n := c.currentNode.RightLink
		if n != nil {
			n.RLock()
		}
		c.currentNode.RUnlock()
		c.currentNode = n
	}

	return c.currentNode != nil
}
