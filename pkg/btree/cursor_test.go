package btree

import (
	"testing"

	"github.com/bobboyms/kvengine/pkg/types"
)

func TestCursorSeekAndNextWalksInOrder(t *testing.T) {
	tree := NewTree(3)
	for i := int64(0); i < 20; i++ {
		if err := tree.Insert(types.IntKey(int(i)), i*10); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := NewCursor(tree)
	cur.Seek(types.IntKey(5))
	defer cur.Close()

	var got []int64
	for cur.Valid() {
		got = append(got, cur.Value())
		if !cur.Next() {
			break
		}
	}

	if len(got) != 15 {
		t.Fatalf("expected 15 entries from key 5 onward, got %d: %v", len(got), got)
	}
	if got[0] != 50 {
		t.Fatalf("expected first value 50, got %d", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("expected strictly increasing values, got %v", got)
		}
	}
}

func TestCursorSeekMissingKeyLandsOnNextGreater(t *testing.T) {
	tree := NewTree(3)
	tree.Insert(types.IntKey(10), 100)
	tree.Insert(types.IntKey(30), 300)

	cur := NewCursor(tree)
	cur.Seek(types.IntKey(20))
	defer cur.Close()

	if !cur.Valid() || cur.Value() != 300 {
		t.Fatalf("expected to land on key 30 (value 300), got valid=%v value=%v", cur.Valid(), cur.Value())
	}
}

func TestCursorSeekNilScansFromStart(t *testing.T) {
	tree := NewTree(3)
	for i := int64(0); i < 5; i++ {
		tree.Insert(types.IntKey(int(i)), i)
	}

	cur := NewCursor(tree)
	cur.Seek(nil)
	defer cur.Close()

	if !cur.Valid() || cur.Value() != 0 {
		t.Fatalf("expected first entry value 0, got valid=%v value=%v", cur.Valid(), cur.Value())
	}
}

func TestCursorExhaustedReturnsInvalid(t *testing.T) {
	tree := NewTree(3)
	tree.Insert(types.IntKey(1), 1)

	cur := NewCursor(tree)
	cur.Seek(types.IntKey(1))
	defer cur.Close()

	if !cur.Valid() {
		t.Fatalf("expected valid at the only entry")
	}
	if cur.Next() {
		t.Fatalf("expected Next to return false after the last entry")
	}
	if cur.Valid() {
		t.Fatalf("expected invalid cursor after exhausting the tree")
	}
}
