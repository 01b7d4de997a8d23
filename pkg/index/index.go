// Package index implements the index-manager façade of spec §4.6: a
// uniform insert/delete/lookup/range/save/load/build contract over the
// pluggable secondary index kinds (hash, Blink-tree, KD-tree, HNSW), plus
// the row-mirroring default_value_index. Per-backend mechanics live in
// pkg/hash, pkg/btree, pkg/kdtree and pkg/hnsw; this package adapts them
// to a single scalar-value shape and owns the encoding of "one indexed
// value maps to many primary keys" that only pkg/hash gets natively.
package index

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/bobboyms/kvengine/pkg/btree"
	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/hash"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Kind identifies which backend a ScalarIndex is built on.
type Kind int

const (
	KindBTree Kind = iota
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindBTree:
		return "BTREE"
	case KindHash:
		return "HASH"
	default:
		return "UNKNOWN"
	}
}

// ScalarIndex is the common contract of spec §4.6: insert/delete/lookup/
// range/save/load/build over an encoded scalar value.
type ScalarIndex interface {
	Kind() Kind
	Unique() bool
	Insert(value types.Value, pk int64) error
	Delete(value types.Value, pk int64) error
	Lookup(value types.Value) ([]int64, error)
	Range(lo, hi types.Value) ([]int64, error)
	Save() ([]byte, error)
	Load(data []byte) error
	Build(rows func(yield func(value types.Value, pk int64) bool)) error
}

// --- composite (value, pk) key used by the btree-backed implementation ---

// pairKey orders first by encoded value bytes, then by primary key, so a
// bounded range scan over all pairKeys sharing one value's bytes yields
// every primary key currently indexed under that value — the technique a
// map-shaped B+-tree needs to act as a multimap (spec §4.6).
type pairKey struct {
	encoded []byte
	pk      int64
}

func (k pairKey) Compare(other types.Comparable) int {
	o := other.(pairKey)
	if c := bytes.Compare(k.encoded, o.encoded); c != 0 {
		return c
	}
	switch {
	case k.pk < o.pk:
		return -1
	case k.pk > o.pk:
		return 1
	default:
		return 0
	}
}

// btreeIndex adapts pkg/btree's map-shaped Blink-tree to the ScalarIndex
// contract via pairKey. Uniqueness is enforced here (the underlying tree
// is always built non-unique, since pairKeys are always distinct).
type btreeIndex struct {
	order  int
	unique bool
	tree   *btree.BPlusTree
}

// NewBTreeIndex creates a Blink-tree-backed scalar index with the given
// tree order (fan-out, spec §4.6.1 minimum 3).
func NewBTreeIndex(order int, unique bool) ScalarIndex {
	return &btreeIndex{order: order, unique: unique, tree: btree.NewTree(order)}
}

func (b *btreeIndex) Kind() Kind   { return KindBTree }
func (b *btreeIndex) Unique() bool { return b.unique }

func (b *btreeIndex) Insert(value types.Value, pk int64) error {
	encoded, err := value.Encode()
	if err != nil {
		return err
	}

	if b.unique {
		existing, err := b.Lookup(value)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e != pk {
				return &kverrors.ConstraintViolationError{Constraint: "UNIQUE", Column: ""}
			}
		}
	}

	return b.tree.Insert(pairKey{encoded: encoded, pk: pk}, pk)
}

func (b *btreeIndex) Delete(value types.Value, pk int64) error {
	encoded, err := value.Encode()
	if err != nil {
		return err
	}
	b.tree.Delete(pairKey{encoded: encoded, pk: pk})
	return nil
}

// rangeByPrefix walks the right-link chain starting from the leftmost leaf
// covering loEncoded, collecting the primary key of every pair whose encoded
// value lies in [loEncoded, hiEncoded], and stops at the first value above
// hiEncoded (hiEncoded == nil means "no upper bound"). Lookup passes the
// same bytes as both bounds.
func rangeByPrefix(tree *btree.BPlusTree, loEncoded, hiEncoded []byte) []int64 {
	node, i := tree.FindLeafLowerBound(pairKey{encoded: loEncoded, pk: math.MinInt64})
	var out []int64
	for node != nil {
		for ; i < node.N; i++ {
			key := node.Keys[i].(pairKey)
			if hiEncoded != nil && bytes.Compare(key.encoded, hiEncoded) > 0 {
				node.RUnlock()
				return out
			}
			if loEncoded != nil && bytes.Compare(key.encoded, loEncoded) < 0 {
				continue
			}
			out = append(out, node.DataPtrs[i])
		}
		next := node.RightLink
		node.RUnlock()
		node = next
		i = 0
	}
	return out
}

func (b *btreeIndex) Lookup(value types.Value) ([]int64, error) {
	encoded, err := value.Encode()
	if err != nil {
		return nil, err
	}
	return rangeByPrefix(b.tree, encoded, encoded), nil
}

// Range treats a NULL (unset) bound as open on that side, which is how the
// planner expresses a one-sided >= or <= IndexScan.
func (b *btreeIndex) Range(lo, hi types.Value) ([]int64, error) {
	var loEncoded, hiEncoded []byte
	var err error
	if !lo.IsNull() {
		if loEncoded, err = lo.Encode(); err != nil {
			return nil, err
		}
	}
	if !hi.IsNull() {
		if hiEncoded, err = hi.Encode(); err != nil {
			return nil, err
		}
	}
	return rangeByPrefix(b.tree, loEncoded, hiEncoded), nil
}

// allPairs walks the whole tree left to right via the right-link chain
// (spec §4.6.1 "range scan"), collecting every (encoded value, pk) pair —
// the traversal Save() needs since pkg/btree itself is an in-memory
// structure with no page-store backing yet.
func allPairs(tree *btree.BPlusTree) []pairKey {
	node, i := tree.FindLeafLowerBound(pairKey{encoded: nil, pk: math.MinInt64})
	var out []pairKey
	for node != nil {
		for ; i < node.N; i++ {
			out = append(out, node.Keys[i].(pairKey))
		}
		next := node.RightLink
		node.RUnlock()
		node = next
		i = 0
	}
	return out
}

type gobPair struct {
	Encoded []byte
	PK      int64
}

func (b *btreeIndex) Save() ([]byte, error) {
	pairs := allPairs(b.tree)
	img := struct {
		Order  int
		Unique bool
		Pairs  []gobPair
	}{Order: b.order, Unique: b.unique}
	for _, p := range pairs {
		img.Pairs = append(img.Pairs, gobPair{Encoded: p.encoded, PK: p.pk})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *btreeIndex) Load(data []byte) error {
	var img struct {
		Order  int
		Unique bool
		Pairs  []gobPair
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&img); err != nil {
		return err
	}

	b.order = img.Order
	b.unique = img.Unique
	b.tree = btree.NewTree(b.order)
	for _, p := range img.Pairs {
		if err := b.tree.Insert(pairKey{encoded: p.Encoded, pk: p.PK}, p.PK); err != nil {
			return err
		}
	}
	return nil
}

func (b *btreeIndex) Build(rows func(yield func(value types.Value, pk int64) bool)) error {
	b.tree = btree.NewTree(b.order)
	var buildErr error
	rows(func(value types.Value, pk int64) bool {
		if err := b.Insert(value, pk); err != nil {
			buildErr = err
			return false
		}
		return true
	})
	return buildErr
}

// hashIndex adapts pkg/hash's native multimap to the ScalarIndex contract.
// Range is not supported: a hash table has no ordering to walk.
type hashIndex struct {
	idx    *hash.Index
	unique bool
}

// NewHashIndex creates a hash-backed scalar index.
func NewHashIndex(unique bool) ScalarIndex {
	return &hashIndex{idx: hash.NewIndex(unique), unique: unique}
}

func (h *hashIndex) Kind() Kind   { return KindHash }
func (h *hashIndex) Unique() bool { return h.unique }

func (h *hashIndex) Insert(value types.Value, pk int64) error {
	encoded, err := value.Encode()
	if err != nil {
		return err
	}
	if !h.idx.Insert(encoded, pk) {
		return &kverrors.ConstraintViolationError{Constraint: "UNIQUE", Column: ""}
	}
	return nil
}

func (h *hashIndex) Delete(value types.Value, pk int64) error {
	encoded, err := value.Encode()
	if err != nil {
		return err
	}
	h.idx.Delete(encoded, pk)
	return nil
}

func (h *hashIndex) Lookup(value types.Value) ([]int64, error) {
	encoded, err := value.Encode()
	if err != nil {
		return nil, err
	}
	return h.idx.Lookup(encoded), nil
}

func (h *hashIndex) Range(lo, hi types.Value) ([]int64, error) {
	return nil, kverrors.New(kverrors.KindInvalidQuery, "hash index does not support range scans")
}

func (h *hashIndex) Save() ([]byte, error) { return h.idx.Save() }

func (h *hashIndex) Load(data []byte) error {
	loaded, err := hash.Load(data)
	if err != nil {
		return err
	}
	h.idx = loaded
	return nil
}

func (h *hashIndex) Build(rows func(yield func(value types.Value, pk int64) bool)) error {
	var buildErr error
	h.idx.Build(func(yield func(key []byte, value int64) bool) {
		rows(func(value types.Value, pk int64) bool {
			encoded, err := value.Encode()
			if err != nil {
				buildErr = err
				return false
			}
			return yield(encoded, pk)
		})
	})
	return buildErr
}
