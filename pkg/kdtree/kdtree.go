// Package kdtree implements a k-dimensional tree secondary index for
// nearest-neighbor and bounding-box range queries over fixed-width vector
// columns. No example repo in the retrieved corpus implements a spatial
// index, so this package is modeled by analogy on pkg/btree's recursive
// split/search shape (median-split instead of B-tree order, axis-cycling
// instead of a single sort key) rather than on any specific pack file.
package kdtree

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sort"
	"sync"
)

type node struct {
	Point       []float32
	Value       int64
	Axis        int
	Left, Right *node
}

// Tree is a mutex-guarded k-d tree; unlike pkg/btree it does not attempt
// per-node latch crabbing, since rebalancing on every insert/delete would
// make fine-grained locking unsound without the rotations a true balanced
// tree needs.
type Tree struct {
	mu   sync.RWMutex
	root *node
	dims int
	size int
}

func NewTree(dims int) *Tree {
	return &Tree{dims: dims}
}

func (t *Tree) checkDims(point []float32) error {
	if len(point) != t.dims {
		return fmt.Errorf("kdtree: point has %d dimensions, want %d", len(point), t.dims)
	}
	return nil
}

// Insert adds point -> value. Duplicate points are allowed (each becomes a
// distinct leaf) and the tree performs no uniqueness check; callers needing
// uniqueness should check via Nearest(point, 1) first.
func (t *Tree) Insert(point []float32, value int64) error {
	if err := t.checkDims(point); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.root = insert(t.root, point, value, 0, t.dims)
	t.size++
	return nil
}

func insert(n *node, point []float32, value int64, depth, dims int) *node {
	if n == nil {
		return &node{Point: point, Value: value, Axis: depth % dims}
	}
	if point[n.Axis] < n.Point[n.Axis] {
		n.Left = insert(n.Left, point, value, depth+1, dims)
	} else {
		n.Right = insert(n.Right, point, value, depth+1, dims)
	}
	return n
}

// Delete removes one entry exactly matching point and value. Uses the
// classic k-d delete: replace the removed node with the minimum of its
// right subtree along its own axis (or the left subtree's minimum if the
// right subtree is empty, swapping left into right).
func (t *Tree) Delete(point []float32, value int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	t.root = deleteNode(t.root, point, value, 0, t.dims, &removed)
	if removed {
		t.size--
	}
	return removed
}

func samePoint(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func deleteNode(n *node, point []float32, value int64, depth, dims int, removed *bool) *node {
	if n == nil {
		return nil
	}
	axis := depth % dims

	if samePoint(n.Point, point) && n.Value == value {
		*removed = true
		switch {
		case n.Right != nil:
			successor := findMin(n.Right, n.Axis)
			n.Point, n.Value = successor.Point, successor.Value
			n.Right = deleteNode(n.Right, successor.Point, successor.Value, depth+1, dims, new(bool))
		case n.Left != nil:
			successor := findMin(n.Left, n.Axis)
			n.Point, n.Value = successor.Point, successor.Value
			n.Right = deleteNode(n.Left, successor.Point, successor.Value, depth+1, dims, new(bool))
			n.Left = nil
		default:
			return nil
		}
		return n
	}

	if point[axis] < n.Point[axis] {
		n.Left = deleteNode(n.Left, point, value, depth+1, dims, removed)
	} else {
		n.Right = deleteNode(n.Right, point, value, depth+1, dims, removed)
	}
	return n
}

func findMin(n *node, axis int) *node {
	if n == nil {
		return nil
	}
	min := n
	if n.Axis == axis {
		if n.Left != nil {
			return findMin(n.Left, axis)
		}
		return n
	}
	if left := findMin(n.Left, axis); left != nil && left.Point[axis] < min.Point[axis] {
		min = left
	}
	if right := findMin(n.Right, axis); right != nil && right.Point[axis] < min.Point[axis] {
		min = right
	}
	return min
}

// Result is one hit from Nearest or RangeSearch.
type Result struct {
	Point []float32
	Value int64
	Dist  float64 // squared Euclidean distance; meaningless for RangeSearch
}

// Nearest returns the k points closest to query by squared Euclidean
// distance, nearest first.
func (t *Tree) Nearest(query []float32, k int) ([]Result, error) {
	if err := t.checkDims(query); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best []Result
	nearest(t.root, query, k, &best)
	sort.Slice(best, func(i, j int) bool { return best[i].Dist < best[j].Dist })
	if len(best) > k {
		best = best[:k]
	}
	return best, nil
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

func nearest(n *node, query []float32, k int, best *[]Result) {
	if n == nil {
		return
	}
	d := sqDist(n.Point, query)
	*best = append(*best, Result{Point: n.Point, Value: n.Value, Dist: d})

	axis := n.Axis
	diff := float64(query[axis] - n.Point[axis])

	near, far := n.Left, n.Right
	if diff >= 0 {
		near, far = n.Right, n.Left
	}
	nearest(near, query, k, best)

	// Only descend into the far side if it could still contain a point
	// closer than the current k-th best, the standard k-d pruning rule.
	worst := math.Inf(1)
	if len(*best) >= k {
		sort.Slice(*best, func(i, j int) bool { return (*best)[i].Dist < (*best)[j].Dist })
		worst = (*best)[k-1].Dist
	}
	if diff*diff < worst || len(*best) < k {
		nearest(far, query, k, best)
	}
}

// RangeSearch returns every point whose coordinates all fall within
// [min[i], max[i]] on every axis i.
func (t *Tree) RangeSearch(min, max []float32) ([]Result, error) {
	if err := t.checkDims(min); err != nil {
		return nil, err
	}
	if err := t.checkDims(max); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Result
	rangeSearch(t.root, min, max, &out)
	return out, nil
}

func withinBounds(point, min, max []float32) bool {
	for i := range point {
		if point[i] < min[i] || point[i] > max[i] {
			return false
		}
	}
	return true
}

func rangeSearch(n *node, min, max []float32, out *[]Result) {
	if n == nil {
		return
	}
	if withinBounds(n.Point, min, max) {
		*out = append(*out, Result{Point: n.Point, Value: n.Value})
	}
	axis := n.Axis
	if min[axis] <= n.Point[axis] {
		rangeSearch(n.Left, min, max, out)
	}
	if max[axis] >= n.Point[axis] {
		rangeSearch(n.Right, min, max, out)
	}
}

// Size returns the number of points currently stored.
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Dims returns the fixed vector dimensionality this tree was created with.
func (t *Tree) Dims() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dims
}

// Build discards the current tree and reconstructs a balanced one from
// scratch, recursively partitioning at the median along axis depth % dims
// (the same axis cycle Insert uses) at each level (spec §4.6 "build").
func (t *Tree) Build(points []Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.root = buildBalanced(points, 0, t.dims)
	t.size = len(points)
}

func buildBalanced(points []Result, depth, dims int) *node {
	if len(points) == 0 {
		return nil
	}
	axis := depth % dims
	sort.Slice(points, func(i, j int) bool { return points[i].Point[axis] < points[j].Point[axis] })

	mid := len(points) / 2
	n := &node{Point: points[mid].Point, Value: points[mid].Value, Axis: axis}
	n.Left = buildBalanced(points[:mid], depth+1, dims)
	n.Right = buildBalanced(points[mid+1:], depth+1, dims)
	return n
}

type gobNode struct {
	Point       []float32
	Value       int64
	Axis        int
	HasLeft     bool
	HasRight    bool
	Left, Right *gobNode
}

func toGob(n *node) *gobNode {
	if n == nil {
		return nil
	}
	return &gobNode{
		Point: n.Point, Value: n.Value, Axis: n.Axis,
		HasLeft: n.Left != nil, HasRight: n.Right != nil,
		Left: toGob(n.Left), Right: toGob(n.Right),
	}
}

func fromGob(g *gobNode) *node {
	if g == nil {
		return nil
	}
	return &node{Point: g.Point, Value: g.Value, Axis: g.Axis, Left: fromGob(g.Left), Right: fromGob(g.Right)}
}

// Save serializes the tree with encoding/gob — stdlib justification: no
// corpus example serializes a spatial index, and gob is the standard
// library's answer for a self-referential struct graph with no competing
// wire format implicated elsewhere for this kind of data.
func (t *Tree) Save() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var buf bytes.Buffer
	payload := struct {
		Root *gobNode
		Dims int
		Size int
	}{Root: toGob(t.root), Dims: t.dims, Size: t.size}
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Load(data []byte) (*Tree, error) {
	var payload struct {
		Root *gobNode
		Dims int
		Size int
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}
	return &Tree{root: fromGob(payload.Root), dims: payload.Dims, size: payload.Size}, nil
}
