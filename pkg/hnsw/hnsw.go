// Package hnsw implements a Hierarchical Navigable Small World graph index
// for approximate nearest-neighbor search over vector columns (spec
// §4.6.2). No example repo in the retrieved corpus builds a proximity
// graph; the concurrent structure is grounded by analogy on the teacher's
// mutex-guarded map-of-structs pattern (pkg/storage's TransactionRegistry),
// and candidate-set ordering uses the standard library's container/heap,
// its textbook use case.
package hnsw

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"math"
	"math/rand"
	"sync"
)

// Metric selects the distance function used for both graph construction and
// search, so the same index can be built over Euclidean, cosine, or dot
// product spaces (spec §4.6.2).
type Metric int

const (
	Euclidean Metric = iota
	Cosine
	Dot
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	case Dot:
		return "dot"
	default:
		return "unknown"
	}
}

func distanceFunc(m Metric) func(a, b []float32) float64 {
	switch m {
	case Cosine:
		return cosineDistance
	case Dot:
		return dotDistance
	default:
		return euclidean
	}
}

// Params controls graph construction and search (spec §4.6.2).
type Params struct {
	M              int // max neighbors per node above layer 0
	M0             int // max neighbors per node at layer 0 (conventionally 2*M)
	EfConstruction int // candidate list size while inserting
	EfSearch       int // candidate list size while querying
	Metric         Metric
}

// DefaultParams mirrors the values the HNSW paper recommends for
// moderate-recall workloads, using Euclidean distance.
func DefaultParams() Params {
	return Params{M: 16, M0: 32, EfConstruction: 200, EfSearch: 64, Metric: Euclidean}
}

type node struct {
	id        int64
	vector    []float32
	neighbors []map[int64]struct{} // neighbors[level] = set of node ids
}

// Graph is a mutex-guarded HNSW proximity graph. Mutation (Insert/Delete)
// takes the write lock; Search takes only the read lock, since graph
// traversal here never mutates shared state mid-search.
type Graph struct {
	mu       sync.RWMutex
	params   Params
	dims     int
	dist     func(a, b []float32) float64
	nodes    map[int64]*node
	entry    int64
	hasEntry bool
	maxLevel int
	rng      *rand.Rand
}

// NewGraph creates an empty HNSW index for dims-dimensional vectors. seed
// makes layer assignment deterministic for tests; production callers
// should pass a time-derived seed.
func NewGraph(dims int, params Params, seed int64) *Graph {
	return &Graph{
		params: params,
		dims:   dims,
		dist:   distanceFunc(params.Metric),
		nodes:  make(map[int64]*node),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineDistance is 1 minus cosine similarity, so 0 means identical
// direction; zero vectors are treated as maximally distant from everything.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// dotDistance negates the dot product so that, consistent with every other
// metric here, a smaller value means "closer".
func dotDistance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return -dot
}

// candidate is one entry in the search frontier, ordered by distance.
type candidate struct {
	id   int64
	dist float64
}

type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxHeap struct{ minHeap }

func (h maxHeap) Less(i, j int) bool { return h.minHeap[i].dist > h.minHeap[j].dist }

const maxLevelCap = 16

// assignLevel draws a layer per floor(-ln(U(0,1)) * 1/ln(2)), capped at 16.
func (g *Graph) assignLevel() int {
	u := g.rng.Float64()
	if u == 0 {
		u = 1e-12
	}
	level := int(math.Floor(-math.Log(u) * (1.0 / math.Log(2))))
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

// Insert adds id -> vector to the graph.
func (g *Graph) Insert(id int64, vector []float32) error {
	if len(vector) != g.dims {
		return errDims(len(vector), g.dims)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	level := g.assignLevel()
	n := &node{id: id, vector: vector, neighbors: make([]map[int64]struct{}, level+1)}
	for i := range n.neighbors {
		n.neighbors[i] = make(map[int64]struct{})
	}
	g.nodes[id] = n

	if !g.hasEntry {
		g.entry = id
		g.hasEntry = true
		g.maxLevel = level
		return nil
	}

	entry := g.entry
	for lc := g.maxLevel; lc > level; lc-- {
		entry = g.greedyClosest(entry, vector, lc)
	}

	for lc := min(level, g.maxLevel); lc >= 0; lc-- {
		candidates := g.searchLayer(vector, entry, g.params.EfConstruction, lc)
		m := g.params.M
		if lc == 0 {
			m = g.params.M0
		}
		selected := selectNeighbors(candidates, m)
		for _, c := range selected {
			g.connect(n, g.nodes[c.id], lc, m)
		}
		if len(candidates) > 0 {
			entry = candidates[0].id
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = id
	}
	return nil
}

func (g *Graph) connect(a, b *node, level, maxNeighbors int) {
	a.neighbors[level][b.id] = struct{}{}
	b.neighbors[level][a.id] = struct{}{}

	if len(b.neighbors[level]) > maxNeighbors {
		g.pruneNeighbors(b, level, maxNeighbors)
	}
}

func (g *Graph) pruneNeighbors(n *node, level, maxNeighbors int) {
	cands := make([]candidate, 0, len(n.neighbors[level]))
	for id := range n.neighbors[level] {
		cands = append(cands, candidate{id: id, dist: g.dist(n.vector, g.nodes[id].vector)})
	}
	kept := selectNeighbors(cands, maxNeighbors)
	fresh := make(map[int64]struct{}, len(kept))
	for _, c := range kept {
		fresh[c.id] = struct{}{}
	}
	n.neighbors[level] = fresh
}

func selectNeighbors(cands []candidate, m int) []candidate {
	h := &minHeap{}
	heap.Init(h)
	for _, c := range cands {
		heap.Push(h, c)
	}
	out := make([]candidate, 0, m)
	for h.Len() > 0 && len(out) < m {
		out = append(out, heap.Pop(h).(candidate))
	}
	return out
}

// greedyClosest performs single-hop greedy descent from entry toward query
// at a single level, used to narrow the entry point before the full
// layer-0..level search.
func (g *Graph) greedyClosest(entry int64, query []float32, level int) int64 {
	current := entry
	currentDist := g.dist(g.nodes[current].vector, query)
	for {
		improved := false
		for id := range g.nodes[current].neighbors[level] {
			if d := g.dist(g.nodes[id].vector, query); d < currentDist {
				currentDist = d
				current = id
				improved = true
			}
		}
		if !improved {
			return current
		}
	}
}

// searchLayer performs a best-first search at one level, expanding up to
// ef candidates, following the paper's SEARCH-LAYER routine.
func (g *Graph) searchLayer(query []float32, entry int64, ef int, level int) []candidate {
	visited := map[int64]struct{}{entry: {}}

	entryDist := g.dist(g.nodes[entry].vector, query)
	candidates := &minHeap{{id: entry, dist: entryDist}}
	heap.Init(candidates)

	results := &maxHeap{minHeap{{id: entry, dist: entryDist}}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() > 0 && c.dist > results.minHeap[0].dist && results.Len() >= ef {
			break
		}

		for id := range g.nodes[c.id].neighbors[level] {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}

			d := g.dist(g.nodes[id].vector, query)
			if results.Len() < ef || d < results.minHeap[0].dist {
				heap.Push(candidates, candidate{id: id, dist: d})
				heap.Push(results, candidate{id: id, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// Result is one hit from Search.
type Result struct {
	ID   int64
	Dist float64
}

// Search returns up to k approximate nearest neighbors of query, nearest
// first, using the configured EfSearch candidate list size.
func (g *Graph) Search(query []float32, k int) ([]Result, error) {
	if len(query) != g.dims {
		return nil, errDims(len(query), g.dims)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.hasEntry {
		return nil, nil
	}

	entry := g.entry
	for lc := g.maxLevel; lc > 0; lc-- {
		entry = g.greedyClosest(entry, query, lc)
	}

	ef := g.params.EfSearch
	if ef < k {
		ef = k
	}
	candidates := g.searchLayer(query, entry, ef, 0)

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: c.id, Dist: c.dist}
	}
	return out, nil
}

// Delete removes id from the graph, patching every remaining node that
// listed it as a neighbor at every level it participated in.
func (g *Graph) Delete(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return false
	}
	delete(g.nodes, id)
	// Links are not always symmetric (pruneNeighbors drops one side only),
	// so every remaining node is patched, not just id's own neighbors.
	for _, other := range g.nodes {
		for level := range other.neighbors {
			delete(other.neighbors[level], id)
		}
	}

	if g.entry == id {
		g.hasEntry = false
		for otherID, other := range g.nodes {
			g.entry = otherID
			g.hasEntry = true
			g.maxLevel = len(other.neighbors) - 1
			break
		}
	}
	return true
}

// Size returns the number of vectors currently indexed.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Build discards the current graph and re-inserts every (id, vector) pair
// from scratch, satisfying the common index-manager rebuild contract
// (spec §4.6).
func (g *Graph) Build(pairs func(yield func(id int64, vector []float32) bool)) {
	g.mu.Lock()
	g.nodes = make(map[int64]*node)
	g.hasEntry = false
	g.maxLevel = 0
	g.mu.Unlock()

	pairs(func(id int64, vector []float32) bool {
		g.Insert(id, vector)
		return true
	})
}

type dimsError struct {
	got, want int
}

func (e dimsError) Error() string {
	return "hnsw: vector has wrong dimensionality"
}

func errDims(got, want int) error {
	return dimsError{got: got, want: want}
}

type gobNode struct {
	ID        int64
	Vector    []float32
	Neighbors []map[int64]struct{}
}

// Save serializes the graph with encoding/gob — same stdlib justification
// as pkg/hash and pkg/kdtree: no corpus example serializes a proximity
// graph, and gob is the standard library's answer for this shape.
func (g *Graph) Save() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	payload := struct {
		Params   Params
		Dims     int
		Entry    int64
		HasEntry bool
		MaxLevel int
		Nodes    []gobNode
	}{Params: g.params, Dims: g.dims, Entry: g.entry, HasEntry: g.hasEntry, MaxLevel: g.maxLevel}

	for _, n := range g.nodes {
		payload.Nodes = append(payload.Nodes, gobNode{ID: n.id, Vector: n.vector, Neighbors: n.neighbors})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a graph previously produced by Save.
func Load(data []byte, seed int64) (*Graph, error) {
	var payload struct {
		Params   Params
		Dims     int
		Entry    int64
		HasEntry bool
		MaxLevel int
		Nodes    []gobNode
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	g := &Graph{
		params:   payload.Params,
		dims:     payload.Dims,
		dist:     distanceFunc(payload.Params.Metric),
		nodes:    make(map[int64]*node),
		entry:    payload.Entry,
		hasEntry: payload.HasEntry,
		maxLevel: payload.MaxLevel,
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, n := range payload.Nodes {
		g.nodes[n.ID] = &node{id: n.ID, vector: n.Vector, neighbors: n.Neighbors}
	}
	return g, nil
}
