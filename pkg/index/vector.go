package index

import (
	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/hnsw"
	"github.com/bobboyms/kvengine/pkg/kdtree"
	"github.com/bobboyms/kvengine/pkg/types"
)

// VectorResult is one hit from a vector index query.
type VectorResult struct {
	PK   int64
	Dist float64
}

// VectorIndex is the contract vector columns are indexed under (spec
// §4.6.1 "KD-tree" supplement and §4.6.2 HNSW); it deliberately does not
// share ScalarIndex's shape since nearest-neighbor and range-box queries
// have no scalar lookup/range equivalent.
type VectorIndex interface {
	Insert(vector []float32, pk int64) error
	Delete(vector []float32, pk int64) error
	Nearest(query []float32, k int) ([]VectorResult, error)
	Save() ([]byte, error)
	Load(data []byte) error
	Build(rows func(yield func(vector []float32, pk int64) bool)) error
}

// kdTreeIndex adapts pkg/kdtree to VectorIndex, additionally exposing
// RangeSearch for bounding-box queries pkg/kdtree supports natively.
type kdTreeIndex struct {
	dims int
	tree *kdtree.Tree
}

// NewKDTreeIndex creates a KD-tree-backed vector index over dims-wide
// vectors.
func NewKDTreeIndex(dims int) VectorIndex {
	return &kdTreeIndex{dims: dims, tree: kdtree.NewTree(dims)}
}

func (k *kdTreeIndex) Insert(vector []float32, pk int64) error {
	return k.tree.Insert(vector, pk)
}

func (k *kdTreeIndex) Delete(vector []float32, pk int64) error {
	k.tree.Delete(vector, pk)
	return nil
}

func (k *kdTreeIndex) Nearest(query []float32, n int) ([]VectorResult, error) {
	results, err := k.tree.Nearest(query, n)
	if err != nil {
		return nil, err
	}
	return toVectorResults(results), nil
}

// RangeSearch returns every indexed point within the axis-aligned box
// [min, max], a KD-tree-specific query pkg/hnsw cannot offer.
func (k *kdTreeIndex) RangeSearch(min, max []float32) ([]VectorResult, error) {
	results, err := k.tree.RangeSearch(min, max)
	if err != nil {
		return nil, err
	}
	return toVectorResults(results), nil
}

func toVectorResults(results []kdtree.Result) []VectorResult {
	out := make([]VectorResult, len(results))
	for i, r := range results {
		out[i] = VectorResult{PK: r.Value, Dist: r.Dist}
	}
	return out
}

func (k *kdTreeIndex) Save() ([]byte, error) { return k.tree.Save() }

func (k *kdTreeIndex) Load(data []byte) error {
	loaded, err := kdtree.Load(data)
	if err != nil {
		return err
	}
	k.tree = loaded
	k.dims = loaded.Dims()
	return nil
}

func (k *kdTreeIndex) Build(rows func(yield func(vector []float32, pk int64) bool)) error {
	var points []kdtree.Result
	rows(func(vector []float32, pk int64) bool {
		points = append(points, kdtree.Result{Point: vector, Value: pk})
		return true
	})
	k.tree.Build(points)
	return nil
}

// hnswIndex adapts pkg/hnsw to VectorIndex.
type hnswIndex struct {
	dims  int
	graph *hnsw.Graph
	seed  int64
}

// NewHNSWIndex creates an HNSW-backed approximate vector index. seed fixes
// the layer-assignment RNG for reproducible tests; production callers
// should derive it from a real entropy source once per index.
func NewHNSWIndex(dims int, params hnsw.Params, seed int64) VectorIndex {
	return &hnswIndex{dims: dims, graph: hnsw.NewGraph(dims, params, seed), seed: seed}
}

func (h *hnswIndex) Insert(vector []float32, pk int64) error {
	return h.graph.Insert(pk, vector)
}

func (h *hnswIndex) Delete(vector []float32, pk int64) error {
	h.graph.Delete(pk)
	return nil
}

func (h *hnswIndex) Nearest(query []float32, k int) ([]VectorResult, error) {
	results, err := h.graph.Search(query, k)
	if err != nil {
		return nil, err
	}
	out := make([]VectorResult, len(results))
	for i, r := range results {
		out[i] = VectorResult{PK: r.ID, Dist: r.Dist}
	}
	return out, nil
}

func (h *hnswIndex) Save() ([]byte, error) { return h.graph.Save() }

func (h *hnswIndex) Load(data []byte) error {
	loaded, err := hnsw.Load(data, h.seed)
	if err != nil {
		return err
	}
	h.graph = loaded
	return nil
}

func (h *hnswIndex) Build(rows func(yield func(vector []float32, pk int64) bool)) error {
	h.graph.Build(func(yield func(id int64, vector []float32) bool) {
		rows(func(vector []float32, pk int64) bool {
			return yield(pk, vector)
		})
	})
	return nil
}

// vectorOf extracts the []float32 payload a VectorIndex needs out of a
// types.Value, erroring for any non-vector kind.
func vectorOf(v types.Value) ([]float32, error) {
	if v.Kind != types.KindVector {
		return nil, &kverrors.TypeMismatchError{Expected: "VECTOR", Got: v.Kind.String()}
	}
	return v.Vector, nil
}
