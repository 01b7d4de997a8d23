package index

import (
	"sync"

	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Manager is the process-wide registry of secondary indexes a table's
// columns are built over: one ScalarIndex or VectorIndex per indexed
// column, named `idx_{table}_{column}` (spec §3), plus the single
// default_value_index row mirror.
type Manager struct {
	mu        sync.RWMutex
	scalars   map[string]ScalarIndex
	vectors   map[string]VectorIndex
	rowMirror *RowMirrorIndex
}

// NewManager creates an empty index registry. rowMirror may be nil when
// the default_value_index is not wired up (spec §9 leaves it optional).
func NewManager(rowMirror *RowMirrorIndex) *Manager {
	return &Manager{
		scalars:   make(map[string]ScalarIndex),
		vectors:   make(map[string]VectorIndex),
		rowMirror: rowMirror,
	}
}

// RegisterScalar adds a named scalar index (hash- or btree-backed).
func (m *Manager) RegisterScalar(name string, idx ScalarIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[name] = idx
}

// RegisterVector adds a named vector index (kdtree- or hnsw-backed).
func (m *Manager) RegisterVector(name string, idx VectorIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[name] = idx
}

// Drop removes a named index of either kind.
func (m *Manager) Drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scalars, name)
	delete(m.vectors, name)
}

// HasScalar reports whether a scalar index is registered under name,
// consulted by the planner's index-selection rule.
func (m *Manager) HasScalar(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.scalars[name]
	return ok
}

// HasVector reports whether a vector index is registered under name.
func (m *Manager) HasVector(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vectors[name]
	return ok
}

func (m *Manager) scalar(name string) (ScalarIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.scalars[name]
	if !ok {
		return nil, kverrors.Newf(kverrors.KindNotFound, "no scalar index named %q", name)
	}
	return idx, nil
}

func (m *Manager) vector(name string) (VectorIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.vectors[name]
	if !ok {
		return nil, kverrors.Newf(kverrors.KindNotFound, "no vector index named %q", name)
	}
	return idx, nil
}

// InsertScalar inserts value->pk into the named scalar index.
func (m *Manager) InsertScalar(name string, value types.Value, pk int64) error {
	idx, err := m.scalar(name)
	if err != nil {
		return err
	}
	return idx.Insert(value, pk)
}

// DeleteScalar removes value->pk from the named scalar index.
func (m *Manager) DeleteScalar(name string, value types.Value, pk int64) error {
	idx, err := m.scalar(name)
	if err != nil {
		return err
	}
	return idx.Delete(value, pk)
}

// LookupScalar returns every primary key stored under value in the named
// scalar index.
func (m *Manager) LookupScalar(name string, value types.Value) ([]int64, error) {
	idx, err := m.scalar(name)
	if err != nil {
		return nil, err
	}
	return idx.Lookup(value)
}

// RangeScalar returns every primary key in [lo, hi] in the named scalar
// index (btree-backed indexes only; hash returns an error).
func (m *Manager) RangeScalar(name string, lo, hi types.Value) ([]int64, error) {
	idx, err := m.scalar(name)
	if err != nil {
		return nil, err
	}
	return idx.Range(lo, hi)
}

// ScalarNames lists every registered scalar index name, for checkpointing
// every index a table owns without the caller needing to know them ahead of
// time.
func (m *Manager) ScalarNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.scalars))
	for name := range m.scalars {
		names = append(names, name)
	}
	return names
}

// SaveScalar serializes the named scalar index for a checkpoint.
func (m *Manager) SaveScalar(name string) ([]byte, error) {
	idx, err := m.scalar(name)
	if err != nil {
		return nil, err
	}
	return idx.Save()
}

// LoadScalar restores the named scalar index from a checkpoint blob,
// replacing its current content.
func (m *Manager) LoadScalar(name string, data []byte) error {
	idx, err := m.scalar(name)
	if err != nil {
		return err
	}
	return idx.Load(data)
}

// InsertVector inserts a VECTOR-kind value into the named vector index.
func (m *Manager) InsertVector(name string, value types.Value, pk int64) error {
	idx, err := m.vector(name)
	if err != nil {
		return err
	}
	vec, err := vectorOf(value)
	if err != nil {
		return err
	}
	return idx.Insert(vec, pk)
}

// DeleteVector removes a VECTOR-kind value's entry from the named vector
// index.
func (m *Manager) DeleteVector(name string, value types.Value, pk int64) error {
	idx, err := m.vector(name)
	if err != nil {
		return err
	}
	vec, err := vectorOf(value)
	if err != nil {
		return err
	}
	return idx.Delete(vec, pk)
}

// NearestVector returns the k nearest neighbors of query in the named
// vector index.
func (m *Manager) NearestVector(name string, query types.Value, k int) ([]VectorResult, error) {
	idx, err := m.vector(name)
	if err != nil {
		return nil, err
	}
	vec, err := vectorOf(query)
	if err != nil {
		return nil, err
	}
	return idx.Nearest(vec, k)
}

// RowMirror returns the registered default_value_index, or nil if none is
// configured (spec §9 leaves its presence optional).
func (m *Manager) RowMirror() *RowMirrorIndex {
	return m.rowMirror
}
