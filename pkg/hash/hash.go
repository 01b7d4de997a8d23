// Package hash implements the bucket-array hash index: O(1) point lookups
// over an arbitrary byte-encoded key, with no ordering guarantee (range
// scans are not supported — that's what pkg/btree is for). A key may map
// to more than one value, matching the index manager's "lookup(value) ->
// set of primary keys" contract (spec §4.6); a unique index additionally
// rejects a second distinct key->value pairing.
package hash

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	initialCapacity     = 32
	loadFactorThreshold = 0.7
)

type entry struct {
	Key   []byte
	Value int64
}

// Index is a concurrent, resizable hash multimap keyed by an arbitrary
// byte string (the caller is responsible for canonical encoding, typically
// types.Value.Encode).
type Index struct {
	mu       sync.RWMutex
	buckets  [][]entry
	size     int
	capacity int
	unique   bool
}

// NewIndex creates an empty hash index. unique rejects an Insert that would
// pair a key with a second, different value; re-inserting an identical pair
// is accepted.
func NewIndex(unique bool) *Index {
	return &Index{
		buckets:  make([][]entry, initialCapacity),
		capacity: initialCapacity,
		unique:   unique,
	}
}

func (h *Index) bucketFor(key []byte, capacity int) int {
	return int(xxhash.Sum64(key) % uint64(capacity))
}

// Insert adds key -> value. If unique and key already maps to a (possibly
// different) value, returns false without modifying the index. Re-inserting
// an identical (key, value) pair is idempotent.
func (h *Index) Insert(key []byte, value int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.bucketFor(key, h.capacity)
	sawKey := false
	for _, e := range h.buckets[idx] {
		if bytes.Equal(e.Key, key) {
			if e.Value == value {
				return true
			}
			sawKey = true
		}
	}
	if sawKey && h.unique {
		return false
	}

	h.buckets[idx] = append(h.buckets[idx], entry{Key: append([]byte(nil), key...), Value: value})
	h.size++

	if float64(h.size)/float64(h.capacity) > loadFactorThreshold {
		h.resize()
	}
	return true
}

func (h *Index) resize() {
	newCapacity := h.capacity * 2
	newBuckets := make([][]entry, newCapacity)

	for _, bucket := range h.buckets {
		for _, e := range bucket {
			idx := h.bucketFor(e.Key, newCapacity)
			newBuckets[idx] = append(newBuckets[idx], e)
		}
	}

	h.buckets = newBuckets
	h.capacity = newCapacity
}

// Lookup returns every value stored for key, the "set of primary keys" of
// spec §4.6. The returned slice is a defensive copy.
func (h *Index) Lookup(key []byte) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	idx := h.bucketFor(key, h.capacity)
	var out []int64
	for _, e := range h.buckets[idx] {
		if bytes.Equal(e.Key, key) {
			out = append(out, e.Value)
		}
	}
	return out
}

// Delete removes the (key, value) pair, returning whether it was present.
func (h *Index) Delete(key []byte, value int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.bucketFor(key, h.capacity)
	for i, e := range h.buckets[idx] {
		if bytes.Equal(e.Key, key) && e.Value == value {
			h.buckets[idx] = append(h.buckets[idx][:i], h.buckets[idx][i+1:]...)
			h.size--
			return true
		}
	}
	return false
}

// Size returns the number of (key, value) pairs currently stored.
func (h *Index) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// gobImage is the on-disk shape for Save/Load — exported-field mirror of
// Index's private state, since gob cannot encode unexported fields.
type gobImage struct {
	Buckets  [][]entry
	Size     int
	Capacity int
	Unique   bool
}

// Save serializes the index with encoding/gob (stdlib default for a
// self-referential struct graph with no corpus-wide wire format implicated).
func (h *Index) Save() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	img := gobImage{Buckets: h.buckets, Size: h.size, Capacity: h.capacity, Unique: h.unique}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores an index previously produced by Save.
func Load(data []byte) (*Index, error) {
	var img gobImage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&img); err != nil {
		return nil, err
	}
	return &Index{buckets: img.Buckets, size: img.Size, capacity: img.Capacity, unique: img.Unique}, nil
}

// Build discards the current contents and rebuilds the index from scratch
// over the supplied (key, value) pairs, as required when a secondary index
// must be reconstructed from base-table data (spec §4.6 "build").
func (h *Index) Build(pairs func(yield func(key []byte, value int64) bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets = make([][]entry, initialCapacity)
	h.capacity = initialCapacity
	h.size = 0

	pairs(func(key []byte, value int64) bool {
		idx := h.bucketFor(key, h.capacity)
		h.buckets[idx] = append(h.buckets[idx], entry{Key: append([]byte(nil), key...), Value: value})
		h.size++
		if float64(h.size)/float64(h.capacity) > loadFactorThreshold {
			h.resize()
		}
		return true
	})
}
