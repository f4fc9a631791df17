// Package index implements the per-collection vector index store.
//
// The store keeps vectors in a contiguous float32 arena with a record-id
// table and insertion sequence numbers. Deletes tombstone slots in a roaring
// bitmap and reclaim space lazily via Compact. Search is exact k-NN: results
// are ordered by non-decreasing distance, with ties broken by insertion
// order. Durability comes from snapshots (see snapshot.go) combined with the
// collection WAL.
package index

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/embeddb/embeddb/distance"
)

// ErrNotFound is returned when an id has no live vector in the store.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("id %q not found in index", e.ID)
}

// ErrIDExists is returned when inserting an id that is already live.
type ErrIDExists struct {
	ID string
}

func (e *ErrIDExists) Error() string {
	return fmt.Sprintf("id %q already exists in index", e.ID)
}

// ErrDimensionMismatch indicates a vector whose length does not match the
// store dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SearchResult is a single query match.
type SearchResult struct {
	ID       string
	Distance float32
	Seq      uint64
}

// Store is the vector index for one collection.
//
// It is safe for concurrent use: queries take a read lock and may run in
// parallel, mutations take the write lock. The coordinator additionally
// serializes mutations across the catalog and the WAL.
type Store struct {
	mu sync.RWMutex

	dim     int
	metric  distance.Metric
	distFn  distance.Func
	vectors []float32 // arena, len = slots * dim
	ids     []string  // per slot
	seqs    []uint64  // per slot, insertion order
	byID    map[string]uint32
	deleted *roaring.Bitmap // tombstoned slots
	maxSeq  uint64
}

// New creates an empty store. dim may be 0, in which case the dimensionality
// is fixed by the first insert.
func New(dim int, metric distance.Metric) (*Store, error) {
	if dim < 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dim)
	}
	distFn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	return &Store{
		dim:     dim,
		metric:  metric,
		distFn:  distFn,
		byID:    make(map[string]uint32),
		deleted: roaring.New(),
	}, nil
}

// Dimension returns the store dimensionality (0 until the first insert when
// created without one).
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Metric returns the configured distance metric.
func (s *Store) Metric() distance.Metric { return s.metric }

// MaxSeq returns the highest sequence number applied to the store.
func (s *Store) MaxSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq
}

// Count returns the number of live vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids) - int(s.deleted.GetCardinality())
}

// DeletedRatio returns the fraction of slots that are tombstoned.
func (s *Store) DeletedRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return 0
	}
	return float64(s.deleted.GetCardinality()) / float64(len(s.ids))
}

func (s *Store) checkVector(vector []float32) error {
	if s.dim == 0 {
		if len(vector) == 0 {
			return &ErrDimensionMismatch{Expected: 1, Actual: 0}
		}
		s.dim = len(vector)
		return nil
	}
	if len(vector) != s.dim {
		return &ErrDimensionMismatch{Expected: s.dim, Actual: len(vector)}
	}
	return nil
}

// Insert appends a vector under id with the given sequence number.
// Amortized O(1): an arena append plus map and bitmap updates.
func (s *Store) Insert(id string, vector []float32, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; ok {
		return &ErrIDExists{ID: id}
	}
	if err := s.checkVector(vector); err != nil {
		return err
	}

	slot := uint32(len(s.ids))
	s.vectors = append(s.vectors, vector...)
	s.ids = append(s.ids, id)
	s.seqs = append(s.seqs, seq)
	s.byID[id] = slot
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
	return nil
}

// Update replaces the vector stored under id. The record keeps its original
// insertion order for tie-breaking; seq advances the store watermark only.
func (s *Store) Update(id string, vector []float32, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.byID[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	if err := s.checkVector(vector); err != nil {
		return err
	}

	copy(s.vectors[int(slot)*s.dim:], vector)
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
	return nil
}

// Delete tombstones the vector stored under id. Space is reclaimed later by
// Compact.
func (s *Store) Delete(id string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.byID[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	delete(s.byID, id)
	s.deleted.Add(slot)
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
	return nil
}

// Get returns a copy of the vector stored under id.
func (s *Store) Get(id string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(s.vectorAt(slot)), true
}

func (s *Store) vectorAt(slot uint32) []float32 {
	off := int(slot) * s.dim
	return s.vectors[off : off+s.dim]
}

// Search returns the min(k, live) nearest vectors to query, ordered by
// non-decreasing distance; equal distances are ordered by insertion.
func (s *Store) Search(query []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dim != 0 && len(query) != s.dim {
		return nil, &ErrDimensionMismatch{Expected: s.dim, Actual: len(query)}
	}

	results := make([]SearchResult, 0, len(s.byID))
	for slot, id := range s.ids {
		if s.deleted.Contains(uint32(slot)) {
			continue
		}
		results = append(results, SearchResult{
			ID:       id,
			Distance: s.distFn(query, s.vectorAt(uint32(slot))),
			Seq:      s.seqs[slot],
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Seq < results[j].Seq
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// IDs returns the live ids in insertion order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byID))
	for slot, id := range s.ids {
		if s.deleted.Contains(uint32(slot)) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Compact rewrites the arena without tombstoned slots, preserving insertion
// order. Returns the number of slots reclaimed.
func (s *Store) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactLocked() int {
	reclaimed := int(s.deleted.GetCardinality())
	if reclaimed == 0 {
		return 0
	}

	live := len(s.ids) - reclaimed
	vectors := make([]float32, 0, live*s.dim)
	ids := make([]string, 0, live)
	seqs := make([]uint64, 0, live)
	byID := make(map[string]uint32, live)

	for slot, id := range s.ids {
		if s.deleted.Contains(uint32(slot)) {
			continue
		}
		byID[id] = uint32(len(ids))
		vectors = append(vectors, s.vectorAt(uint32(slot))...)
		ids = append(ids, id)
		seqs = append(seqs, s.seqs[slot])
	}

	s.vectors = vectors
	s.ids = ids
	s.seqs = seqs
	s.byID = byID
	s.deleted = roaring.New()
	return reclaimed
}
