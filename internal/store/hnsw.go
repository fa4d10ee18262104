package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/coder/hnsw"

	"github.com/Aman-CERP/vectorsync/internal/errors"
)

// HNSWStore implements VectorStore on top of coder/hnsw.
//
// Deletes and replacements are lazy: the old graph node stays in place and
// its internal key is recorded in an orphan bitmap. Compact rebuilds the
// graph from live nodes once orphans pile up.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64 // string ID -> internal key
	keyMap  map[uint64]string // internal key -> string ID
	orphans *roaring64.Bitmap // internal keys still in the graph but not live
	nextKey uint64

	closed bool
}

// NewHNSWStore creates a new HNSW-based vector store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	switch cfg.Metric {
	case MetricCosine, MetricL2, MetricDot:
	default:
		return nil, fmt.Errorf("unsupported metric %q", cfg.Metric)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &HNSWStore{
		graph:   newGraph(cfg),
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		orphans: roaring64.New(),
	}, nil
}

func newGraph(cfg VectorStoreConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case MetricL2:
		g.Distance = hnsw.EuclideanDistance
	case MetricDot:
		g.Distance = negativeDot
	default:
		g.Distance = hnsw.CosineDistance
	}
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

// Config returns the effective configuration.
func (s *HNSWStore) Config() VectorStoreConfig {
	return s.config
}

// Add inserts vectors with their IDs, replacing existing ones.
// It fails with an IndexCapacity error, before changing anything, when the
// batch would take the live count past MaxElements.
func (s *HNSWStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	if s.config.MaxElements > 0 {
		fresh := make(map[string]struct{})
		for _, id := range ids {
			if _, ok := s.idMap[id]; !ok {
				fresh[id] = struct{}{}
			}
		}
		if len(s.idMap)+len(fresh) > s.config.MaxElements {
			return errors.New(errors.ErrCodeIndexCapacity,
				fmt.Sprintf("capacity %d exceeded: %d live, %d new", s.config.MaxElements, len(s.idMap), len(fresh)), nil)
		}
	}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if old, ok := s.idMap[id]; ok {
			delete(s.keyMap, old)
			s.orphans.Add(old)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.config.Metric == MetricCosine {
			normalizeVectorInPlace(vec)
		}

		if err := s.insert(key, vec); err != nil {
			delete(s.idMap, id)
			return err
		}
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	return nil
}

// insert adds one node, turning a panic inside the graph into IndexCorrupt.
func (s *HNSWStore) insert(key uint64, vec []float32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrCodeIndexCorrupt, fmt.Sprintf("hnsw insert failed: %v", r), nil)
		}
	}()
	s.graph.Add(hnsw.MakeNode(key, vec))
	return nil
}

// Search finds the k nearest live neighbors of query.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int) (results []*VectorResult, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrClosed
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if k <= 0 || len(s.idMap) == 0 {
		return []*VectorResult{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if s.config.Metric == MetricCosine {
		normalizeVectorInPlace(q)
	}

	// Orphans can occupy result slots, so ask for enough to cover them.
	fetch := k + int(s.orphans.GetCardinality())
	if n := s.graph.Len(); fetch > n {
		fetch = n
	}

	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = errors.New(errors.ErrCodeIndexCorrupt, fmt.Sprintf("hnsw search failed: %v", r), nil)
		}
	}()
	nodes := s.graph.Search(q, fetch)

	results = make([]*VectorResult, 0, min(k, len(nodes)))
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		distance := s.graph.Distance(q, node.Value)
		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Delete removes vectors by ID.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}

	for _, id := range ids {
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			s.orphans.Add(key)
		}
	}
	return nil
}

// AllIDs returns all vector IDs in the store.
func (s *HNSWStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains checks if ID exists.
func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, ok := s.idMap[id]
	return ok
}

// Count returns number of vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// HNSWStats describes live and orphaned graph nodes.
type HNSWStats struct {
	ValidIDs   int // live vectors
	GraphNodes int // nodes in the graph, orphans included
	Orphans    int // lazily deleted nodes
}

// OrphanRatio is Orphans / GraphNodes, or 0 for an empty graph.
func (st HNSWStats) OrphanRatio() float64 {
	if st.GraphNodes == 0 {
		return 0
	}
	return float64(st.Orphans) / float64(st.GraphNodes)
}

// Stats returns HNSW store statistics for compaction decisions.
func (s *HNSWStore) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HNSWStats{}
	}
	return HNSWStats{
		ValidIDs:   len(s.idMap),
		GraphNodes: s.graph.Len(),
		Orphans:    int(s.orphans.GetCardinality()),
	}
}

// NeedsCompaction reports whether the orphan count and ratio both exceed the thresholds.
func (s *HNSWStore) NeedsCompaction(threshold float64, minOrphans int) bool {
	st := s.Stats()
	return st.Orphans > 0 && st.Orphans >= minOrphans && st.OrphanRatio() > threshold
}

// Compact rebuilds the graph from live nodes and returns the number of
// orphans dropped.
func (s *HNSWStore) Compact(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrClosed
	}

	dropped := int(s.orphans.GetCardinality())
	if dropped == 0 {
		return 0, nil
	}

	old := s.graph
	s.graph = newGraph(s.config)
	idMap := make(map[string]uint64, len(s.idMap))
	keyMap := make(map[uint64]string, len(s.idMap))
	s.nextKey = 0

	for id, oldKey := range s.idMap {
		if err := ctx.Err(); err != nil {
			s.graph = old
			return 0, err
		}
		vec, ok := old.Lookup(oldKey)
		if !ok {
			s.graph = old
			return 0, errors.New(errors.ErrCodeIndexCorrupt, fmt.Sprintf("live id %q missing from graph", id), nil)
		}
		key := s.nextKey
		s.nextKey++
		if err := s.insert(key, vec); err != nil {
			s.graph = old
			return 0, err
		}
		idMap[id] = key
		keyMap[key] = id
	}

	s.idMap = idMap
	s.keyMap = keyMap
	s.orphans.Clear()
	return dropped, nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	s.orphans = nil
	return nil
}

var _ VectorStore = (*HNSWStore)(nil)

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// negativeDot turns inner product into a distance (smaller is closer).
func negativeDot(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

// distanceToScore converts a distance value to a similarity score.
// cos: 1 - d/2 (d in [0,2]); l2: 1/(1+d); dot: the inner product itself.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case MetricL2:
		return 1.0 / (1.0 + distance)
	case MetricDot:
		return -distance
	default:
		return 1.0 - distance/2.0
	}
}

// Score computes the similarity of a and b exactly, on the same scale as
// Search results. Used for brute-force scans over small candidate sets.
func Score(metric string, a, b []float32) float32 {
	switch metric {
	case MetricL2:
		return distanceToScore(hnsw.EuclideanDistance(a, b), metric)
	case MetricDot:
		return distanceToScore(negativeDot(a, b), metric)
	default:
		na := make([]float32, len(a))
		nb := make([]float32, len(b))
		copy(na, a)
		copy(nb, b)
		normalizeVectorInPlace(na)
		normalizeVectorInPlace(nb)
		return distanceToScore(hnsw.CosineDistance(na, nb), metric)
	}
}
