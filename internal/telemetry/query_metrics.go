package telemetry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is a coarse search latency class.
type LatencyBucket string

const (
	BucketP1    LatencyBucket = "p1"    // <1ms
	BucketP10   LatencyBucket = "p10"   // 1-10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP1000 LatencyBucket = "p1000" // >=100ms
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < time.Millisecond:
		return BucketP1
	case d < 10*time.Millisecond:
		return BucketP10
	case d < 50*time.Millisecond:
		return BucketP50
	case d < 100*time.Millisecond:
		return BucketP100
	default:
		return BucketP1000
	}
}

// QueryEvent describes one completed search.
type QueryEvent struct {
	Index       string
	Status      string
	ResultCount int
	Latency     time.Duration
	Timestamp   time.Time
	// Fingerprint identifies the query (vector, k, filter) for repeat detection.
	Fingerprint uint64
	// Vector is sampled for near-duplicate detection; may be nil.
	Vector []float32
}

// IsZeroResult returns true if the search returned nothing.
func (e QueryEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer; capacity <= 0 defaults to 100.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear empties the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// IndexCount is a per-index query count.
type IndexCount struct {
	Index string `json:"index"`
	Count int64  `json:"count"`
}

// ZeroResultQuery records a search that matched nothing.
type ZeroResultQuery struct {
	Index string    `json:"index"`
	At    time.Time `json:"at"`
}

// QueryMetricsSnapshot is an immutable copy of the aggregates.
type QueryMetricsSnapshot struct {
	StatusCounts        map[string]int64        `json:"status_counts"`
	TopIndexes          []IndexCount            `json:"top_indexes"`
	ZeroResultQueries   []ZeroResultQuery       `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	Since               time.Time               `json:"since"`

	ExactRepeatCount  int64   `json:"exact_repeat_count"`
	ExactRepeatRate   float64 `json:"exact_repeat_rate"`
	SimilarQueryCount int64   `json:"similar_query_count"`
	SimilarQueryRate  float64 `json:"similar_query_rate"`
	UniqueQueryCount  int64   `json:"unique_query_count"`
}

// ZeroResultPercentage returns the share of zero-result searches in percent.
func (s *QueryMetricsSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// RepetitionSummary returns a one-line summary of repeat rates.
func (s *QueryMetricsSnapshot) RepetitionSummary() string {
	if s.TotalQueries == 0 {
		return "No queries recorded"
	}
	return fmt.Sprintf("exact=%.1f%%, similar=%.1f%%, unique=%d",
		s.ExactRepeatRate*100, s.SimilarQueryRate*100, s.UniqueQueryCount)
}

// QueryMetricsConfig sizes the in-memory aggregates.
type QueryMetricsConfig struct {
	TopIndexesCapacity    int     // default 100
	ZeroResultsCapacity   int     // default 100
	RecentQueriesCapacity int     // default 500
	RecentVectorsCapacity int     // default 10
	SimilarityThreshold   float64 // default 0.95
}

// DefaultQueryMetricsConfig returns the defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopIndexesCapacity:    100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
		RecentVectorsCapacity: 10,
		SimilarityThreshold:   0.95,
	}
}

// QueryMetrics aggregates search statistics in memory. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.RWMutex

	statuses        map[string]int64
	topIndexes      *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[ZeroResultQuery]
	latencies       map[LatencyBucket]int64
	totalQueries    int64
	zeroResultCount int64
	startTime       time.Time

	recentQueries     *lru.Cache[uint64, struct{}]
	exactRepeatCount  int64
	recentVectors     *CircularBuffer[[]float32]
	similarQueryCount int64

	config QueryMetricsConfig
}

// NewQueryMetrics creates a collector with default configuration.
func NewQueryMetrics() *QueryMetrics {
	return NewQueryMetricsWithConfig(DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector.
func NewQueryMetricsWithConfig(cfg QueryMetricsConfig) *QueryMetrics {
	d := DefaultQueryMetricsConfig()
	if cfg.TopIndexesCapacity <= 0 {
		cfg.TopIndexesCapacity = d.TopIndexesCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = d.ZeroResultsCapacity
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = d.RecentQueriesCapacity
	}
	if cfg.RecentVectorsCapacity <= 0 {
		cfg.RecentVectorsCapacity = d.RecentVectorsCapacity
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = d.SimilarityThreshold
	}

	topIndexes, _ := lru.New[string, int64](cfg.TopIndexesCapacity)
	recentQueries, _ := lru.New[uint64, struct{}](cfg.RecentQueriesCapacity)

	return &QueryMetrics{
		statuses:      make(map[string]int64),
		topIndexes:    topIndexes,
		zeroResults:   NewCircularBuffer[ZeroResultQuery](cfg.ZeroResultsCapacity),
		latencies:     make(map[LatencyBucket]int64),
		startTime:     time.Now(),
		recentQueries: recentQueries,
		recentVectors: NewCircularBuffer[[]float32](cfg.RecentVectorsCapacity),
		config:        cfg,
	}
}

// Record captures one search.
func (m *QueryMetrics) Record(event QueryEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[event.Status]++
	m.totalQueries++

	count, _ := m.topIndexes.Get(event.Index)
	m.topIndexes.Add(event.Index, count+1)

	if event.IsZeroResult() {
		at := event.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		m.zeroResults.Add(ZeroResultQuery{Index: event.Index, At: at})
		m.zeroResultCount++
	}

	m.latencies[LatencyToBucket(event.Latency)]++

	if _, exists := m.recentQueries.Get(event.Fingerprint); exists {
		m.exactRepeatCount++
	}
	m.recentQueries.Add(event.Fingerprint, struct{}{})

	if len(event.Vector) > 0 {
		for _, prev := range m.recentVectors.Items() {
			if cosineSimilarity(event.Vector, prev) > m.config.SimilarityThreshold {
				m.similarQueryCount++
				break
			}
		}
		vec := make([]float32, len(event.Vector))
		copy(vec, event.Vector)
		m.recentVectors.Add(vec)
	}
}

// cosineSimilarity returns 0 for empty or mismatched vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Snapshot copies the current aggregates.
func (m *QueryMetrics) Snapshot() *QueryMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]int64, len(m.statuses))
	for k, v := range m.statuses {
		statuses[k] = v
	}

	var top []IndexCount
	for _, key := range m.topIndexes.Keys() {
		if count, ok := m.topIndexes.Peek(key); ok {
			top = append(top, IndexCount{Index: key, Count: count})
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Index < top[j].Index
	})

	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	var exactRate, similarRate float64
	if m.totalQueries > 0 {
		exactRate = float64(m.exactRepeatCount) / float64(m.totalQueries)
		similarRate = float64(m.similarQueryCount) / float64(m.totalQueries)
	}

	return &QueryMetricsSnapshot{
		StatusCounts:        statuses,
		TopIndexes:          top,
		ZeroResultQueries:   m.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalQueries:        m.totalQueries,
		ZeroResultCount:     m.zeroResultCount,
		Since:               m.startTime,
		ExactRepeatCount:    m.exactRepeatCount,
		ExactRepeatRate:     exactRate,
		SimilarQueryCount:   m.similarQueryCount,
		SimilarQueryRate:    similarRate,
		UniqueQueryCount:    int64(m.recentQueries.Len()),
	}
}

// Reset clears every aggregate and restarts the window.
func (m *QueryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses = make(map[string]int64)
	m.topIndexes.Purge()
	m.zeroResults.Clear()
	m.latencies = make(map[LatencyBucket]int64)
	m.totalQueries = 0
	m.zeroResultCount = 0
	m.startTime = time.Now()
	m.recentQueries.Purge()
	m.exactRepeatCount = 0
	m.recentVectors.Clear()
	m.similarQueryCount = 0
}
