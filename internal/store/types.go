// Package store provides the approximate-nearest-neighbor capability used by
// index shards: an HNSW graph keyed by string IDs with lazy deletion and
// orphan-driven compaction.
package store

import (
	"context"
	"fmt"
)

// Metric names accepted by VectorStoreConfig.
const (
	MetricCosine = "cos"
	MetricL2     = "l2"
	MetricDot    = "dot"
)

// VectorResult is one ANN hit.
type VectorResult struct {
	ID       string
	Distance float32 // lower is closer
	Score    float32 // higher is more similar
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension.
	Dimensions int

	// Metric is the distance metric: "cos", "l2" or "dot" (default: "cos").
	Metric string

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfConstruction is kept for parity with index definitions; coder/hnsw
	// builds with EfSearch as its candidate list size.
	EfConstruction int

	// EfSearch is the query-time candidate list size (default: 20).
	EfSearch int

	// MaxElements caps live vectors; 0 means unbounded.
	MaxElements int
}

// DefaultVectorStoreConfig returns sensible defaults for vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Metric:         MetricCosine,
		M:              16,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore is the ANN capability an index replica writes to and searches.
type VectorStore interface {
	// Add inserts vectors with their IDs. If an ID exists, it is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds k nearest neighbors to query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns all live vector IDs.
	AllIDs() []string

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns the number of live vectors.
	Count() int

	// Close releases resources.
	Close() error
}

// ErrDimensionMismatch reports a vector of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
