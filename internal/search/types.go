// Package search serves similarity queries over registered index cores and
// tags every response with how fresh the answer is.
package search

import (
	"context"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/index"
)

// Status says how far a response may be behind the source table.
type Status string

const (
	// StatusFresh: every partition is streaming within the stale-lag bound.
	StatusFresh Status = "fresh"
	// StatusPartial: the initial backfill is still running.
	StatusPartial Status = "partial"
	// StatusStale: a partition is reconnecting or lagging.
	StatusStale Status = "stale"
	// StatusDegraded: the core rejects writes or a partition has failed.
	StatusDegraded Status = "degraded"
)

// Freshness is the sync state of one index as seen by the query path.
type Freshness struct {
	Backfilling  bool
	Reconnecting bool
	Failed       bool
	MaxLag       uint64
}

// Target is a searchable index.
type Target interface {
	Core() *index.Core
	Freshness() Freshness
}

// Resolver finds targets by index name.
type Resolver interface {
	Lookup(name string) (Target, error)
}

// MinConsistency bounds how stale a response may be. The query waits until
// every partition's lag is at most MaxLag, or Timeout passes.
type MinConsistency struct {
	MaxLag  uint64        `json:"max_lag"`
	Timeout time.Duration `json:"timeout"`
}

// Query is one similarity search.
type Query struct {
	Index          string            `json:"index"`
	Vector         []float32         `json:"vector"`
	K              int               `json:"k"`
	Filter         map[string]string `json:"filter,omitempty"`
	MinConsistency *MinConsistency   `json:"min_consistency,omitempty"`
}

// Response is the answer to a Query. Status is always set.
type Response struct {
	Results    []index.Result `json:"results"`
	Status     Status         `json:"status"`
	Generation uint64         `json:"generation"`
	Cached     bool           `json:"cached,omitempty"`
}

// Searcher is implemented by Service.
type Searcher interface {
	Search(ctx context.Context, q Query) (Response, error)
}
