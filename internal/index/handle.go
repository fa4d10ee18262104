package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/store"
)

// Handle is a pinned, point-in-time view of a Core.
type Handle struct {
	core       *Core
	generation uint64
	replicas   []*replica
	once       sync.Once
}

// Generation is the core generation observed when the handle was taken.
func (h *Handle) Generation() uint64 {
	return h.generation
}

// Release unpins the handle. It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		for _, r := range h.replicas {
			r.release()
		}
	})
}

// Size returns the number of live records in the view.
func (h *Handle) Size() int {
	n := 0
	for _, r := range h.replicas {
		n += len(r.records)
	}
	return n
}

// Get returns the record for key as of the view.
func (h *Handle) Get(key model.Key) (model.VectorRecord, bool) {
	r := h.replicas[h.core.shardIndex(key)]
	rec, ok := r.records[key]
	if !ok {
		return model.VectorRecord{}, false
	}
	return *rec, true
}

// Filter matches records whose metadata equals every entry.
type Filter map[string]string

func (f Filter) matches(md map[string]string) bool {
	for k, v := range f {
		if got, ok := md[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Result is one search hit.
type Result struct {
	Key      model.Key         `json:"key"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Version  model.Version     `json:"version"`
}

// Search returns the k best matches for vector, ordered by score descending
// with ties broken by ascending key. With a filter each shard over-fetches
// k*Oversample candidates and falls back to an exact scan when filtering
// leaves fewer than k.
func (h *Handle) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Result, error) {
	def := h.core.def
	if k <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidQuery, fmt.Sprintf("k must be positive, got %d", k), nil)
	}
	if len(vector) != def.Dimension {
		return nil, errors.New(errors.ErrCodeInvalidQuery,
			fmt.Sprintf("query dimension %d, index %s has %d", len(vector), def.Name, def.Dimension), nil)
	}

	fetch := k
	if len(filter) > 0 {
		fetch = k * h.core.opts.Oversample
	}

	var all []Result
	for _, r := range h.replicas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits, err := searchReplica(ctx, r, vector, k, fetch, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}

	sortResults(all)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func searchReplica(ctx context.Context, r *replica, vector []float32, k, fetch int, filter Filter) ([]Result, error) {
	if len(r.records) == 0 {
		return nil, nil
	}
	hits, err := r.ann.Search(ctx, vector, fetch)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		rec, ok := r.records[model.Key(hit.ID)]
		if !ok || !filter.matches(rec.Metadata) {
			continue
		}
		out = append(out, Result{Key: rec.Key, Score: hit.Score, Metadata: rec.Metadata, Version: rec.Version})
	}
	if len(filter) == 0 || len(out) >= k || fetch >= len(r.records) {
		return out, nil
	}

	// Selective filter: score every matching record exactly.
	metric := r.ann.Config().Metric
	out = out[:0]
	for _, rec := range r.records {
		if !filter.matches(rec.Metadata) {
			continue
		}
		out = append(out, Result{
			Key:      rec.Key,
			Score:    store.Score(metric, vector, rec.Vector),
			Metadata: rec.Metadata,
			Version:  rec.Version,
		})
	}
	return out, nil
}

func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].Key < rs[j].Key
	})
}
