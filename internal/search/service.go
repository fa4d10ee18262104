package search

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
)

type cacheKey struct {
	core        uint64
	generation  uint64
	fingerprint uint64
}

// cacheEntry keeps the query next to its results so a fingerprint collision
// is a miss rather than another query's answer.
type cacheEntry struct {
	k       int
	vector  []float32
	filter  map[string]string
	results []index.Result
}

func (e *cacheEntry) answers(q Query) bool {
	return e.k == q.K && slices.Equal(e.vector, q.Vector) && maps.Equal(e.filter, q.Filter)
}

// Service answers queries against the cores a Resolver hands out.
type Service struct {
	resolver     Resolver
	cfg          Config
	cache        *lru.Cache[cacheKey, *cacheEntry]
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	queryMetrics *telemetry.QueryMetrics
}

var _ Searcher = (*Service)(nil)

// NewService creates a query service.
func NewService(resolver Resolver, cfg Config, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.CacheSize > 0 {
		s.cache, _ = lru.New[cacheKey, *cacheEntry](s.cfg.CacheSize)
	}
	return s
}

// Search runs q against the current state of its index. Results are cached
// per core generation, so a cached answer is never older than the index.
//
// With MinConsistency the call first waits for the lag bound. On timeout the
// response is still returned, tagged stale, together with a QueryTimeout error.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	start := time.Now()
	if err := s.cfg.validate(q); err != nil {
		return Response{Status: StatusDegraded}, err
	}
	target, err := s.resolver.Lookup(q.Index)
	if err != nil {
		return Response{Status: StatusDegraded}, err
	}

	var waitErr error
	if q.MinConsistency != nil {
		waitErr = s.awaitLag(ctx, target, *q.MinConsistency)
		if waitErr != nil && ctx.Err() != nil {
			return Response{Status: StatusStale}, ctx.Err()
		}
	}

	core := target.Core()
	h, err := core.Snapshot()
	if err != nil {
		return Response{Status: StatusDegraded}, err
	}
	defer h.Release()

	fp := fingerprint(q)
	key := cacheKey{core: core.ID(), generation: h.Generation(), fingerprint: fp}
	results, cached := s.lookup(q, key)
	if !cached {
		results, err = h.Search(ctx, q.Vector, q.K, index.Filter(q.Filter))
		if err != nil {
			return Response{Status: s.status(target)}, err
		}
		if s.cache != nil {
			s.cache.Add(key, &cacheEntry{
				k:       q.K,
				vector:  slices.Clone(q.Vector),
				filter:  maps.Clone(q.Filter),
				results: results,
			})
		}
	}

	status := s.status(target)
	if waitErr != nil {
		status = StatusStale
	}
	resp := Response{
		Results:    slices.Clone(results),
		Status:     status,
		Generation: h.Generation(),
		Cached:     cached,
	}
	if resp.Results == nil {
		resp.Results = []index.Result{}
	}

	elapsed := time.Since(start)
	s.metrics.SearchObserved(q.Index, string(status), elapsed)
	s.queryMetrics.Record(telemetry.QueryEvent{
		Index:       q.Index,
		Status:      string(status),
		ResultCount: len(resp.Results),
		Latency:     elapsed,
		Timestamp:   start,
		Fingerprint: fp,
		Vector:      q.Vector,
	})
	s.logger.Debug("search",
		slog.String("index", q.Index),
		slog.Int("k", q.K),
		slog.Int("results", len(resp.Results)),
		slog.String("status", string(status)),
		slog.Bool("cached", cached),
		slog.Duration("elapsed", elapsed))
	return resp, waitErr
}

func (s *Service) lookup(q Query, key cacheKey) ([]index.Result, bool) {
	if s.cache == nil {
		return nil, false
	}
	e, ok := s.cache.Get(key)
	ok = ok && e.answers(q)
	s.metrics.SearchCache(q.Index, ok)
	if !ok {
		return nil, false
	}
	return e.results, true
}

// Status returns the freshness status of an index without searching it.
func (s *Service) Status(name string) (Status, error) {
	target, err := s.resolver.Lookup(name)
	if err != nil {
		return StatusDegraded, err
	}
	return s.status(target), nil
}

func (s *Service) status(t Target) Status {
	return Classify(t.Freshness(), t.Core().Degraded() != nil, s.cfg.StaleLag)
}

// Classify maps the sync state of an index to a response status. A failed
// partition or a degraded core outranks a running backfill, which outranks lag.
func Classify(f Freshness, degraded bool, staleLag uint64) Status {
	switch {
	case f.Failed || degraded:
		return StatusDegraded
	case f.Backfilling:
		return StatusPartial
	case f.Reconnecting || f.MaxLag > staleLag:
		return StatusStale
	default:
		return StatusFresh
	}
}

func (s *Service) awaitLag(ctx context.Context, t Target, mc MinConsistency) error {
	if t.Freshness().MaxLag <= mc.MaxLag {
		return nil
	}
	timeout := mc.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New(errors.ErrCodeQueryTimeout,
				fmt.Sprintf("lag did not reach %d within %s", mc.MaxLag, timeout), nil)
		case <-ticker.C:
			if t.Freshness().MaxLag <= mc.MaxLag {
				return nil
			}
		}
	}
}

// Purge drops every cached result set.
func (s *Service) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// fingerprint hashes the parts of a query that determine its results.
func fingerprint(q Query) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(q.K))
	_, _ = h.Write(buf[:])
	for _, f := range q.Vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = h.Write(buf[:4])
	}
	keys := make([]string, 0, len(q.Filter))
	for k := range q.Filter {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(q.Filter[k]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
