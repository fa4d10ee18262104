// Package index is the concurrent in-memory vector index of one index
// definition.
//
// Keys are hashed to shards. Each shard owns two ANN replicas arranged as a
// left-right pair: readers pin the active replica through a reference count,
// the single writer (holding the shard mutex) mutates the standby, swaps the
// pointer, waits for readers of the retired replica to drain and replays the
// same mutations on it. Readers therefore never block on writers and never
// observe a partially applied mutation.
//
// Every key carries a version stamp. A mutation is applied only when its
// version is strictly newer than the stamp, so replays are no-ops and the
// final state does not depend on arrival order. Tombstone stamps are kept
// after a delete so a late, older upsert cannot resurrect the key.
package index

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/store"
)

// Options tunes a Core.
type Options struct {
	// Shards is the number of key-hash shards (default 8).
	Shards int
	// Oversample multiplies k for filtered searches (default 4).
	Oversample int
	// MaxElements caps live vectors per shard; 0 means unbounded.
	MaxElements int
	// CompactionThreshold and MinOrphanCount trigger graph rebuilds.
	CompactionThreshold float64
	MinOrphanCount      int
	// CloseTimeout bounds how long Close waits for pinned readers.
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultOptions returns the defaults used by the registry.
func DefaultOptions() Options {
	return Options{
		Shards:              8,
		Oversample:          4,
		CompactionThreshold: 0.2,
		MinOrphanCount:      100,
		CloseTimeout:        5 * time.Second,
	}
}

// ApplyResult counts the outcome of Apply.
type ApplyResult struct {
	Applied int // mutations that changed state
	Skipped int // mutations older than or equal to the stored version
}

var coreIDs atomic.Uint64

// Core is the sharded, versioned index of one definition.
type Core struct {
	id     uint64
	def    model.IndexDefinition
	opts   Options
	logger *slog.Logger
	shards []*shard

	generation atomic.Uint64

	mu       sync.RWMutex
	degraded error
	closed   bool
}

// New creates an empty core for def.
func New(def model.IndexDefinition, opts Options) (*Core, error) {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	d := DefaultOptions()
	if opts.Shards <= 0 {
		opts.Shards = d.Shards
	}
	if opts.Oversample < 1 {
		opts.Oversample = d.Oversample
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = d.CloseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Core{
		id:     coreIDs.Add(1),
		def:    def,
		opts:   opts,
		logger: logger.With(slog.String("index", def.Name)),
		shards: make([]*shard, opts.Shards),
	}
	annCfg := store.VectorStoreConfig{
		Dimensions:     def.Dimension,
		Metric:         annMetric(def.Metric),
		M:              def.Params.Connectivity,
		EfConstruction: def.Params.ExpansionAdd,
		EfSearch:       def.Params.ExpansionSearch,
		MaxElements:    opts.MaxElements,
	}
	for i := range c.shards {
		s, err := newShard(i, annCfg)
		if err != nil {
			return nil, fmt.Errorf("create shard %d: %w", i, err)
		}
		c.shards[i] = s
	}
	return c, nil
}

func annMetric(m model.Metric) string {
	switch m {
	case model.MetricEuclidean:
		return store.MetricL2
	case model.MetricDot:
		return store.MetricDot
	default:
		return store.MetricCosine
	}
}

// ID is unique per Core in the process, so a recreated index with the same
// name never shares cache entries with its predecessor.
func (c *Core) ID() uint64 {
	return c.id
}

// Definition returns the index definition.
func (c *Core) Definition() model.IndexDefinition {
	return c.def
}

// Generation increases every time a shard publishes new state.
func (c *Core) Generation() uint64 {
	return c.generation.Load()
}

// Degraded returns the error that degraded the core, or nil.
func (c *Core) Degraded() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Core) degrade(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded == nil {
		c.degraded = err
		c.logger.Error("index degraded, rejecting further mutations", slog.String("error", err.Error()))
	}
}

func (c *Core) writable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.ErrClosed
	}
	if c.degraded != nil {
		return errors.New(errors.ErrCodeIndexDegraded, "index "+c.def.Name+" is degraded", c.degraded)
	}
	return nil
}

func (c *Core) shardIndex(key model.Key) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(len(c.shards)))
}

func (c *Core) shardOf(key model.Key) *shard {
	return c.shards[c.shardIndex(key)]
}

// Upsert applies a single upsert.
func (c *Core) Upsert(ctx context.Context, rec model.VectorRecord) (bool, error) {
	res, err := c.Apply(ctx, []model.Mutation{{
		Op:       model.OpUpsert,
		Key:      rec.Key,
		Vector:   rec.Vector,
		Metadata: rec.Metadata,
		Version:  rec.Version,
	}})
	return res.Applied == 1, err
}

// Remove applies a tombstone. Removing an absent key changes nothing
// visible but still records the tombstone version.
func (c *Core) Remove(ctx context.Context, key model.Key, version model.Version) (bool, error) {
	res, err := c.Apply(ctx, []model.Mutation{{Op: model.OpDelete, Key: key, Version: version}})
	return res.Applied == 1, err
}

// Apply applies a batch of mutations. Shards are written concurrently; all
// mutations that land in one shard become visible together.
func (c *Core) Apply(ctx context.Context, batch []model.Mutation) (ApplyResult, error) {
	if err := c.writable(); err != nil {
		return ApplyResult{}, err
	}

	groups := make(map[*shard][]model.Mutation)
	for _, m := range batch {
		if err := c.validate(m); err != nil {
			return ApplyResult{}, err
		}
		s := c.shardOf(m.Key)
		groups[s] = append(groups[s], m)
	}

	var applied, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for s, muts := range groups {
		g.Go(func() error {
			res, err := s.apply(gctx, c, muts)
			applied.Add(int64(res.Applied))
			skipped.Add(int64(res.Skipped))
			return err
		})
	}
	err := g.Wait()
	return ApplyResult{Applied: int(applied.Load()), Skipped: int(skipped.Load())}, err
}

func (c *Core) validate(m model.Mutation) error {
	switch m.Op {
	case model.OpUpsert:
		if len(m.Vector) != c.def.Dimension {
			return errors.SchemaMismatchError(fmt.Sprintf("index %s: vector dimension %d, want %d", c.def.Name, len(m.Vector), c.def.Dimension))
		}
	case model.OpDelete:
	default:
		return errors.SchemaMismatchError(fmt.Sprintf("index %s: unknown operation %d", c.def.Name, m.Op))
	}
	return nil
}

// published is called by a shard after it swaps replicas.
func (c *Core) published() {
	c.generation.Add(1)
}

// Size returns the number of live records.
func (c *Core) Size() int {
	n := 0
	for _, s := range c.shards {
		r := s.acquire()
		n += len(r.records)
		r.release()
	}
	return n
}

// Get returns the live record for key.
func (c *Core) Get(key model.Key) (model.VectorRecord, bool) {
	s := c.shardOf(key)
	r := s.acquire()
	defer r.release()
	rec, ok := r.records[key]
	if !ok {
		return model.VectorRecord{}, false
	}
	return *rec, true
}

// Snapshot pins the current state of every shard. The handle must be
// released; writers to a pinned shard wait for it before reusing a replica.
func (c *Core) Snapshot() (*Handle, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errors.ErrClosed
	}

	h := &Handle{
		core:       c,
		generation: c.generation.Load(),
		replicas:   make([]*replica, len(c.shards)),
	}
	for i, s := range c.shards {
		h.replicas[i] = s.acquire()
	}
	return h, nil
}

// Tombstone is a retained delete version.
type Tombstone struct {
	Key     model.Key     `msgpack:"k"`
	Version model.Version `msgpack:"ver"`
}

// Export returns every live record and every tombstone. Each shard is read
// under its writer lock, so the export is consistent per shard.
func (c *Core) Export(ctx context.Context) ([]model.VectorRecord, []Tombstone, error) {
	var records []model.VectorRecord
	var tombs []Tombstone
	for _, s := range c.shards {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		s.mu.Lock()
		r := s.active.Load()
		for key, ver := range s.stamps {
			if rec, ok := r.records[key]; ok {
				records = append(records, *rec)
			} else {
				tombs = append(tombs, Tombstone{Key: key, Version: ver})
			}
		}
		s.mu.Unlock()
	}
	return records, tombs, nil
}

// Import loads exported state into the core through the normal versioned path.
func (c *Core) Import(ctx context.Context, records []model.VectorRecord, tombs []Tombstone) error {
	const chunk = 1024
	batch := make([]model.Mutation, 0, chunk)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := c.Apply(ctx, batch)
		batch = batch[:0]
		return err
	}
	for _, rec := range records {
		batch = append(batch, model.Mutation{Op: model.OpUpsert, Key: rec.Key, Vector: rec.Vector, Metadata: rec.Metadata, Version: rec.Version})
		if len(batch) == chunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	for _, t := range tombs {
		batch = append(batch, model.Mutation{Op: model.OpDelete, Key: t.Key, Version: t.Version})
		if len(batch) == chunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Stats summarizes the core for status output.
type Stats struct {
	Size       int
	Tombstones int
	Orphans    int
	Generation uint64
	Degraded   string
}

// Stats returns live, tombstone and orphan counts.
func (c *Core) Stats() Stats {
	st := Stats{Generation: c.Generation()}
	for _, s := range c.shards {
		s.mu.Lock()
		r := s.active.Load()
		st.Size += len(r.records)
		st.Tombstones += len(s.stamps) - len(r.records)
		st.Orphans += r.ann.Stats().Orphans
		s.mu.Unlock()
	}
	if err := c.Degraded(); err != nil {
		st.Degraded = err.Error()
	}
	return st
}

// Close waits (up to CloseTimeout) for pinned readers and releases the replicas.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseTimeout)
	defer cancel()
	for _, s := range c.shards {
		s.close(ctx, c.logger)
	}
	return nil
}
