package index

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/store"
)

// replica is one side of a shard's left-right pair. records and ann are
// mutated only while the replica is standby and has no pinned readers.
type replica struct {
	refs    atomic.Int64
	ann     *store.HNSWStore
	records map[model.Key]*model.VectorRecord
}

func newReplica(cfg store.VectorStoreConfig) (*replica, error) {
	ann, err := store.NewHNSWStore(cfg)
	if err != nil {
		return nil, err
	}
	return &replica{ann: ann, records: make(map[model.Key]*model.VectorRecord)}, nil
}

func (r *replica) release() {
	r.refs.Add(-1)
}

type shard struct {
	id     int
	active atomic.Pointer[replica]

	// mu serializes writers. Everything below is owned by the writer.
	mu      sync.Mutex
	standby *replica
	stamps  map[model.Key]model.Version
	// pending holds mutations already published on active but not yet
	// replayed on standby because readers were still draining.
	pending []model.Mutation
}

func newShard(id int, cfg store.VectorStoreConfig) (*shard, error) {
	left, err := newReplica(cfg)
	if err != nil {
		return nil, err
	}
	right, err := newReplica(cfg)
	if err != nil {
		_ = left.ann.Close()
		return nil, err
	}
	s := &shard{id: id, standby: right, stamps: make(map[model.Key]model.Version)}
	s.active.Store(left)
	return s, nil
}

// acquire pins the active replica. The pointer is re-checked after the
// increment; a writer that swapped in between never waits on this pin.
func (s *shard) acquire() *replica {
	for {
		r := s.active.Load()
		r.refs.Add(1)
		if s.active.Load() == r {
			return r
		}
		r.refs.Add(-1)
	}
}

// waitDrained blocks until no reader pins r.
func waitDrained(ctx context.Context, r *replica) error {
	for spins := 0; r.refs.Load() != 0; spins++ {
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
	return nil
}

// catchUp replays pending mutations on the standby replica.
func (s *shard) catchUp(ctx context.Context, c *Core) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := waitDrained(ctx, s.standby); err != nil {
		return err
	}
	if err := s.write(c, s.standby, s.pending); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

func (s *shard) apply(ctx context.Context, c *Core, batch []model.Mutation) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult
	if err := s.catchUp(ctx, c); err != nil {
		return res, err
	}

	// Last write wins inside the batch, then against the stored stamps.
	latest := make(map[model.Key]int, len(batch))
	winners := make([]model.Mutation, 0, len(batch))
	for _, m := range batch {
		if cur, ok := s.stamps[m.Key]; ok && !m.Version.Newer(cur) {
			res.Skipped++
			continue
		}
		if i, ok := latest[m.Key]; ok {
			res.Skipped++
			if m.Version.Newer(winners[i].Version) {
				winners[i] = m
			}
			continue
		}
		latest[m.Key] = len(winners)
		winners = append(winners, m)
	}
	if len(winners) == 0 {
		return res, nil
	}

	if err := s.write(c, s.standby, winners); err != nil {
		c.degrade(err)
		return res, err
	}
	for _, m := range winners {
		s.stamps[m.Key] = m.Version
	}
	res.Applied = len(winners)

	retired := s.active.Swap(s.standby)
	s.standby = retired
	s.pending = winners
	c.published()

	// A canceled context leaves the replay for the next writer.
	if err := s.catchUp(ctx, c); err != nil && ctx.Err() == nil {
		c.degrade(err)
		return res, err
	}
	return res, nil
}

// write applies mutations to an unpublished replica and compacts it when the
// orphan share has grown past the threshold. It is not cancelable: a half
// written replica could never be published.
func (s *shard) write(c *Core, r *replica, muts []model.Mutation) error {
	ctx := context.Background()
	var delIDs, addIDs []string
	var addVecs [][]float32
	for _, m := range muts {
		switch m.Op {
		case model.OpDelete:
			if _, ok := r.records[m.Key]; ok {
				delIDs = append(delIDs, string(m.Key))
			}
		case model.OpUpsert:
			addIDs = append(addIDs, string(m.Key))
			addVecs = append(addVecs, m.Vector)
		}
	}

	if err := r.ann.Delete(ctx, delIDs); err != nil {
		return annError(err)
	}
	if err := r.ann.Add(ctx, addIDs, addVecs); err != nil {
		return annError(err)
	}
	for _, m := range muts {
		switch m.Op {
		case model.OpDelete:
			delete(r.records, m.Key)
		case model.OpUpsert:
			r.records[m.Key] = m.Record()
		}
	}

	if r.ann.NeedsCompaction(c.opts.CompactionThreshold, c.opts.MinOrphanCount) {
		dropped, err := r.ann.Compact(ctx)
		if err != nil {
			return annError(err)
		}
		c.logger.Debug("shard compacted", slog.Int("shard", s.id), slog.Int("dropped", dropped))
	}
	return nil
}

func annError(err error) error {
	switch errors.GetCode(err) {
	case errors.ErrCodeIndexCapacity, errors.ErrCodeIndexCorrupt:
		return err
	}
	return errors.New(errors.ErrCodeIndexCorrupt, fmt.Sprintf("ann write failed: %v", err), err)
}

func (s *shard) close(ctx context.Context, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range []*replica{s.active.Load(), s.standby} {
		if err := waitDrained(ctx, r); err != nil {
			logger.Warn("closing shard with pinned readers", slog.Int("shard", s.id))
		}
		_ = r.ann.Close()
	}
}
