package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/backfill"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/source"
	"github.com/Aman-CERP/vectorsync/internal/stream"
)

// entry is one live index: its core, the source it syncs from, the backfill
// (nil after a warm restart) and one consumer per partition.
type entry struct {
	def       model.IndexDefinition
	core      *index.Core
	src       source.Source
	backfill  *backfill.Pipeline
	consumers []*stream.Consumer
	restored  bool
	createdAt time.Time
	logger    *slog.Logger

	cancelBackfill context.CancelFunc
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

var _ search.Target = (*entry)(nil)

func (e *entry) Core() *index.Core { return e.core }

// Freshness folds the backfill and consumer states into the view the query
// path tags responses with.
func (e *entry) Freshness() search.Freshness {
	var f search.Freshness
	if e.backfill != nil {
		switch e.backfill.State() {
		case backfill.Complete:
		case backfill.Failed:
			f.Failed = true
		default:
			f.Backfilling = true
		}
	}
	for _, c := range e.consumers {
		switch c.State() {
		case stream.Failed:
			f.Failed = true
		case stream.Reconnecting:
			f.Reconnecting = true
		}
		if lag := c.Lag(); lag > f.MaxLag {
			f.MaxLag = lag
		}
	}
	return f
}

// run starts the backfill and the consumers under ctx.
func (e *entry) run(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	if e.backfill != nil {
		bctx, cancel := context.WithCancel(ctx)
		e.cancelBackfill = cancel
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.backfill.Run(bctx); err != nil && bctx.Err() == nil {
				e.logger.Error("backfill_stopped", slog.String("error", err.Error()))
			}
		}()
	}
	for _, c := range e.consumers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("partition_stopped",
					slog.String("partition", c.Partition()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// stop ends the backfill, drains and commits every consumer and waits for
// all goroutines, or gives up when ctx ends.
func (e *entry) stop(ctx context.Context) error {
	if e.cancelBackfill != nil {
		e.cancelBackfill()
	}
	for _, c := range e.consumers {
		c.Stop()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// archivable reports whether the current core state is consistent with the
// committed checkpoints: the backfill finished or was stopped resumably.
func (e *entry) archivable() bool {
	if e.core.Degraded() != nil {
		return false
	}
	if e.backfill != nil && e.backfill.State() != backfill.Complete && !e.backfill.Interrupted() {
		return false
	}
	for _, c := range e.consumers {
		if c.State() == stream.Failed {
			return false
		}
	}
	return true
}

// Status is the externally visible state of one index.
type Status struct {
	Name       string                `json:"name"`
	Definition model.IndexDefinition `json:"definition"`
	Status     search.Status         `json:"status"`
	Size       int                   `json:"size"`
	Tombstones int                   `json:"tombstones"`
	Generation uint64                `json:"generation"`
	Degraded   string                `json:"degraded,omitempty"`
	Restored   bool                  `json:"restored,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	Backfill   *BackfillStatus       `json:"backfill,omitempty"`
	Partitions []stream.Status       `json:"partitions"`
}

// BackfillStatus reports the progress of the initial scan.
type BackfillStatus struct {
	State       string `json:"state"`
	Rows        int64  `json:"rows"`
	Resumed     bool   `json:"resumed,omitempty"`
	RangesDone  int    `json:"ranges_done"`
	RangesTotal int    `json:"ranges_total"`
	Error       string `json:"error,omitempty"`
}

func (e *entry) status(staleLag uint64) Status {
	stats := e.core.Stats()
	st := Status{
		Name:       e.def.Name,
		Definition: e.def,
		Status:     search.Classify(e.Freshness(), e.core.Degraded() != nil, staleLag),
		Size:       stats.Size,
		Tombstones: stats.Tombstones,
		Generation: stats.Generation,
		Degraded:   stats.Degraded,
		Restored:   e.restored,
		CreatedAt:  e.createdAt,
		Partitions: make([]stream.Status, 0, len(e.consumers)),
	}
	if e.backfill != nil {
		p := e.backfill.Progress()
		st.Backfill = &BackfillStatus{
			State:       p.State.String(),
			Rows:        p.Rows,
			Resumed:     p.Resumed,
			RangesDone:  p.RangesDone,
			RangesTotal: p.RangesTotal,
			Error:       p.Err,
		}
	}
	for _, c := range e.consumers {
		st.Partitions = append(st.Partitions, c.Status())
	}
	return st
}
