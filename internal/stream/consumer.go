// Package stream applies one change-stream partition to an index core.
//
// A Consumer runs two goroutines joined by a bounded channel: the fetcher
// reads and maps records, the applier applies each batch to the core and then
// commits the batch's last position. The checkpoint therefore never passes an
// event that was not applied, and a restart replays at most the batches
// applied since the last commit; version stamps make that replay a no-op.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/backfill"
	"github.com/Aman-CERP/vectorsync/internal/cdc"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/source"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
)

// State is the consumer lifecycle state.
type State int32

const (
	Disconnected State = iota
	Backfilling
	Streaming
	Reconnecting
	Failed
	Stopped
)

var stateNames = []string{"disconnected", "backfilling", "streaming", "reconnecting", "failed", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handoff is the backfill side of the watermark handshake.
type Handoff interface {
	Watermark(ctx context.Context) (backfill.Watermark, error)
	Advance(partition string, pos model.Position)
	Done() <-chan struct{}
}

// Config tunes a Consumer.
type Config struct {
	BatchSize    int           // records per read (default 256)
	Buffer       int           // batches in flight between fetcher and applier (default 4)
	PollInterval time.Duration // wait after an empty read (default 200ms)
	// Reconnect paces retries after transient read failures. MaxRetries is
	// ignored; a consumer reconnects until stopped.
	Reconnect errors.RetryConfig
	// Commit retries checkpoint writes; exhaustion halts the consumer.
	Commit  errors.RetryConfig
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.Buffer <= 0 {
		c.Buffer = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = errors.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}
	}
	if c.Commit.InitialDelay <= 0 {
		c.Commit = errors.DefaultRetryConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Status is a point-in-time view of a consumer.
type Status struct {
	Partition string         `json:"partition"`
	State     string         `json:"state"`
	Applied   model.Position `json:"applied"`
	Committed model.Position `json:"committed"`
	Head      model.Position `json:"head"`
	Lag       uint64         `json:"lag"`
	Error     string         `json:"error,omitempty"`
}

type fetched struct {
	muts []model.Mutation
	last model.Position
}

// Consumer applies one partition of a change stream to a core.
type Consumer struct {
	name      string
	partition string
	core      *index.Core
	stream    source.ChangeStream
	store     checkpoint.Store
	handoff   Handoff
	mapper    *cdc.Mapper
	cfg       Config
	logger    *slog.Logger

	state     atomic.Int32
	applied   atomic.Uint64
	committed atomic.Uint64
	head      atomic.Uint64

	mu      sync.Mutex
	err     error
	stopped bool
	stopFn  context.CancelFunc
	started chan struct{}
}

// New creates a consumer. handoff may be nil when no backfill runs.
func New(core *index.Core, stream source.ChangeStream, store checkpoint.Store, partition string, handoff Handoff, cfg Config) *Consumer {
	cfg = cfg.withDefaults()
	def := core.Definition()
	return &Consumer{
		name:      def.Name,
		partition: partition,
		core:      core,
		stream:    stream,
		store:     store,
		handoff:   handoff,
		mapper:    cdc.NewMapper(def),
		cfg:       cfg,
		logger: cfg.Logger.With(
			slog.String("index", def.Name),
			slog.String("partition", partition),
			slog.String("component", "consumer")),
		started: make(chan struct{}),
	}
}

// Partition returns the partition name.
func (c *Consumer) Partition() string {
	return c.partition
}

// State returns the current state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.cfg.Metrics.ConsumerState(c.name, c.partition, s.String(), stateNames)
	c.logger.Info("consumer_state", slog.String("state", s.String()))
}

// transition moves from one state to another only if from is current.
func (c *Consumer) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.cfg.Metrics.ConsumerState(c.name, c.partition, to.String(), stateNames)
	c.logger.Info("consumer_state", slog.String("state", to.String()))
	return true
}

// settle leaves Reconnecting or Backfilling for the state the handoff implies.
func (c *Consumer) settle() {
	s := c.State()
	if s != Reconnecting && s != Backfilling && s != Disconnected {
		return
	}
	if c.handoff != nil {
		select {
		case <-c.handoff.Done():
		default:
			c.setState(Backfilling)
			return
		}
	}
	c.setState(Streaming)
}

// Lag is the head position minus the applied position.
func (c *Consumer) Lag() uint64 {
	head, applied := c.head.Load(), c.applied.Load()
	if head > applied {
		return head - applied
	}
	return 0
}

// Status returns a snapshot of positions and state.
func (c *Consumer) Status() Status {
	st := Status{
		Partition: c.partition,
		State:     c.State().String(),
		Applied:   model.Position(c.applied.Load()),
		Committed: model.Position(c.committed.Load()),
		Head:      model.Position(c.head.Load()),
		Lag:       c.Lag(),
	}
	if err := c.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Err returns the error that failed the consumer.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Started is closed once the resume position is known and reading begins.
func (c *Consumer) Started() <-chan struct{} {
	return c.started
}

// Stop asks the fetcher to stop. Run returns after the buffered batches are
// applied and committed.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.stopFn != nil {
		c.stopFn()
	}
}

func (c *Consumer) fail(err error) error {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.setState(Failed)
	c.logger.Error("consumer_failed", slog.String("error", err.Error()))
	return err
}

// Run consumes until Stop, ctx cancellation or a fatal error. It returns nil
// after a graceful stop.
func (c *Consumer) Run(ctx context.Context) error {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.setState(Stopped)
		return nil
	}
	c.stopFn = cancel
	c.mu.Unlock()

	start, err := c.resumePosition(fetchCtx)
	if err != nil {
		if fetchCtx.Err() != nil {
			c.setState(Stopped)
			return nil
		}
		return c.fail(err)
	}
	c.applied.Store(uint64(start))
	c.head.Store(uint64(start))
	close(c.started)
	c.logger.Info("consumer_resume", slog.Uint64("position", uint64(start)))

	if c.handoff != nil {
		go func() {
			select {
			case <-c.handoff.Done():
				c.transition(Backfilling, Streaming)
			case <-fetchCtx.Done():
			}
		}()
	}

	batches := make(chan fetched, c.cfg.Buffer)
	var fetchErr error
	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		defer close(batches)
		fetchErr = c.fetch(fetchCtx, start, batches)
	}()

	applyErr := c.apply(ctx, batches)
	if applyErr != nil {
		cancel()
		// Unblock a fetcher waiting to send.
		for range batches {
		}
	}
	<-fetchDone

	switch {
	case applyErr != nil && ctx.Err() != nil:
		c.setState(Stopped)
		return ctx.Err()
	case applyErr != nil:
		return c.fail(applyErr)
	case fetchErr != nil:
		return c.fail(fetchErr)
	}
	c.setState(Stopped)
	return nil
}

// resumePosition returns max(checkpoint, watermark) and enters Backfilling
// or Streaming.
func (c *Consumer) resumePosition(ctx context.Context) (model.Position, error) {
	c.setState(Disconnected)
	var start model.Position
	err := errors.Retry(ctx, c.cfg.Commit, func() error {
		pos, _, err := c.store.Load(ctx, c.name, c.partition)
		start = pos
		return err
	})
	if err != nil {
		return 0, err
	}
	c.committed.Store(uint64(start))

	if c.handoff == nil {
		c.setState(Streaming)
		return start, nil
	}

	c.setState(Backfilling)
	wm, err := c.handoff.Watermark(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.logger.Warn("watermark_unavailable", slog.String("error", err.Error()))
	} else if pos := wm.Positions[c.partition]; pos > start {
		start = pos
	}
	c.handoff.Advance(c.partition, start)
	c.settle()
	return start, nil
}

func (c *Consumer) fetch(ctx context.Context, after model.Position, out chan<- fetched) error {
	backoff := errors.NewBackoff(c.cfg.Reconnect)
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := c.stream.Read(ctx, c.partition, after, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.IsFatal(err) || errors.GetCode(err) == errors.ErrCodeClosed {
				return err
			}
			err = errors.TransientStreamError("read "+c.partition, err)
			c.setState(Reconnecting)
			c.cfg.Metrics.Reconnect(c.name, c.partition)
			c.logger.Warn("stream_read_failed",
				slog.Int("attempt", backoff.Attempts()+1),
				slog.String("error", err.Error()))
			if backoff.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		if backoff.Attempts() > 0 {
			backoff.Reset()
			c.settle()
		}

		if uint64(batch.Head) > c.head.Load() {
			c.head.Store(uint64(batch.Head))
		}
		c.cfg.Metrics.PartitionLag(c.name, c.partition, c.Lag())

		if len(batch.Records) == 0 {
			timer := time.NewTimer(c.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}

		f := fetched{muts: make([]model.Mutation, 0, len(batch.Records))}
		var mapErr error
		for _, rec := range batch.Records {
			ev, err := c.mapper.Map(c.partition, rec)
			if err != nil {
				mapErr = fmt.Errorf("position %d: %w", rec.Position, err)
				break
			}
			f.muts = append(f.muts, ev.Mutation())
			f.last = rec.Position
		}
		if len(f.muts) > 0 {
			select {
			case out <- f:
			case <-ctx.Done():
				return nil
			}
			after = f.last
		}
		if mapErr != nil {
			return mapErr
		}
	}
}

func (c *Consumer) apply(ctx context.Context, in <-chan fetched) error {
	for f := range in {
		res, err := c.core.Apply(ctx, f.muts)
		if err != nil {
			return err
		}
		c.cfg.Metrics.EventsApplied(c.name, c.partition, res.Applied, res.Skipped)
		c.applied.Store(uint64(f.last))
		c.cfg.Metrics.PartitionLag(c.name, c.partition, c.Lag())

		err = errors.Retry(ctx, c.cfg.Commit, func() error {
			err := c.store.Commit(ctx, c.name, c.partition, f.last)
			c.cfg.Metrics.CheckpointCommit(c.name, err)
			return err
		})
		if err != nil {
			return err
		}
		c.committed.Store(uint64(f.last))
		if c.handoff != nil {
			c.handoff.Advance(c.partition, f.last)
		}
	}
	return nil
}
