// Package backfill populates an index core from a full table scan and hands
// off to the stream consumers through a watermark.
//
// The watermark (every partition's head position plus the scan start time) is
// recorded before the first page is read. Consumers resume each partition
// after its watermark position, and scanned rows carry scan versions that any
// streamed event supersedes, so rows changed during the scan are corrected by
// the stream.
//
// With a progress store configured, the watermark and the token after each
// completed page are persisted; a pipeline resumed from that record skips the
// finished ranges and continues the others from their last completed page.
// A malformed row fails the backfill: the index keeps serving what it has
// and reports the failure through its health.
package backfill

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Aman-CERP/vectorsync/internal/cdc"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/source"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
)

// State is the backfill lifecycle state.
type State int32

const (
	NotStarted State = iota
	// Scanning: watermark recorded, pages being read.
	Scanning
	// Watermarked: every page applied, waiting for consumers to reach the watermark.
	Watermarked
	Complete
	Failed
)

var stateNames = []string{"not_started", "scanning", "watermarked", "complete", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// StateNames lists every state name, for exclusive state gauges.
func StateNames() []string {
	return stateNames
}

// Watermark is the handoff point between the scan and the stream.
type Watermark struct {
	Positions map[string]model.Position
	Timestamp time.Time
}

// Config tunes a Pipeline.
type Config struct {
	Workers        int     // concurrent range scans (default 4)
	Ranges         int     // token ranges requested from the scanner (default 16)
	PageSize       int     // rows per page (default 500)
	PagesPerSecond float64 // 0 disables throttling
	PageRetries    int     // retries of one failed page; 0 fails on the first error
	Retry          errors.RetryConfig
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	// Now stamps the watermark; defaults to time.Now.
	Now func() time.Time
	// Store persists scan progress; nil keeps it in memory only.
	Store checkpoint.BackfillStore
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Ranges <= 0 {
		c.Ranges = 16
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.PageRetries < 0 {
		c.PageRetries = 0
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry = errors.DefaultRetryConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Progress reports scan counters.
type Progress struct {
	State       State
	RangesTotal int
	RangesDone  int
	Rows        int64
	PageRetries int64
	Resumed     bool
	Err         string
}

// Pipeline runs one backfill for one index.
type Pipeline struct {
	core   *index.Core
	src    source.Source
	mapper *cdc.Mapper
	cfg    Config
	logger *slog.Logger

	state   atomic.Int32
	limiter *rate.Limiter

	rangesTotal atomic.Int64
	rangesDone  atomic.Int64
	rows        atomic.Int64
	retries     atomic.Int64

	resume     *checkpoint.BackfillProgress
	progressMu sync.Mutex
	progress   checkpoint.BackfillProgress

	mu        sync.Mutex
	watermark Watermark
	reached   map[string]bool
	err       error

	marked  chan struct{} // closed once the watermark is recorded or the run failed
	scanned chan struct{} // closed once every page is applied
	done    chan struct{} // closed on Complete or Failed
	doneOne sync.Once
}

// New creates a pipeline that scans src into core.
func New(core *index.Core, src source.Source, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	def := core.Definition()
	p := &Pipeline{
		core:    core,
		src:     src,
		mapper:  cdc.NewMapper(def),
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("index", def.Name), slog.String("component", "backfill")),
		reached: make(map[string]bool),
		marked:  make(chan struct{}),
		scanned: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.PagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1)
	}
	return p
}

// State returns the current state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.cfg.Metrics.BackfillState(p.core.Definition().Name, s.String(), stateNames)
	p.logger.Info("backfill_state", slog.String("state", s.String()))
}

// Progress returns a copy of the counters.
func (p *Pipeline) Progress() Progress {
	pr := Progress{
		State:       p.State(),
		RangesTotal: int(p.rangesTotal.Load()),
		RangesDone:  int(p.rangesDone.Load()),
		Rows:        p.rows.Load(),
		PageRetries: p.retries.Load(),
		Resumed:     p.resume != nil,
	}
	if err := p.Err(); err != nil {
		pr.Err = err.Error()
	}
	return pr
}

// Err returns the failure of a Failed pipeline.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed when the pipeline is Complete or Failed.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Resume continues an interrupted backfill from prog instead of recording a
// new watermark. It must be called before Run, on a core that already holds
// every row the recorded pages produced.
func (p *Pipeline) Resume(prog checkpoint.BackfillProgress) {
	prog = prog.Clone()
	p.resume = &prog
}

// Interrupted reports whether the run was canceled after its watermark was
// recorded, which leaves it resumable.
func (p *Pipeline) Interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark.Positions != nil && stderrors.Is(p.err, context.Canceled)
}

// Watermark blocks until the watermark is recorded.
func (p *Pipeline) Watermark(ctx context.Context) (Watermark, error) {
	select {
	case <-ctx.Done():
		return Watermark{}, ctx.Err()
	case <-p.marked:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watermark.Positions == nil {
		return Watermark{}, p.err
	}
	return p.watermark, nil
}

// Advance is called by a partition consumer after it has applied pos.
func (p *Pipeline) Advance(partition string, pos model.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watermark.Positions == nil || p.reached[partition] {
		return
	}
	if wm, ok := p.watermark.Positions[partition]; ok && pos >= wm {
		p.reached[partition] = true
	}
}

func (p *Pipeline) caughtUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reached) == len(p.watermark.Positions)
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.setState(Failed)
	p.logger.Error("backfill_failed", slog.String("error", err.Error()))
	p.finish()
	return err
}

func (p *Pipeline) finish() {
	p.doneOne.Do(func() {
		select {
		case <-p.marked:
		default:
			close(p.marked)
		}
		close(p.done)
	})
}

// Run records (or resumes) the watermark, scans every unfinished range and
// waits until every consumer has reached the watermark. It returns nil once
// Complete.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(NotStarted), int32(Scanning)) {
		return fmt.Errorf("backfill already started")
	}
	p.setState(Scanning)
	start := time.Now()

	wm, err := p.startWatermark(ctx)
	if err != nil {
		return p.fail(err)
	}
	p.mu.Lock()
	p.watermark = wm
	p.mu.Unlock()
	close(p.marked)
	p.logger.Info("backfill_watermark",
		slog.Time("timestamp", wm.Timestamp),
		slog.Int("partitions", len(wm.Positions)),
		slog.Bool("resumed", p.resume != nil))

	// Partitions already at position 0 have nothing to wait for.
	for part, pos := range wm.Positions {
		if pos == 0 {
			p.Advance(part, 0)
		}
	}

	n := p.cfg.Ranges
	if p.resume != nil {
		n = p.resume.Ranges
	}
	ranges, err := p.src.Ranges(ctx, n)
	if err != nil {
		return p.fail(errors.ScanError("list scan ranges", err))
	}
	p.rangesTotal.Store(int64(len(ranges)))
	if p.resume != nil {
		p.progress = p.resume.Clone()
	} else {
		p.progress = checkpoint.BackfillProgress{
			Watermark:     maps.Clone(wm.Positions),
			WatermarkTime: wm.Timestamp,
			Ranges:        n,
		}
		p.saveProgress(ctx, p.progress)
	}
	if p.progress.Tokens == nil {
		p.progress.Tokens = make(map[int]string)
	}
	if p.progress.Done == nil {
		p.progress.Done = make(map[int]bool)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, r := range ranges {
		if p.progress.Done[r.ID] {
			p.rangesDone.Add(1)
			continue
		}
		token := p.progress.Tokens[r.ID]
		g.Go(func() error {
			return p.scanRange(gctx, r, token, wm.Timestamp)
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(err)
	}
	close(p.scanned)
	p.setState(Watermarked)
	p.logger.Info("backfill_scanned",
		slog.Int64("rows", p.rows.Load()),
		slog.Duration("elapsed", time.Since(start)))

	if err := p.awaitConsumers(ctx); err != nil {
		return p.fail(err)
	}
	if p.cfg.Store != nil {
		if err := p.cfg.Store.DeleteBackfill(ctx, p.core.Definition().Name); err != nil {
			p.logger.Warn("backfill_progress_delete_failed", slog.String("error", err.Error()))
		}
	}
	p.setState(Complete)
	p.finish()
	return nil
}

// startWatermark returns the resumed watermark, or records a new one.
func (p *Pipeline) startWatermark(ctx context.Context) (Watermark, error) {
	if p.resume != nil {
		return Watermark{Positions: maps.Clone(p.resume.Watermark), Timestamp: p.resume.WatermarkTime}, nil
	}
	return p.recordWatermark(ctx)
}

// pageDone records the token after a completed page and persists the
// updated progress. Saves are serialized so the stored record never goes
// backwards.
func (p *Pipeline) pageDone(ctx context.Context, rangeID int, next string, done bool) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	if done {
		p.progress.Done[rangeID] = true
		delete(p.progress.Tokens, rangeID)
	} else {
		p.progress.Tokens[rangeID] = next
	}
	p.saveProgress(ctx, p.progress)
}

// saveProgress persists prog. A failed save only costs resumability, so it
// is logged rather than failing the scan.
func (p *Pipeline) saveProgress(ctx context.Context, prog checkpoint.BackfillProgress) {
	if p.cfg.Store == nil {
		return
	}
	name := p.core.Definition().Name
	err := errors.Retry(ctx, p.cfg.Retry, func() error {
		return p.cfg.Store.SaveBackfill(ctx, name, prog)
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("backfill_progress_save_failed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) recordWatermark(ctx context.Context) (Watermark, error) {
	ts := p.cfg.Now()
	parts, err := errors.RetryWithResult(ctx, p.cfg.Retry, func() ([]string, error) {
		return p.src.Partitions(ctx)
	})
	if err != nil {
		return Watermark{}, errors.TransientStreamError("list partitions", err)
	}
	wm := Watermark{Positions: make(map[string]model.Position, len(parts)), Timestamp: ts}
	for _, part := range parts {
		head, err := errors.RetryWithResult(ctx, p.cfg.Retry, func() (model.Position, error) {
			return p.src.Head(ctx, part)
		})
		if err != nil {
			return Watermark{}, errors.TransientStreamError("read head of "+part, err)
		}
		wm.Positions[part] = head
	}
	return wm, nil
}

// scanRange reads one range page by page starting after token. A failed
// page is retried from the last completed page token.
func (p *Pipeline) scanRange(ctx context.Context, r source.Range, token string, fallback time.Time) error {
	backoff := errors.NewBackoff(p.cfg.Retry)
	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		page, err := p.src.Scan(ctx, r, token, p.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if backoff.Attempts() >= p.cfg.PageRetries {
				return errors.ScanError(fmt.Sprintf("range %d: page after %q failed %d times", r.ID, token, backoff.Attempts()+1), err)
			}
			p.retries.Add(1)
			p.logger.Warn("backfill_page_retry",
				slog.Int("range", r.ID),
				slog.Int("attempt", backoff.Attempts()+1),
				slog.String("error", err.Error()))
			if err := backoff.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()

		if err := p.applyPage(ctx, page, fallback); err != nil {
			return err
		}
		token = page.Next
		p.pageDone(ctx, r.ID, token, page.Done)
		if page.Done {
			p.rangesDone.Add(1)
			return nil
		}
	}
}

func (p *Pipeline) applyPage(ctx context.Context, page source.Page, fallback time.Time) error {
	batch := make([]model.Mutation, 0, len(page.Rows))
	for _, row := range page.Rows {
		ev, err := p.mapper.MapRow(row, fallback)
		if err != nil {
			return err
		}
		batch = append(batch, ev.Mutation())
	}
	if len(batch) > 0 {
		if _, err := p.core.Apply(ctx, batch); err != nil {
			return err
		}
	}
	p.rows.Add(int64(len(page.Rows)))
	p.cfg.Metrics.BackfillRows(p.core.Definition().Name, len(page.Rows))
	return nil
}

func (p *Pipeline) awaitConsumers(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !p.caughtUp() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
