// Package registry owns the set of live indexes. Creating an index opens its
// source table, starts a backfill (or restores an archive) and one stream
// consumer per partition; dropping it stops them and deletes its checkpoints.
//
// With archiving enabled, an index stopped mid-backfill is archived together
// with its persisted scan progress, and the next start restores it and
// resumes the scan from the last completed pages.
//
// Failures inside an index never escape the registry: a failed partition or a
// degraded core shows up in Status and Health while the index keeps serving
// reads.
package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Aman-CERP/vectorsync/internal/archive"
	"github.com/Aman-CERP/vectorsync/internal/backfill"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/source"
	"github.com/Aman-CERP/vectorsync/internal/stream"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
)

// Config wires a Registry to its collaborators.
type Config struct {
	// SourceDriver and SourceOptions select how tables are opened.
	SourceDriver  string
	SourceOptions map[string]string

	Index    index.Options
	Stream   stream.Config
	Backfill backfill.Config

	// StaleLag is the lag above which an index reports stale.
	StaleLag uint64
	// Archiver enables warm restarts; nil disables archiving.
	Archiver *archive.Archiver
	// MetricsInterval is how often index gauges are refreshed (default 5s).
	MetricsInterval time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.SourceDriver == "" {
		c.SourceDriver = "memory"
	}
	if c.StaleLag == 0 {
		c.StaleLag = 100
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Stream.Logger == nil {
		c.Stream.Logger = c.Logger
	}
	if c.Stream.Metrics == nil {
		c.Stream.Metrics = c.Metrics
	}
	if c.Backfill.Logger == nil {
		c.Backfill.Logger = c.Logger
	}
	if c.Backfill.Metrics == nil {
		c.Backfill.Metrics = c.Metrics
	}
	if c.Stream.Commit.InitialDelay <= 0 {
		c.Stream.Commit = errors.DefaultRetryConfig()
	}
	if c.Index.Logger == nil {
		c.Index.Logger = c.Logger
	}
	return c
}

// Registry is the lifecycle-scoped table of live indexes.
type Registry struct {
	cfg     Config
	backend checkpoint.Backend
	logger  *slog.Logger

	entries *xsync.MapOf[string, *entry]

	// mu serializes Create, Drop and Close.
	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

var _ search.Resolver = (*Registry)(nil)

// New creates an empty registry. Indexes persisted in backend are not
// started until Start.
func New(backend checkpoint.Backend, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:     cfg,
		backend: backend,
		logger:  cfg.Logger.With(slog.String("component", "registry")),
		entries: xsync.NewMapOf[string, *entry](),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.bg.Add(1)
	go r.collect()
	return r
}

// Start re-creates every index in the catalog, then every static definition
// not already present. An index that fails to start is logged and skipped.
func (r *Registry) Start(ctx context.Context, static []model.IndexDefinition) error {
	defs, err := r.backend.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load index catalog: %w", err)
	}
	if _, err := r.createAll(ctx, append(defs, static...)); err != nil {
		return err
	}
	r.logger.Info("registry_started", slog.Int("indexes", r.entries.Size()))
	return nil
}

// Reload creates the static definitions that are not running yet, after
// the config file changed. Running indexes are never replaced or dropped;
// a changed definition is logged and ignored. It returns the number of
// indexes created.
func (r *Registry) Reload(ctx context.Context, static []model.IndexDefinition) (int, error) {
	n, err := r.createAll(ctx, static)
	if err != nil {
		return n, err
	}
	r.logger.Info("registry_reloaded", slog.Int("created", n), slog.Int("indexes", r.entries.Size()))
	return n, nil
}

// createAll creates each definition, logging failures. Only a closed
// registry stops it.
func (r *Registry) createAll(ctx context.Context, defs []model.IndexDefinition) (int, error) {
	created := 0
	for _, def := range defs {
		_, existed := r.entries.Load(def.Name)
		if err := r.Create(ctx, def); err != nil {
			if errors.GetCode(err) == errors.ErrCodeClosed {
				return created, err
			}
			r.logger.Error("index_start_failed",
				slog.String("index", def.Name),
				slog.String("error", err.Error()))
			continue
		}
		if !existed {
			created++
		}
	}
	return created, nil
}

// Create starts a new index. Creating an index that already exists with an
// identical definition is a no-op; a different definition fails with
// IndexExists.
func (r *Registry) Create(ctx context.Context, def model.IndexDefinition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return errors.ValidationError(err.Error(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New(errors.ErrCodeClosed, "registry closed", nil)
	}
	if existing, ok := r.entries.Load(def.Name); ok {
		if existing.def.Equal(def) {
			return nil
		}
		return errors.New(errors.ErrCodeIndexExists,
			fmt.Sprintf("index %s already exists with a different definition", def.Name), nil)
	}

	e, err := r.build(ctx, def)
	if err != nil {
		return err
	}
	if err := r.backend.SaveDefinition(ctx, def); err != nil {
		r.release(e)
		return err
	}
	r.entries.Store(def.Name, e)
	e.run(r.ctx)
	r.logger.Info("index_created",
		slog.String("index", def.Name),
		slog.String("table", def.Table),
		slog.Int("partitions", len(e.consumers)),
		slog.Bool("restored", e.restored))
	return nil
}

// build opens the source, creates the core, and either restores an archive
// or prepares a backfill.
func (r *Registry) build(ctx context.Context, def model.IndexDefinition) (*entry, error) {
	opts := maps.Clone(r.cfg.SourceOptions)
	if opts == nil {
		opts = map[string]string{}
	}
	if _, ok := opts["key_columns"]; !ok {
		opts["key_columns"] = strings.Join(def.KeyColumns, ",")
	}
	src, err := source.Open(ctx, r.cfg.SourceDriver, def.Table, opts)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", def.Table, err)
	}
	parts, err := errors.RetryWithResult(ctx, r.cfg.Stream.Commit, func() ([]string, error) {
		return src.Partitions(ctx)
	})
	if err != nil {
		_ = src.Close()
		return nil, errors.TransientStreamError("list partitions of "+def.Table, err)
	}
	logger := r.logger.With(slog.String("index", def.Name))
	core, resume := r.restore(ctx, def, logger)
	restored := core != nil && resume == nil
	if core == nil {
		core, err = index.New(def, r.cfg.Index)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
	}

	e := &entry{
		def:       def,
		core:      core,
		src:       src,
		restored:  restored,
		createdAt: time.Now().UTC(),
		logger:    logger,
	}
	if !restored {
		bcfg := r.cfg.Backfill
		if r.cfg.Archiver != nil {
			bcfg.Store = r.backend
		}
		e.backfill = backfill.New(core, src, bcfg)
		if resume != nil {
			e.backfill.Resume(*resume)
		}
	}
	for _, p := range parts {
		var handoff stream.Handoff
		if e.backfill != nil {
			handoff = e.backfill
		}
		e.consumers = append(e.consumers, stream.New(core, src, r.backend, p, handoff, r.cfg.Stream))
	}
	return e, nil
}

// restore returns a core loaded from the archive of def when the archive
// matches the committed checkpoints and the stored backfill progress. The
// progress is returned when the archive was taken mid-backfill. A stale
// archive is deleted, and so is progress no archive can resume.
func (r *Registry) restore(ctx context.Context, def model.IndexDefinition, logger *slog.Logger) (*index.Core, *checkpoint.BackfillProgress) {
	prog, hasProg, err := r.backend.LoadBackfill(ctx, def.Name)
	if err != nil {
		logger.Warn("backfill_progress_unreadable", slog.String("error", err.Error()))
		hasProg = false
	}
	core, ok := r.restoreArchive(ctx, def, prog, hasProg, logger)
	if !ok {
		if hasProg {
			logger.Info("backfill_progress_discarded", slog.Int("ranges_done", len(prog.Done)))
			if err := r.backend.DeleteBackfill(ctx, def.Name); err != nil {
				logger.Warn("backfill_progress_delete_failed", slog.String("error", err.Error()))
			}
		}
		return nil, nil
	}
	if hasProg {
		return core, &prog
	}
	return core, nil
}

func (r *Registry) restoreArchive(ctx context.Context, def model.IndexDefinition, prog checkpoint.BackfillProgress, hasProg bool, logger *slog.Logger) (*index.Core, bool) {
	if r.cfg.Archiver == nil {
		return nil, false
	}
	snap, err := r.cfg.Archiver.Load(ctx, def.Name)
	if err != nil {
		if !stderrors.Is(err, archive.ErrNotFound) {
			logger.Warn("archive_unreadable", slog.String("error", err.Error()))
		}
		return nil, false
	}
	committed, err := r.backend.List(ctx, def.Name)
	if err != nil {
		logger.Warn("archive_skipped", slog.String("error", err.Error()))
		return nil, false
	}
	if !snap.Definition.Equal(def) || !snap.Matches(committed) || !snap.MatchesBackfill(prog, hasProg) {
		logger.Info("archive_discarded",
			slog.Any("archived", snap.Positions),
			slog.Any("committed", committed),
			slog.Bool("partial", snap.Backfill != nil))
		if err := r.cfg.Archiver.Remove(ctx, def.Name); err != nil {
			logger.Warn("archive_remove_failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	core, err := index.New(def, r.cfg.Index)
	if err != nil {
		return nil, false
	}
	if err := core.Import(ctx, snap.Records, snap.Tombstones); err != nil {
		logger.Warn("archive_import_failed", slog.String("error", err.Error()))
		_ = core.Close()
		return nil, false
	}
	logger.Info("archive_restored",
		slog.Int("records", len(snap.Records)),
		slog.Bool("partial", snap.Backfill != nil),
		slog.Time("archived_at", snap.CreatedAt))
	return core, true
}

func (r *Registry) release(e *entry) {
	_ = e.core.Close()
	_ = e.src.Close()
}

// Drop stops an index and deletes its checkpoints, catalog entry, backfill
// progress and archive.
func (r *Registry) Drop(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.LoadAndDelete(name)
	if !ok {
		return notFound(name)
	}
	stopErr := e.stop(ctx)
	r.release(e)

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	if err := r.backend.DeleteIndex(ctx, name); err != nil {
		errs = append(errs, err)
	}
	if err := r.backend.DeleteDefinition(ctx, name); err != nil {
		errs = append(errs, err)
	}
	if err := r.backend.DeleteBackfill(ctx, name); err != nil {
		errs = append(errs, err)
	}
	if r.cfg.Archiver != nil {
		if err := r.cfg.Archiver.Remove(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	r.cfg.Metrics.Forget(name)
	r.logger.Info("index_dropped", slog.String("index", name))
	return stderrors.Join(errs...)
}

func notFound(name string) error {
	return errors.New(errors.ErrCodeIndexNotFound, "index "+name+" not found", nil)
}

// Lookup implements search.Resolver.
func (r *Registry) Lookup(name string) (search.Target, error) {
	e, ok := r.entries.Load(name)
	if !ok {
		return nil, notFound(name)
	}
	return e, nil
}

// Get returns the core of an index.
func (r *Registry) Get(name string) (*index.Core, error) {
	e, ok := r.entries.Load(name)
	if !ok {
		return nil, notFound(name)
	}
	return e.core, nil
}

// Status reports one index.
func (r *Registry) Status(name string) (Status, error) {
	e, ok := r.entries.Load(name)
	if !ok {
		return Status{}, notFound(name)
	}
	return e.status(r.cfg.StaleLag), nil
}

// List reports every index, ordered by name.
func (r *Registry) List() []Status {
	out := make([]Status, 0, r.entries.Size())
	r.entries.Range(func(_ string, e *entry) bool {
		out = append(out, e.status(r.cfg.StaleLag))
		return true
	})
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Health summarizes problems across all indexes.
type Health struct {
	Healthy          bool     `json:"healthy"`
	Indexes          int      `json:"indexes"`
	Degraded         []string `json:"degraded,omitempty"`
	FailedPartitions []string `json:"failed_partitions,omitempty"`
	FailedBackfills  []string `json:"failed_backfills,omitempty"`
}

// Health lists degraded cores, failed partitions and failed backfills.
func (r *Registry) Health() Health {
	h := Health{}
	for _, st := range r.List() {
		h.Indexes++
		if st.Degraded != "" {
			h.Degraded = append(h.Degraded, st.Name+": "+st.Degraded)
		}
		if st.Backfill != nil && st.Backfill.State == backfill.Failed.String() {
			h.FailedBackfills = append(h.FailedBackfills, st.Name+": "+st.Backfill.Error)
		}
		for _, p := range st.Partitions {
			if p.State == stream.Failed.String() {
				h.FailedPartitions = append(h.FailedPartitions, st.Name+"/"+p.Partition+": "+p.Error)
			}
		}
	}
	h.Healthy = len(h.Degraded) == 0 && len(h.FailedPartitions) == 0 && len(h.FailedBackfills) == 0
	return h
}

// Close stops every index, archives those in a consistent state and
// releases their resources. The checkpoint backend stays open.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	var errs []error
	r.entries.Range(func(name string, e *entry) bool {
		if err := e.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		} else if err := r.save(ctx, e); err != nil {
			errs = append(errs, err)
		}
		r.release(e)
		r.entries.Delete(name)
		return true
	})
	r.bg.Wait()
	r.logger.Info("registry_closed")
	return stderrors.Join(errs...)
}

// save archives a stopped index. Positions consumers applied but never
// committed (a watermark start with no later events) are committed first so
// the archive and the checkpoints agree. An index stopped mid-backfill is
// archived with the stored scan progress.
func (r *Registry) save(ctx context.Context, e *entry) error {
	if r.cfg.Archiver == nil {
		return nil
	}
	if !e.archivable() {
		e.logger.Info("archive_skipped", slog.String("reason", "index not in a consistent state"))
		return nil
	}
	name := e.def.Name
	var partial *checkpoint.BackfillProgress
	if e.backfill != nil && e.backfill.State() != backfill.Complete {
		prog, ok, err := r.backend.LoadBackfill(ctx, name)
		if err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		if !ok {
			e.logger.Info("archive_skipped", slog.String("reason", "no backfill progress stored"))
			return nil
		}
		partial = &prog
	}
	for _, c := range e.consumers {
		st := c.Status()
		if st.Applied > st.Committed {
			if err := r.backend.Commit(ctx, name, st.Partition, st.Applied); err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
		}
	}
	committed, err := r.backend.List(ctx, name)
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	records, tombs, err := e.core.Export(ctx)
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return r.cfg.Archiver.Save(ctx, &archive.Snapshot{
		Definition: e.def,
		Positions:  committed,
		Records:    records,
		Tombstones: tombs,
		Backfill:   partial,
	})
}

// collect refreshes per-index gauges until the registry closes.
func (r *Registry) collect() {
	defer r.bg.Done()
	ticker := time.NewTicker(r.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.entries.Range(func(name string, e *entry) bool {
				r.cfg.Metrics.IndexSize(name, e.core.Size())
				return true
			})
		}
	}
}
