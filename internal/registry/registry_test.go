package registry

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/archive"
	"github.com/Aman-CERP/vectorsync/internal/backfill"
	"github.com/Aman-CERP/vectorsync/internal/cdc"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/source"
	"github.com/Aman-CERP/vectorsync/internal/source/memory"
	"github.com/Aman-CERP/vectorsync/internal/stream"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
)

var fast = errors.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

func newTable(t *testing.T, partitions int) (*memory.Table, string) {
	t.Helper()
	name := fmt.Sprintf("%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	return memory.Default.CreateTable(name, []string{"id"}, partitions), name
}

func testDef(table string) model.IndexDefinition {
	return model.IndexDefinition{
		Name:            "docs",
		Table:           table,
		KeyColumns:      []string{"id"},
		VectorColumn:    "embedding",
		MetadataColumns: []string{"lang"},
		Dimension:       4,
	}
}

func testConfig(a *archive.Archiver) Config {
	return Config{
		SourceDriver:    memory.DriverName,
		Index:           index.Options{Shards: 2},
		Stream:          stream.Config{BatchSize: 16, PollInterval: 2 * time.Millisecond, Reconnect: fast, Commit: fast},
		Backfill:        backfill.Config{Workers: 2, Ranges: 4, PageSize: 8, Retry: fast},
		Archiver:        a,
		MetricsInterval: 5 * time.Millisecond,
		Metrics:         telemetry.NewMetrics(),
	}
}

func put(t *testing.T, tbl *memory.Table, id string, vec ...float32) {
	t.Helper()
	_, err := tbl.Put(map[string]any{"id": id, "embedding": vec, "lang": "en"})
	require.NoError(t, err)
}

func key(t *testing.T, id string) model.Key {
	t.Helper()
	k, err := cdc.EncodeKey(id)
	require.NoError(t, err)
	return k
}

func waitStatus(t *testing.T, r *Registry, name string, want search.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := r.Status(name)
		return err == nil && st.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func waitSize(t *testing.T, r *Registry, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		core, err := r.Get(name)
		return err == nil && core.Size() == n
	}, 5*time.Second, 5*time.Millisecond)
}

func closeRegistry(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRegistry_EndToEnd(t *testing.T) {
	// Given: a two-partition table with three rows before the index exists
	ctx := context.Background()
	tbl, table := newTable(t, 2)
	put(t, tbl, "a", 1, 0, 0, 0)
	put(t, tbl, "b", 0, 1, 0, 0)
	put(t, tbl, "c", 0, 0, 1, 0)
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	defer closeRegistry(t, r)
	svc := search.NewService(r, search.DefaultConfig())

	// When: the index is created
	require.NoError(t, r.Create(ctx, testDef(table)))

	// Then: the backfill completes and the rows are searchable
	waitStatus(t, r, "docs", search.StatusFresh)
	resp, err := svc.Search(ctx, search.Query{Index: "docs", Vector: []float32{1, 0, 0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, key(t, "a"), resp.Results[0].Key)
	assert.Equal(t, search.StatusFresh, resp.Status)

	// When: the table changes after the backfill
	put(t, tbl, "d", 0, 0, 0, 1)
	_, err = tbl.Delete(map[string]any{"id": "b"})
	require.NoError(t, err)
	put(t, tbl, "a", 0.9, 0.1, 0, 0)

	// Then: the stream brings the index up to date
	require.Eventually(t, func() bool {
		core, _ := r.Get("docs")
		_, hasB := core.Get(key(t, "b"))
		rec, hasA := core.Get(key(t, "a"))
		return core.Size() == 3 && !hasB && hasA && rec.Vector[1] > 0
	}, 5*time.Second, 5*time.Millisecond)
	resp, err = svc.Search(ctx, search.Query{Index: "docs", Vector: []float32{0, 0, 0, 1}, K: 1})
	require.NoError(t, err)
	assert.Equal(t, key(t, "d"), resp.Results[0].Key)

	st, err := r.Status("docs")
	require.NoError(t, err)
	assert.Len(t, st.Partitions, 2)
	assert.Equal(t, backfill.Complete.String(), st.Backfill.State)
	assert.Equal(t, int64(3), st.Backfill.Rows)
	assert.True(t, r.Health().Healthy)
}

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, table := newTable(t, 1)
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	defer closeRegistry(t, r)

	require.NoError(t, r.Create(ctx, testDef(table)))
	require.NoError(t, r.Create(ctx, testDef(table)), "identical definition")

	conflicting := testDef(table)
	conflicting.Dimension = 8
	err := r.Create(ctx, conflicting)
	assert.ErrorIs(t, err, errors.ErrIndexExists)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_CreateRejectsInvalidDefinition(t *testing.T) {
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	defer closeRegistry(t, r)

	err := r.Create(context.Background(), model.IndexDefinition{Name: "bad name!", Table: "t"})

	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
	assert.Empty(t, r.List())
}

func TestRegistry_DropDeletesState(t *testing.T) {
	// Given: a streaming index with committed checkpoints
	ctx := context.Background()
	tbl, table := newTable(t, 1)
	backend := checkpoint.NewMemoryStore()
	r := New(backend, testConfig(nil))
	defer closeRegistry(t, r)
	require.NoError(t, r.Create(ctx, testDef(table)))
	put(t, tbl, "a", 1, 0, 0, 0)
	waitSize(t, r, "docs", 1)
	require.Eventually(t, func() bool {
		cps, _ := backend.List(ctx, "docs")
		return cps["p0"] == 1
	}, 5*time.Second, 5*time.Millisecond)

	// When: it is dropped
	require.NoError(t, r.Drop(ctx, "docs"))

	// Then: it is gone along with its checkpoints and catalog entry
	_, err := r.Lookup("docs")
	assert.ErrorIs(t, err, errors.ErrIndexNotFound)
	cps, err := backend.List(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, cps)
	defs, err := backend.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
	assert.ErrorIs(t, r.Drop(ctx, "docs"), errors.ErrIndexNotFound)
}

func TestRegistry_StartReloadsCatalog(t *testing.T) {
	// Given: an index created by an earlier registry over the same backend
	ctx := context.Background()
	tbl, table := newTable(t, 2)
	put(t, tbl, "a", 1, 0, 0, 0)
	put(t, tbl, "b", 0, 1, 0, 0)
	backend := checkpoint.NewMemoryStore()
	first := New(backend, testConfig(nil))
	require.NoError(t, first.Create(ctx, testDef(table)))
	waitStatus(t, first, "docs", search.StatusFresh)
	closeRegistry(t, first)

	// When: a new registry starts
	second := New(backend, testConfig(nil))
	defer closeRegistry(t, second)
	require.NoError(t, second.Start(ctx, nil))

	// Then: the index is rebuilt by a fresh backfill
	waitStatus(t, second, "docs", search.StatusFresh)
	st, err := second.Status("docs")
	require.NoError(t, err)
	assert.False(t, st.Restored)
	assert.Equal(t, 2, st.Size)
}

func TestRegistry_StartAddsStaticDefinitions(t *testing.T) {
	ctx := context.Background()
	_, table := newTable(t, 1)
	backend := checkpoint.NewMemoryStore()
	r := New(backend, testConfig(nil))
	defer closeRegistry(t, r)

	require.NoError(t, r.Start(ctx, []model.IndexDefinition{testDef(table)}))

	_, err := r.Lookup("docs")
	require.NoError(t, err)
	defs, err := backend.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestRegistry_ReloadCreatesOnlyNewDefinitions(t *testing.T) {
	// Given: a registry running one static index
	ctx := context.Background()
	_, table := newTable(t, 1)
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	defer closeRegistry(t, r)
	require.NoError(t, r.Start(ctx, []model.IndexDefinition{testDef(table)}))
	first, err := r.Get("docs")
	require.NoError(t, err)

	// When: the config now also names a second index and changes the first
	changed := testDef(table)
	changed.Dimension = 8
	notes := testDef(table)
	notes.Name = "notes"
	n, err := r.Reload(ctx, []model.IndexDefinition{changed, notes})

	// Then: only the new index is created and the running one is untouched
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.Lookup("notes")
	require.NoError(t, err)
	same, err := r.Get("docs")
	require.NoError(t, err)
	assert.Same(t, first, same)
	st, err := r.Status("docs")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Definition.Dimension)
}

func TestRegistry_ReloadAfterCloseFails(t *testing.T) {
	_, table := newTable(t, 1)
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	require.NoError(t, r.Close(context.Background()))

	_, err := r.Reload(context.Background(), []model.IndexDefinition{testDef(table)})

	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
}

func TestRegistry_WarmRestartFromArchive(t *testing.T) {
	// Given: an index that streamed some changes and was shut down cleanly
	ctx := context.Background()
	tbl, table := newTable(t, 2)
	put(t, tbl, "a", 1, 0, 0, 0)
	backend := checkpoint.NewMemoryStore()
	store, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	archiver := archive.NewArchiver(store, nil)

	first := New(backend, testConfig(archiver))
	require.NoError(t, first.Create(ctx, testDef(table)))
	waitStatus(t, first, "docs", search.StatusFresh)
	put(t, tbl, "b", 0, 1, 0, 0)
	_, err = tbl.Delete(map[string]any{"id": "a"})
	require.NoError(t, err)
	put(t, tbl, "c", 0, 0, 1, 0)
	waitSize(t, first, "docs", 2)
	closeRegistry(t, first)

	// When: a new registry starts
	second := New(backend, testConfig(archiver))
	defer closeRegistry(t, second)
	require.NoError(t, second.Start(ctx, nil))

	// Then: the archive is restored without a backfill
	st, err := second.Status("docs")
	require.NoError(t, err)
	assert.True(t, st.Restored)
	assert.Nil(t, st.Backfill)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 1, st.Tombstones)

	// And: streaming resumes after the archived positions
	put(t, tbl, "d", 0, 0, 0, 1)
	waitSize(t, second, "docs", 3)
	waitStatus(t, second, "docs", search.StatusFresh)
}

func TestRegistry_StaleArchiveIsDiscarded(t *testing.T) {
	// Given: an archive whose positions no longer match the checkpoints
	ctx := context.Background()
	tbl, table := newTable(t, 1)
	put(t, tbl, "a", 1, 0, 0, 0)
	backend := checkpoint.NewMemoryStore()
	store, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	archiver := archive.NewArchiver(store, nil)

	first := New(backend, testConfig(archiver))
	require.NoError(t, first.Create(ctx, testDef(table)))
	waitStatus(t, first, "docs", search.StatusFresh)
	closeRegistry(t, first)
	_, err = archiver.Load(ctx, "docs")
	require.NoError(t, err)
	put(t, tbl, "b", 0, 1, 0, 0)
	require.NoError(t, backend.Commit(ctx, "docs", "p0", 2))

	// When: a new registry starts
	second := New(backend, testConfig(archiver))
	defer closeRegistry(t, second)
	require.NoError(t, second.Start(ctx, nil))

	// Then: the archive is dropped and a backfill rebuilds the index
	st, err := second.Status("docs")
	require.NoError(t, err)
	assert.False(t, st.Restored)
	waitSize(t, second, "docs", 2)
	_, err = archiver.Load(ctx, "docs")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestRegistry_InterruptedBackfillResumes(t *testing.T) {
	// Given: a throttled backfill of 40 rows stopped after a few pages
	ctx := context.Background()
	tbl, table := newTable(t, 2)
	for i := 0; i < 40; i++ {
		put(t, tbl, fmt.Sprintf("k%02d", i), 1, float32(i), 0, 0)
	}
	backend := checkpoint.NewMemoryStore()
	store, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	archiver := archive.NewArchiver(store, nil)

	slow := testConfig(archiver)
	slow.Backfill = backfill.Config{Workers: 1, Ranges: 1, PageSize: 2, PagesPerSecond: 50, Retry: fast}
	first := New(backend, slow)
	require.NoError(t, first.Create(ctx, testDef(table)))
	require.Eventually(t, func() bool {
		st, err := first.Status("docs")
		return err == nil && st.Backfill != nil && st.Backfill.Rows >= 6
	}, 5*time.Second, time.Millisecond)
	closeRegistry(t, first)

	// Then: the scan progress and a partial archive are stored
	prog, ok, err := backend.LoadBackfill(ctx, "docs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, prog.Tokens[0])
	snap, err := archiver.Load(ctx, "docs")
	require.NoError(t, err)
	require.NotNil(t, snap.Backfill)
	scanned := len(snap.Records)
	require.Less(t, scanned, 40)

	// When: a new registry starts
	second := New(backend, testConfig(archiver))
	defer closeRegistry(t, second)
	require.NoError(t, second.Start(ctx, nil))

	// Then: the scan continues from its last completed page and completes
	waitSize(t, second, "docs", 40)
	waitStatus(t, second, "docs", search.StatusFresh)
	st, err := second.Status("docs")
	require.NoError(t, err)
	assert.False(t, st.Restored)
	require.NotNil(t, st.Backfill)
	assert.True(t, st.Backfill.Resumed)
	assert.Less(t, st.Backfill.Rows, int64(40))
	assert.LessOrEqual(t, st.Backfill.Rows, int64(40-scanned+2), "at most one page is read twice")
	_, ok, err = backend.LoadBackfill(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_ProgressWithoutArchiveIsDiscarded(t *testing.T) {
	// Given: stored scan progress but no archive holding the scanned rows
	ctx := context.Background()
	tbl, table := newTable(t, 1)
	put(t, tbl, "a", 1, 0, 0, 0)
	put(t, tbl, "b", 0, 1, 0, 0)
	backend := checkpoint.NewMemoryStore()
	require.NoError(t, backend.SaveDefinition(ctx, testDef(table).WithDefaults()))
	require.NoError(t, backend.SaveBackfill(ctx, "docs", checkpoint.BackfillProgress{
		Watermark: map[string]model.Position{"p0": 2},
		Ranges:    1,
		Done:      map[int]bool{0: true},
	}))
	store, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	// When: the registry starts
	r := New(backend, testConfig(archive.NewArchiver(store, nil)))
	defer closeRegistry(t, r)
	require.NoError(t, r.Start(ctx, nil))

	// Then: a full backfill runs instead of trusting the progress
	waitSize(t, r, "docs", 2)
	st, err := r.Status("docs")
	require.NoError(t, err)
	require.NotNil(t, st.Backfill)
	assert.False(t, st.Backfill.Resumed)
	assert.Equal(t, int64(2), st.Backfill.Rows)
}

func TestRegistry_FailedPartitionKeepsServing(t *testing.T) {
	// Given: a streaming index
	ctx := context.Background()
	tbl, table := newTable(t, 1)
	put(t, tbl, "a", 1, 0, 0, 0)
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	defer closeRegistry(t, r)
	require.NoError(t, r.Create(ctx, testDef(table)))
	waitStatus(t, r, "docs", search.StatusFresh)

	// When: the stream delivers a record of the wrong dimension
	_, err := tbl.Append("p0", source.Record{
		Op:      model.OpUpsert,
		Columns: map[string]any{"id": "bad", "embedding": []float32{1, 2}},
	})
	require.NoError(t, err)

	// Then: the partition fails, the index reports degraded and still answers
	waitStatus(t, r, "docs", search.StatusDegraded)
	h := r.Health()
	assert.False(t, h.Healthy)
	require.Len(t, h.FailedPartitions, 1)
	assert.Contains(t, h.FailedPartitions[0], "docs/p0")

	resp, err := search.NewService(r, search.DefaultConfig()).Search(ctx, search.Query{Index: "docs", Vector: []float32{1, 0, 0, 0}, K: 1})
	require.NoError(t, err)
	assert.Equal(t, search.StatusDegraded, resp.Status)
	assert.Len(t, resp.Results, 1)
}

func TestRegistry_MalformedScannedRowRaisesHealthAlarm(t *testing.T) {
	// Given: a table with a row of the wrong dimension before the index exists
	ctx := context.Background()
	tbl, table := newTable(t, 1)
	put(t, tbl, "a", 1, 0, 0, 0)
	_, err := tbl.Put(map[string]any{"id": "bad", "embedding": []float32{1, 2}})
	require.NoError(t, err)
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	defer closeRegistry(t, r)

	// When: the index is created
	require.NoError(t, r.Create(ctx, testDef(table)))

	// Then: the backfill fails and health reports it
	waitStatus(t, r, "docs", search.StatusDegraded)
	h := r.Health()
	assert.False(t, h.Healthy)
	require.Len(t, h.FailedBackfills, 1)
	assert.Contains(t, h.FailedBackfills[0], "docs: ")
	assert.Contains(t, h.FailedBackfills[0], "dimension")
	st, err := r.Status("docs")
	require.NoError(t, err)
	assert.Equal(t, backfill.Failed.String(), st.Backfill.State)
}

func TestRegistry_ReconnectingIsStale(t *testing.T) {
	ctx := context.Background()
	tbl, table := newTable(t, 1)
	cfg := testConfig(nil)
	cfg.Stream.Reconnect = errors.RetryConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	r := New(checkpoint.NewMemoryStore(), cfg)
	defer closeRegistry(t, r)
	require.NoError(t, r.Create(ctx, testDef(table)))
	waitStatus(t, r, "docs", search.StatusFresh)

	tbl.FailReads("p0", 1, fmt.Errorf("connection reset"))

	waitStatus(t, r, "docs", search.StatusStale)
}

func TestRegistry_CloseRejectsCreate(t *testing.T) {
	r := New(checkpoint.NewMemoryStore(), testConfig(nil))
	closeRegistry(t, r)
	require.NoError(t, r.Close(context.Background()), "close twice")

	err := r.Create(context.Background(), testDef("t"))

	assert.ErrorIs(t, err, errors.ErrClosed)
}
