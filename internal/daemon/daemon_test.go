package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/backfill"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/source/memory"
	"github.com/Aman-CERP/vectorsync/internal/stream"
)

var fastRetry = errors.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

func testDaemonConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		SocketPath:          testSocketPath(t),
		PIDPath:             filepath.Join(dir, "vectorsync.pid"),
		LockPath:            filepath.Join(dir, "vectorsync.lock"),
		Timeout:             2 * time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(checkpoint.NewMemoryStore(), registry.Config{
		SourceDriver: memory.DriverName,
		Index:        index.Options{Shards: 2},
		Stream:       stream.Config{BatchSize: 16, PollInterval: 2 * time.Millisecond, Reconnect: fastRetry, Commit: fastRetry},
		Backfill:     backfill.Config{Workers: 2, Ranges: 4, PageSize: 8, Retry: fastRetry},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// runDaemon starts d and returns a function that stops it and waits.
func runDaemon(t *testing.T, d *Daemon, client *Client) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	require.Eventually(t, client.IsRunning, 2*time.Second, 5*time.Millisecond)
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func TestNewDaemon_Validates(t *testing.T) {
	reg := newTestRegistry(t)
	svc := search.NewService(reg, search.DefaultConfig())

	_, err := NewDaemon(Config{}, reg, svc)
	assert.Error(t, err)

	_, err = NewDaemon(testDaemonConfig(t), nil, svc)
	assert.Error(t, err)

	d, err := NewDaemon(testDaemonConfig(t), reg, svc, WithVersion("1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.version)
}

func TestDaemon_StartWritesAndRemovesPIDFile(t *testing.T) {
	// Given: a daemon over an empty registry
	cfg := testDaemonConfig(t)
	reg := newTestRegistry(t)
	d, err := NewDaemon(cfg, reg, search.NewService(reg, search.DefaultConfig()), WithVersion("1.2.3"))
	require.NoError(t, err)
	client := NewClient(cfg)

	// When: it starts
	stop := runDaemon(t, d, client)

	// Then: the PID file describes this server
	info, err := NewPIDFile(cfg.PIDPath).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, cfg.SocketPath, info.Socket)
	assert.Equal(t, "1.2.3", info.Version)

	// When: it stops
	stop()

	// Then: the PID file is gone
	_, err = NewPIDFile(cfg.PIDPath).Read()
	assert.ErrorIs(t, err, ErrPIDFileNotFound)
}

func TestDaemon_ReplacesStalePIDFile(t *testing.T) {
	// Given: a PID file left by a process that no longer exists
	cfg := testDaemonConfig(t)
	require.NoError(t, NewPIDFile(cfg.PIDPath).Write(ServerInfo{PID: 4194304 + 54321}))
	reg := newTestRegistry(t)
	d, err := NewDaemon(cfg, reg, search.NewService(reg, search.DefaultConfig()))
	require.NoError(t, err)

	// When: the daemon starts
	runDaemon(t, d, NewClient(cfg))

	// Then: the file now names this process
	info, err := NewPIDFile(cfg.PIDPath).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestDaemon_RefusesLiveForeignPIDFile(t *testing.T) {
	// Given: a PID file naming a live process other than this one
	cfg := testDaemonConfig(t)
	require.NoError(t, NewPIDFile(cfg.PIDPath).Write(ServerInfo{PID: os.Getppid()}))
	reg := newTestRegistry(t)
	d, err := NewDaemon(cfg, reg, search.NewService(reg, search.DefaultConfig()))
	require.NoError(t, err)

	// When: the daemon starts
	err = d.Start(context.Background())

	// Then: it refuses
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDaemon_EndToEnd(t *testing.T) {
	// Given: a source table with two rows and a running daemon
	ctx := context.Background()
	table := fmt.Sprintf("%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	tbl := memory.Default.CreateTable(table, []string{"id"}, 2)
	for id, vec := range map[string][]float32{"a": {1, 0, 0, 0}, "b": {0, 1, 0, 0}} {
		_, err := tbl.Put(map[string]any{"id": id, "embedding": vec, "lang": "en"})
		require.NoError(t, err)
	}
	cfg := testDaemonConfig(t)
	reg := newTestRegistry(t)
	d, err := NewDaemon(cfg, reg, search.NewService(reg, search.DefaultConfig()))
	require.NoError(t, err)
	client := NewClient(cfg)
	runDaemon(t, d, client)

	// When: an index is created over the socket
	st, err := client.Create(ctx, model.IndexDefinition{
		Name:            "docs",
		Table:           table,
		KeyColumns:      []string{"id"},
		VectorColumn:    "embedding",
		MetadataColumns: []string{"lang"},
		Dimension:       4,
	})
	require.NoError(t, err)
	assert.Equal(t, "docs", st.Name)

	// Then: it becomes fresh and answers queries
	require.Eventually(t, func() bool {
		res, err := client.Status(ctx, "docs")
		return err == nil && len(res.Indexes) == 1 && res.Indexes[0].Status == search.StatusFresh
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := client.Search(ctx, SearchParams{Index: "docs", Vector: []float32{0, 1, 0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "en", resp.Results[0].Metadata["lang"])
	assert.Equal(t, search.StatusFresh, resp.Status)

	// And: a bounded-lag query succeeds once caught up
	lag := uint64(0)
	resp, err = client.Search(ctx, SearchParams{Index: "docs", Vector: []float32{1, 0, 0, 0}, K: 2, MaxLag: &lag, TimeoutMS: 1000})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.Indexes)

	// When: the index is dropped
	require.NoError(t, client.Drop(ctx, "docs"))

	// Then: searches report it missing
	_, err = client.Search(ctx, SearchParams{Index: "docs", Vector: []float32{1, 0, 0, 0}})
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeIndexNotFound, rpcErr.Code)
}

func TestDaemon_Indexes(t *testing.T) {
	reg := newTestRegistry(t)
	d, err := NewDaemon(testDaemonConfig(t), reg, search.NewService(reg, search.DefaultConfig()))
	require.NoError(t, err)

	all, err := d.Indexes("")
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = d.Indexes("missing")
	assert.Equal(t, errors.ErrCodeIndexNotFound, errors.GetCode(err))
	assert.True(t, d.Health().Healthy)
}
