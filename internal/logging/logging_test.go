package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	assert.True(t, strings.HasSuffix(path, filepath.Join(".vectorsync", "logs", "server.log")))
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, LevelFromString(in), in)
	}
}

func TestSetup_FileAndStderr(t *testing.T) {
	// Given: a config writing JSON to a file and text to a buffer
	path := filepath.Join(t.TempDir(), "server.log")
	var stderr bytes.Buffer
	cfg := Config{Level: "info", Format: "text", FilePath: path, MaxSizeMB: 1, MaxFiles: 2, WriteToStderr: true}

	// When: logging at two levels
	logger, cleanup, err := setup(cfg, &stderr)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("applied batch", slog.String("index", "docs"), slog.Int("mutations", 3))
	cleanup()

	// Then: both sinks received only the info record
	assert.Contains(t, stderr.String(), "msg=\"applied batch\"")
	assert.NotContains(t, stderr.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "applied batch", rec["msg"])
	assert.Equal(t, "docs", rec["index"])
}

func TestSetup_StderrOnlyJSON(t *testing.T) {
	var stderr bytes.Buffer
	logger, cleanup, err := setup(Config{Level: "debug", Format: "auto", WriteToStderr: true}, &stderr)
	require.NoError(t, err)
	defer cleanup()

	logger.Debug("hello")

	// A bytes.Buffer is not a terminal, so auto picks JSON.
	assert.True(t, strings.HasPrefix(stderr.String(), "{"))
}

func TestFindLogFile(t *testing.T) {
	_, err := FindLogFile("/nonexistent/server.log")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	got, err := FindLogFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestRotatingWriter_Rotation(t *testing.T) {
	// Given: a writer with a 1MB limit keeping two generations
	path := filepath.Join(t.TempDir(), "server.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	w.SetImmediateSync(false)
	defer func() { _ = w.Close() }()

	// When: writing well past the limit several times
	line := bytes.Repeat([]byte("x"), 512*1024)
	for i := 0; i < 8; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}

	// Then: the live file and exactly two rotated files exist
	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3")
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	w.SetImmediateSync(false)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = fmt.Fprintf(w, "g%d line %d\n", g, i)
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 800, strings.Count(string(data), "\n"))
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestViewer_TailFilters(t *testing.T) {
	path := writeLog(t,
		`{"time":"2026-01-02T03:04:05.000Z","level":"DEBUG","msg":"fetch","index":"docs"}`,
		`{"time":"2026-01-02T03:04:06.000Z","level":"INFO","msg":"applied","index":"docs","n":2}`,
		`{"time":"2026-01-02T03:04:07.000Z","level":"WARN","msg":"reconnecting","index":"other"}`,
		`not json`,
	)

	tests := []struct {
		name string
		cfg  ViewerConfig
		want []string
	}{
		{"all", ViewerConfig{}, []string{"fetch", "applied", "reconnecting", ""}},
		{"level", ViewerConfig{Level: "info"}, []string{"applied", "reconnecting", ""}},
		{"index", ViewerConfig{Index: "docs"}, []string{"fetch", "applied"}},
		{"pattern", ViewerConfig{Pattern: regexp.MustCompile("reconn")}, []string{"reconnecting"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewViewer(tt.cfg, nil).Tail(path, 10)
			require.NoError(t, err)
			var got []string
			for _, e := range entries {
				got = append(got, e.Msg)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestViewer_TailLastN(t *testing.T) {
	path := writeLog(t,
		`{"level":"INFO","msg":"one"}`,
		`{"level":"INFO","msg":"two"}`,
		`{"level":"INFO","msg":"three"}`,
	)
	entries, err := NewViewer(ViewerConfig{}, nil).Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Msg)
	assert.Equal(t, "three", entries[1].Msg)
}

func TestViewer_FormatEntry(t *testing.T) {
	v := NewViewer(ViewerConfig{NoColor: true}, nil)
	e := v.parseLine(`{"time":"2026-01-02T03:04:05.123Z","level":"INFO","msg":"applied","index":"docs","b":2,"a":"x"}`)

	assert.Equal(t, "03:04:05.123 INFO  [docs] applied a=x b=2", v.FormatEntry(e))
	assert.Equal(t, "garbage", v.FormatEntry(v.parseLine("garbage")))
}

func TestViewer_Follow(t *testing.T) {
	// Given: an existing log being followed
	path := writeLog(t, `{"level":"INFO","msg":"old"}`)
	v := NewViewer(ViewerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries := make(chan LogEntry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()
	time.Sleep(150 * time.Millisecond)

	// When: a new line is appended
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"level":"INFO","msg":"new"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Then: only the new line is delivered
	select {
	case e := <-entries:
		assert.Equal(t, "new", e.Msg)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not deliver appended entry")
	}
	cancel()
	require.NoError(t, <-done)
}
