package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/daemon"
	_ "github.com/Aman-CERP/vectorsync/internal/source/memory"
)

// testConfig returns a config rooted in a temp directory with a sqlite
// checkpoint store and a local archive.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.DataDir = dir
	cfg.Checkpoint.Backend = "sqlite"
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoints.db")
	cfg.Archive.Path = filepath.Join(dir, "archive")
	cfg.Server.SocketPath = filepath.Join(dir, "vectorsync.sock")
	return cfg
}

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_JSONUsesStatusName(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "disk_space", Status: StatusWarn})

	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"WARN"`)
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{"required pass is not critical", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail is critical", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail is not critical", CheckResult{Status: StatusFail, Required: false}, false},
		{"required warn is not critical", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestChecker_NewWithOptions(t *testing.T) {
	// Given: custom options
	buf := &bytes.Buffer{}
	checker := New(testConfig(t), WithVerbose(true), WithOutput(buf))

	// Then: options are applied
	assert.True(t, checker.verbose)
	assert.Equal(t, buf, checker.output)
}

func TestChecker_CheckWritePermissions_CreatesDataDir(t *testing.T) {
	// Given: a data directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "nested", "data")

	// When: checking write permissions
	result := New(testConfig(t)).CheckWritePermissions(dir)

	// Then: it is created and passes
	assert.Equal(t, StatusPass, result.Status)
	assert.True(t, result.Required)
	assert.DirExists(t, dir)
}

func TestChecker_CheckWritePermissions_ReadOnly(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Skipping read-only test when running as root")
	}

	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer func() { _ = os.Chmod(readOnlyDir, 0o755) }()

	result := New(testConfig(t)).CheckWritePermissions(readOnlyDir)

	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "permission denied")
}

func TestChecker_CheckDiskSpace_MissingPathUsesParent(t *testing.T) {
	result := New(testConfig(t)).CheckDiskSpace(filepath.Join(t.TempDir(), "not", "yet"))

	assert.NotEqual(t, StatusFail, result.Status, result.Message)
	assert.Contains(t, result.Message, "free")
}

func TestChecker_CheckSocketPath(t *testing.T) {
	c := New(testConfig(t))

	assert.Equal(t, StatusPass, c.CheckSocketPath("/tmp/vectorsync.sock").Status)
	assert.Equal(t, StatusFail, c.CheckSocketPath("").Status)

	long := c.CheckSocketPath("/" + strings.Repeat("a", MaxSocketPathLen))
	assert.Equal(t, StatusFail, long.Status)
	assert.NotEmpty(t, long.Details)
}

func TestChecker_CheckSourceDriver(t *testing.T) {
	c := New(testConfig(t))

	assert.Equal(t, StatusPass, c.CheckSourceDriver("memory").Status)

	missing := c.CheckSourceDriver("oracle")
	assert.Equal(t, StatusFail, missing.Status)
	assert.Contains(t, missing.Details, "memory")
}

func TestChecker_CheckCheckpointBackend(t *testing.T) {
	// Given: a sqlite checkpoint store in a fresh data dir
	cfg := testConfig(t)
	c := New(cfg)

	// When: checking the backend
	result := c.CheckCheckpointBackend(context.Background())

	// Then: it opens with an empty catalog
	assert.Equal(t, StatusPass, result.Status, result.Message)
	assert.Contains(t, result.Message, "0 cataloged")
}

func TestChecker_CheckCheckpointBackend_ServerHoldsLock(t *testing.T) {
	// Given: a data dir locked by a running server
	cfg := testConfig(t)
	lock := daemon.NewFileLock(cfg.LockPath())
	require.NoError(t, lock.Acquire())
	defer func() { _ = lock.Release() }()

	// When: checking the backend
	result := New(cfg).CheckCheckpointBackend(context.Background())

	// Then: it passes without opening the store
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "running server")
	assert.NoFileExists(t, cfg.Checkpoint.Path)
}

func TestChecker_CheckCheckpointBackend_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Backend = "etcd"

	result := New(cfg).CheckCheckpointBackend(context.Background())

	assert.True(t, result.IsCritical())
}

func TestChecker_CheckArchiveStore(t *testing.T) {
	cfg := testConfig(t)

	result := New(cfg).CheckArchiveStore(context.Background())
	assert.Equal(t, StatusPass, result.Status, result.Message)
	assert.False(t, result.Required)

	cfg.Archive.Enabled = false
	result = New(cfg).CheckArchiveStore(context.Background())
	assert.Equal(t, "disabled", result.Message)
}

func TestChecker_RunAll_ReturnsAllChecks(t *testing.T) {
	// Given: a valid configuration
	checker := New(testConfig(t))

	// When: running all checks
	results := checker.RunAll(context.Background())

	// Then: every check is present
	names := make(map[string]bool)
	for _, r := range results {
		names[r.Name] = true
	}
	for _, want := range []string{"write_permissions", "disk_space", "file_descriptors", "socket_path", "source_driver", "checkpoint_backend", "archive_store"} {
		assert.True(t, names[want], "%s check missing", want)
	}
}

func TestChecker_PrintResults(t *testing.T) {
	// Given: some check results
	results := []CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "50 GB free"},
		{Name: "archive_store", Status: StatusWarn, Message: "bucket unreachable"},
		{Name: "socket_path", Status: StatusFail, Message: "too long", Details: "shorten it", Required: true},
	}
	buf := &bytes.Buffer{}
	checker := New(testConfig(t), WithOutput(buf), WithVerbose(true))

	// When: printing results
	checker.PrintResults(results)

	// Then: output contains formatted results
	out := buf.String()
	assert.Contains(t, out, "[PASS] disk_space")
	assert.Contains(t, out, "[WARN] archive_store")
	assert.Contains(t, out, "[FAIL] socket_path")
	assert.Contains(t, out, "shorten it")
	assert.Contains(t, out, "Status: FAILED")
	assert.Contains(t, out, "1 error(s)")
	assert.Contains(t, out, "1 warning(s)")
}

func TestChecker_SummaryStatus(t *testing.T) {
	checker := New(testConfig(t))

	tests := []struct {
		name     string
		results  []CheckResult
		expected string
	}{
		{"all pass", []CheckResult{{Status: StatusPass}, {Status: StatusPass}}, "ready"},
		{"with warnings", []CheckResult{{Status: StatusPass}, {Status: StatusWarn}}, "ready_with_warnings"},
		{"with critical failure", []CheckResult{{Status: StatusPass}, {Status: StatusFail, Required: true}}, "failed"},
		{"with optional failure", []CheckResult{{Status: StatusPass}, {Status: StatusFail}}, "ready_with_warnings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, checker.SummaryStatus(tt.results))
			assert.Equal(t, tt.expected == "failed", checker.HasCriticalFailures(tt.results))
		})
	}
}
