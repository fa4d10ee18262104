package preflight

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Aman-CERP/vectorsync/internal/archive"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/daemon"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/source"
)

// MaxSocketPathLen is the longest Unix socket path accepted on every
// supported platform (sun_path is 104 bytes on macOS, 108 on Linux).
const MaxSocketPathLen = 103

// CheckSocketPath checks that the server socket path fits in sun_path.
func (c *Checker) CheckSocketPath(path string) CheckResult {
	result := CheckResult{
		Name:     "socket_path",
		Required: true,
		Message:  path,
	}
	if path == "" {
		result.Status = StatusFail
		result.Message = "server.socket_path is empty"
		return result
	}
	if len(path) > MaxSocketPathLen {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%d bytes (maximum: %d)", len(path), MaxSocketPathLen)
		result.Details = "Set server.socket_path to a shorter path, e.g. under /tmp"
		return result
	}
	result.Status = StatusPass
	return result
}

// CheckSourceDriver checks that the configured source driver is compiled in.
func (c *Checker) CheckSourceDriver(driver string) CheckResult {
	result := CheckResult{
		Name:     "source_driver",
		Required: true,
	}
	drivers := source.Drivers()
	if !slices.Contains(drivers, driver) {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("driver %q is not registered", driver)
		result.Details = "Available drivers: " + strings.Join(drivers, ", ")
		return result
	}
	result.Status = StatusPass
	result.Message = driver
	return result
}

// CheckCheckpointBackend opens the checkpoint backend and reads the index
// catalog. A running server holds the data directory lock; the backend is
// then assumed healthy and left alone.
func (c *Checker) CheckCheckpointBackend(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "checkpoint_backend",
		Required: true,
	}

	lock := daemon.NewFileLock(c.cfg.LockPath())
	if err := lock.Acquire(); err != nil {
		if errors.GetCode(err) == errors.ErrCodeDataDirLocked {
			result.Status = StatusPass
			result.Message = fmt.Sprintf("%s (in use by a running server)", c.cfg.Checkpoint.Backend)
			return result
		}
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	defer func() { _ = lock.Release() }()

	backend, err := checkpoint.Open(ctx, c.cfg.Checkpoint)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to open %s backend: %v", c.cfg.Checkpoint.Backend, err)
		return result
	}
	defer func() { _ = backend.Close() }()

	defs, err := backend.ListDefinitions(ctx)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to read index catalog: %v", err)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s, %d cataloged index(es)", c.cfg.Checkpoint.Backend, len(defs))
	if c.cfg.Checkpoint.Path != "" {
		result.Details = c.cfg.Checkpoint.Path
	}
	return result
}

// CheckArchiveStore lists the archive store. Failures are warnings: the
// server still starts, but restarts rebuild indexes with a full backfill.
func (c *Checker) CheckArchiveStore(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "archive_store",
		Required: false,
	}
	if !c.cfg.Archive.Enabled {
		result.Status = StatusPass
		result.Message = "disabled"
		return result
	}

	store, err := archive.OpenBlobStore(ctx, c.cfg.Archive)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("failed to open %s store: %v", c.cfg.Archive.Backend, err)
		return result
	}
	names, err := store.List(ctx, "")
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("failed to list %s store: %v", c.cfg.Archive.Backend, err)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s, %d object(s)", c.cfg.Archive.Backend, len(names))
	return result
}
