// Package daemon runs the vectorsync server process: a Unix-socket JSON-RPC
// endpoint for index administration and search, a PID file describing the
// running server, and a data-directory lock that keeps a second server away.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/config"
)

// Config holds configuration for the daemon service.
type Config struct {
	// SocketPath is the Unix domain socket path for IPC.
	// Default: <data_dir>/vectorsync.sock
	SocketPath string

	// PIDPath is the file describing the running server.
	// Default: <data_dir>/vectorsync.pid
	PIDPath string

	// LockPath guards the data directory.
	// Default: <data_dir>/vectorsync.lock
	LockPath string

	// Timeout is the maximum duration for client-daemon communication.
	// Default: 30s
	Timeout time.Duration

	// ShutdownGracePeriod bounds draining consumers and writing archives.
	// Default: 10s
	ShutdownGracePeriod time.Duration
}

// DefaultConfig returns a Config rooted at the default data directory.
func DefaultConfig() Config {
	dir := config.DefaultDataDir()
	return Config{
		SocketPath:          filepath.Join(dir, "vectorsync.sock"),
		PIDPath:             filepath.Join(dir, "vectorsync.pid"),
		LockPath:            filepath.Join(dir, "vectorsync.lock"),
		Timeout:             30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// FromConfig derives the daemon configuration from the loaded application
// configuration, falling back to defaults for unset values.
func FromConfig(cfg *config.Config) Config {
	d := DefaultConfig()
	if cfg == nil {
		return d
	}
	if cfg.Server.SocketPath != "" {
		d.SocketPath = cfg.Server.SocketPath
	}
	if cfg.Server.PIDPath != "" {
		d.PIDPath = cfg.Server.PIDPath
	}
	if cfg.DataDir != "" {
		d.LockPath = cfg.LockPath()
	}
	if cfg.Server.Timeout > 0 {
		d.Timeout = cfg.Server.Timeout
	}
	if cfg.Server.ShutdownGracePeriod > 0 {
		d.ShutdownGracePeriod = cfg.Server.ShutdownGracePeriod
	}
	return d
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}

// EnsureDir creates the directories for the socket, PID and lock files.
func (c Config) EnsureDir() error {
	for _, p := range []string{c.SocketPath, c.PIDPath, c.LockPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}
	return nil
}
