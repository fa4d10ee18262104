package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
)

// Daemon serves a registry and a query service over the socket.
type Daemon struct {
	cfg      Config
	registry *registry.Registry
	searcher search.Searcher
	server   *Server
	pidFile  *PIDFile
	logger   *slog.Logger
	version  string
	started  time.Time
}

var _ RequestHandler = (*Daemon)(nil)

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithVersion sets the version reported by status and the PID file.
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// NewDaemon creates a daemon over reg and searcher.
func NewDaemon(cfg Config, reg *registry.Registry, searcher search.Searcher, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if reg == nil || searcher == nil {
		return nil, fmt.Errorf("registry and searcher are required")
	}
	d := &Daemon{
		cfg:      cfg,
		registry: reg,
		searcher: searcher,
		pidFile:  NewPIDFile(cfg.PIDPath),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	srv, err := NewServer(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	srv.SetHandler(d)
	srv.SetLogger(d.logger.With(slog.String("component", "server")))
	srv.SetTimeout(cfg.Timeout)
	srv.SetVersion(d.version)
	d.server = srv
	return d, nil
}

// Start writes the PID file and serves until ctx is cancelled. A PID file
// left by a dead process is replaced; one owned by a live process is an
// error.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if info, err := d.pidFile.Read(); err == nil && info.PID != os.Getpid() && processExists(info.PID) {
		return fmt.Errorf("server already running (pid %d)", info.PID)
	}
	d.started = time.Now()
	if err := d.pidFile.Write(ServerInfo{
		Socket:    d.cfg.SocketPath,
		Version:   d.version,
		StartedAt: d.started.UTC(),
	}); err != nil {
		return err
	}
	defer func() {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Warn("pid_remove_failed", slog.String("error", err.Error()))
		}
	}()

	d.logger.Info("daemon_started",
		slog.Int("pid", os.Getpid()),
		slog.String("socket", d.cfg.SocketPath))
	err := d.server.ListenAndServe(ctx)
	d.logger.Info("daemon_stopped", slog.Duration("uptime", time.Since(d.started)))
	return err
}

// Create implements RequestHandler.
func (d *Daemon) Create(ctx context.Context, def model.IndexDefinition) error {
	return d.registry.Create(ctx, def)
}

// Drop implements RequestHandler.
func (d *Daemon) Drop(ctx context.Context, name string) error {
	return d.registry.Drop(ctx, name)
}

// Search implements RequestHandler.
func (d *Daemon) Search(ctx context.Context, q search.Query) (search.Response, error) {
	return d.searcher.Search(ctx, q)
}

// Indexes implements RequestHandler.
func (d *Daemon) Indexes(name string) ([]registry.Status, error) {
	if name == "" {
		return d.registry.List(), nil
	}
	st, err := d.registry.Status(name)
	if err != nil {
		return nil, err
	}
	return []registry.Status{st}, nil
}

// Health implements RequestHandler.
func (d *Daemon) Health() registry.Health {
	return d.registry.Health()
}
