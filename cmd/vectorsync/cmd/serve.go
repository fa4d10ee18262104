package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vectorsync/internal/archive"
	"github.com/Aman-CERP/vectorsync/internal/backfill"
	"github.com/Aman-CERP/vectorsync/internal/checkpoint"
	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/daemon"
	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/profiling"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
	"github.com/Aman-CERP/vectorsync/internal/stream"
	"github.com/Aman-CERP/vectorsync/internal/telemetry"
	"github.com/Aman-CERP/vectorsync/pkg/version"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		profileDir string
		traceRun   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server in the foreground.

The server locks the data directory, opens the checkpoint backend, restores
or backfills every index in the catalog and in the config file, and then
streams changes until interrupted. Indexes added to the indexes section of
--config while the server runs are created on the fly. Clients talk to it over a Unix socket;
Prometheus metrics are served on metrics.listen_addr.

On SIGINT or SIGTERM the server stops accepting requests, drains the
stream consumers and writes warm-restart archives within
server.shutdown_grace_period.`,
		Example: `  # Start with the default configuration
  vectorsync serve

  # Start with an explicit config file and debug logging
  vectorsync serve --config ./vectorsync.yaml --debug

  # Profile a run; profiles are written when the server stops
  vectorsync serve --profile-dir ./profiles`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if profileDir == "" {
				return runServe(ctx, cfg, flags.configPath, cmd.ErrOrStderr())
			}
			session, err := profiling.Start(profiling.Options{Dir: profileDir, Trace: traceRun})
			if err != nil {
				return err
			}
			serveErr := runServe(ctx, cfg, flags.configPath, cmd.ErrOrStderr())
			files, profErr := session.Stop()
			for _, f := range files {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", f)
			}
			return stderrors.Join(serveErr, profErr)
		},
	}

	cmd.Flags().StringVar(&profileDir, "profile-dir", "", "Write CPU, heap and goroutine profiles for this run to a directory")
	cmd.Flags().BoolVar(&traceRun, "trace", false, "Also record an execution trace (requires --profile-dir)")

	return cmd
}

// runServe runs the server until ctx is cancelled. When configPath is set,
// indexes added to its indexes section are created without a restart.
func runServe(ctx context.Context, cfg *config.Config, configPath string, stderr io.Writer) error {
	logger, cleanup, err := setupLogging(cfg, stderr)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	dcfg := daemon.FromConfig(cfg)
	if err := dcfg.EnsureDir(); err != nil {
		return err
	}
	lock := daemon.NewFileLock(dcfg.LockPath)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	backend, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("checkpoint_close_failed", slog.String("error", err.Error()))
		}
	}()

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		store, err := archive.OpenBlobStore(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to open archive store: %w", err)
		}
		archiver = archive.NewArchiver(store, logger.With(slog.String("component", "archive")))
	}

	metrics := telemetry.NewMetrics()
	reg := registry.New(backend, registryConfig(cfg, archiver, logger, metrics))
	svc := search.NewService(reg, searchConfig(cfg),
		search.WithLogger(logger.With(slog.String("component", "search"))),
		search.WithMetrics(metrics),
		search.WithQueryMetrics(telemetry.NewQueryMetrics()))

	d, err := daemon.NewDaemon(dcfg, reg, svc,
		daemon.WithLogger(logger),
		daemon.WithVersion(version.Version))
	if err != nil {
		_ = reg.Close(context.Background())
		return err
	}

	if err := reg.Start(ctx, cfg.Indexes); err != nil {
		_ = reg.Close(context.Background())
		return err
	}

	if configPath != "" {
		go watchStaticIndexes(ctx, configPath, reg, logger.With(slog.String("component", "config")))
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("metrics_listening", slog.String("addr", cfg.Metrics.ListenAddr))
	}

	serveErr := d.Start(ctx)
	if stderrors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), dcfg.ShutdownGracePeriod)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	closeErr := reg.Close(shutdownCtx)
	if closeErr != nil {
		logger.Error("shutdown_incomplete", slog.String("error", closeErr.Error()))
	}
	return stderrors.Join(serveErr, closeErr)
}

// watchStaticIndexes creates indexes added to the config file while the
// server runs.
func watchStaticIndexes(ctx context.Context, path string, reg *registry.Registry, logger *slog.Logger) {
	err := config.Watch(ctx, path, config.DefaultWatchDebounce, logger, func(c *config.Config) {
		if _, err := reg.Reload(ctx, c.Indexes); err != nil {
			logger.Warn("index_reload_failed", slog.String("error", err.Error()))
		}
	})
	if err != nil && !stderrors.Is(err, context.Canceled) {
		logger.Warn("config_watch_stopped", slog.String("error", err.Error()))
	}
}

// registryConfig maps the file configuration onto the registry.
func registryConfig(cfg *config.Config, archiver *archive.Archiver, logger *slog.Logger, metrics *telemetry.Metrics) registry.Config {
	commit := errors.DefaultRetryConfig()
	commit.MaxRetries = cfg.Stream.CommitRetries

	return registry.Config{
		SourceDriver:  cfg.Source.Driver,
		SourceOptions: cfg.Source.Options,
		Index: index.Options{
			Shards:              cfg.Index.Shards,
			Oversample:          cfg.Index.Oversample,
			MaxElements:         cfg.Index.MaxElements,
			CompactionThreshold: cfg.Index.Compaction.OrphanThreshold,
			MinOrphanCount:      cfg.Index.Compaction.MinOrphanCount,
		},
		Stream: stream.Config{
			BatchSize:    cfg.Stream.BatchSize,
			Buffer:       cfg.Stream.Buffer,
			PollInterval: cfg.Stream.PollInterval,
			Reconnect: errors.RetryConfig{
				InitialDelay: cfg.Stream.ReconnectInitial,
				MaxDelay:     cfg.Stream.ReconnectMax,
				Multiplier:   2,
				Jitter:       true,
			},
			Commit: commit,
		},
		Backfill: backfill.Config{
			Workers:        cfg.Backfill.Workers,
			Ranges:         cfg.Backfill.Ranges,
			PageSize:       cfg.Backfill.PageSize,
			PagesPerSecond: cfg.Backfill.PagesPerSecond,
			PageRetries:    cfg.Backfill.PageRetries,
		},
		StaleLag: cfg.Query.StaleLag,
		Archiver: archiver,
		Logger:   logger,
		Metrics:  metrics,
	}
}

// searchConfig maps the file configuration onto the query service.
func searchConfig(cfg *config.Config) search.Config {
	c := search.DefaultConfig()
	c.StaleLag = cfg.Query.StaleLag
	c.CacheSize = cfg.Query.CacheSize
	c.DefaultTimeout = cfg.Query.DefaultTimeout
	c.MaxK = cfg.Query.MaxK
	return c
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		Long: `Send SIGTERM to the server recorded in the PID file. The server drains
its consumers and writes archives before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			pf := daemon.NewPIDFile(daemon.FromConfig(cfg).PIDPath)
			info, err := pf.Read()
			if err != nil {
				return fmt.Errorf("server is not running: %w", err)
			}
			if !pf.IsRunning() {
				return fmt.Errorf("server (pid %d) is not running; stale PID file %s", info.PID, pf.Path())
			}
			if err := pf.Signal(syscall.SIGTERM); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to server (pid %d)\n", info.PID)
			return err
		},
	}
}
