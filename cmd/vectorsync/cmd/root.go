// Package cmd provides the CLI commands for vectorsync.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/daemon"
	"github.com/Aman-CERP/vectorsync/internal/logging"
	_ "github.com/Aman-CERP/vectorsync/internal/source/memory" // registers the memory driver
	"github.com/Aman-CERP/vectorsync/internal/ui"
	"github.com/Aman-CERP/vectorsync/pkg/version"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	debug      bool
	noColor    bool
}

// NewRootCmd creates the root command for the vectorsync CLI.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "vectorsync",
		Short: "Keep approximate-nearest-neighbor indexes in sync with a table",
		Long: `vectorsync maintains in-memory ANN indexes over the vector column of
source tables. Each index is seeded by a parallel backfill scan and then
kept current by consuming the table's change stream, one consumer per
partition, with checkpoints stored durably.

Run 'vectorsync serve' to start the server, then manage indexes with
'create', 'drop', 'status' and 'search'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("vectorsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a config file")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newStopCmd(flags))
	cmd.AddCommand(newCreateCmd(flags))
	cmd.AddCommand(newDropCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newHealthCmd(flags))
	cmd.AddCommand(newDoctorCmd(flags))
	cmd.AddCommand(newSearchCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newLogsCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command. Interrupts cancel the command context so
// watch and follow modes exit cleanly.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig loads the effective configuration.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// client connects to the server named by the configuration.
func (f *globalFlags) client() (*daemon.Client, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(daemon.FromConfig(cfg)), nil
}

// noColorFor reports whether output to w should be plain.
func (f *globalFlags) noColorFor(w io.Writer) bool {
	return ui.NoColor(w, f.noColor)
}

// setupLogging builds the logger for a long-running command. stderr output
// is always on; the file is written when log.file is set.
func setupLogging(cfg *config.Config, stderr io.Writer) (*slog.Logger, func(), error) {
	logCfg := logging.Config{
		Level:         cfg.Log.Level,
		Format:        cfg.Log.Format,
		FilePath:      cfg.Log.File,
		MaxSizeMB:     cfg.Log.MaxSizeMB,
		MaxFiles:      cfg.Log.MaxFiles,
		WriteToStderr: true,
	}
	return logging.SetupWriter(logCfg, stderr)
}

// notRunning wraps a connection failure with a hint.
func notRunning(err error) error {
	return fmt.Errorf("%w\nis the server running? start it with 'vectorsync serve'", err)
}
