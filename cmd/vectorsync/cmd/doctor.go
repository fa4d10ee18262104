package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vectorsync/internal/preflight"
)

func newDoctorCmd(flags *globalFlags) *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the server can start with this configuration",
		Long: `Run diagnostics against the effective configuration.

Checks:
  - Data directory write permissions and disk space (100MB minimum)
  - File descriptor limits (1024 minimum)
  - Unix socket path length
  - Source driver registration
  - Checkpoint backend and index catalog
  - Archive store (non-critical)

Exits non-zero when a required check fails.`,
		Example: `  vectorsync doctor
  vectorsync doctor --verbose
  vectorsync doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			checker := preflight.New(cfg,
				preflight.WithVerbose(verbose),
				preflight.WithOutput(cmd.OutOrStdout()))
			results := checker.RunAll(cmd.Context())

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"status": checker.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if checker.HasCriticalFailures(results) {
				return fmt.Errorf("preflight checks failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
