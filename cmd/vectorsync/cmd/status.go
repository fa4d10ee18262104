package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vectorsync/internal/daemon"
	"github.com/Aman-CERP/vectorsync/internal/ui"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOutput bool
		watch      bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show index status",
		Long: `Show the status of one index, or a summary of all indexes.

Each index reports its freshness:
  fresh     every partition is streaming within query.stale_lag
  partial   the initial backfill is still running
  stale     a partition is reconnecting or lagging
  degraded  the index rejects writes or a partition has failed

With --watch the summary is redrawn every --interval with a sparkline of
each index's maximum partition lag.`,
		Example: `  vectorsync status
  vectorsync status articles
  vectorsync status --json
  vectorsync status --watch --interval 2s`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			noColor := flags.noColorFor(out)
			if watch {
				return runStatusWatch(cmd.Context(), client, out, noColor, interval)
			}
			res, err := client.Status(cmd.Context(), name)
			if err != nil {
				return describe(err)
			}
			return renderStatus(out, noColor, jsonOutput, name, res)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Redraw the summary until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval for --watch")

	return cmd
}

func renderStatus(out io.Writer, noColor, jsonOutput bool, name string, res *daemon.StatusResult) error {
	r := ui.NewStatusRenderer(out, noColor)
	switch {
	case jsonOutput && name != "" && len(res.Indexes) == 1:
		return r.RenderJSON(res.Indexes[0])
	case jsonOutput:
		return r.RenderJSON(res)
	case name != "" && len(res.Indexes) == 1:
		return r.Render(res.Indexes[0])
	default:
		_, _ = fmt.Fprintf(out, "server pid %d, up %s, version %s\n\n", res.PID, res.Uptime, res.Version)
		return r.RenderList(res.Indexes)
	}
}

// runStatusWatch polls until ctx ends, redrawing the lag history.
func runStatusWatch(ctx context.Context, client *daemon.Client, out io.Writer, noColor bool, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	history := ui.NewLagHistory(40)
	styles := ui.GetStyles(noColor)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := client.Status(ctx, "")
		if err != nil {
			return describe(err)
		}
		history.Observe(res.Indexes)
		if !noColor {
			// Clear the screen and home the cursor.
			_, _ = fmt.Fprint(out, "\033[H\033[2J")
		}
		_, _ = fmt.Fprintf(out, "%s  %s\n", styles.Header.Render("vectorsync"), time.Now().Format(time.TimeOnly))
		history.Render(out, styles)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long: `Report degraded indexes, failed partitions and failed backfills.
Exits non-zero when anything is unhealthy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			h, err := client.Health(cmd.Context())
			if err != nil {
				return describe(err)
			}
			r := ui.NewStatusRenderer(cmd.OutOrStdout(), flags.noColorFor(cmd.OutOrStdout()))
			if jsonOutput {
				err = r.RenderJSON(h)
			} else {
				err = r.RenderHealth(*h)
			}
			if err != nil {
				return err
			}
			if !h.Healthy {
				return fmt.Errorf("server is unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// describe turns client errors into messages for the terminal.
func describe(err error) error {
	var rpcErr *daemon.Error
	if stderrors.As(err, &rpcErr) {
		return fmt.Errorf("%s", rpcErr.Message)
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return notRunning(err)
	}
	return err
}
