package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vectorsync/internal/output"
)

func newDropCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drop NAME",
		Short: "Drop an index",
		Long: `Drop an index: stop its consumers, discard the in-memory index and delete
its checkpoints, catalog entry and archive. Other indexes are unaffected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			if err := client.Drop(cmd.Context(), args[0]); err != nil {
				return describe(err)
			}
			output.NewStyled(cmd.OutOrStdout(), !flags.noColorFor(cmd.OutOrStdout())).Successf("dropped %s", args[0])
			return nil
		},
	}
}
