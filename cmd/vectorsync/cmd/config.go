package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vectorsync/configs"
	"github.com/Aman-CERP/vectorsync/internal/config"
	"github.com/Aman-CERP/vectorsync/internal/output"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect and manage the vectorsync configuration.

Configuration is read in order of increasing precedence: defaults, the user
config file, the --config file, then VECTORSYNC_* environment variables.`,
	}

	cmd.AddCommand(newConfigShowCmd(flags))
	cmd.AddCommand(newConfigInitCmd(flags))
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigRestoreCmd(flags))

	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newConfigInitCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented config template to the user config path",
		Long: `Write a commented configuration template to the user config path.

An existing file is kept unless --force is given, in which case it is
backed up first. The last few backups are kept next to the config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := output.NewStyled(cmd.OutOrStdout(), !flags.noColorFor(cmd.OutOrStdout()))
			path := config.GetUserConfigPath()

			if config.UserConfigExists() {
				if !force {
					return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
				}
				backup, err := config.BackupUserConfig()
				if err != nil {
					return err
				}
				w.Statusf("", "backed up existing config to %s", backup)
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			w.Successf("wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config after backing it up")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user config path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

func newConfigRestoreCmd(flags *globalFlags) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "restore [BACKUP]",
		Short: "Restore the user config from a backup",
		Long: `Restore the user config from a backup written by 'config init --force'.
Without an argument the newest backup is used. The current config is
backed up before it is replaced.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return err
			}
			if list {
				for _, b := range backups {
					_, _ = fmt.Fprintln(out, b)
				}
				return nil
			}

			var path string
			switch {
			case len(args) == 1:
				path = args[0]
			case len(backups) > 0:
				path = backups[0]
			default:
				return fmt.Errorf("no config backups found")
			}

			if err := config.RestoreUserConfig(path); err != nil {
				return err
			}
			output.NewStyled(out, !flags.noColorFor(out)).Successf("restored %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List backups, newest first")
	return cmd
}
