package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change the settings file",
	Long: `Read and change the settings file shared by every pbqueue process.

Schedulers re-read the file on every poll, so changes (for example
backtest.cpu_budget or backtest.autostart_enabled) apply without restart.`,
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one setting to the settings file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the settings file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		l, err := settingsLoader()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), l.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSetCmd, settingsPathCmd)
	settingsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSettingsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	l, err := settingsLoader()
	if err != nil {
		return err
	}
	kvs, err := l.Keys()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to read settings", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, kvs)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	for _, kv := range kvs {
		_, _ = fmt.Fprintf(w, "%s\t%v\n", kv.Key, kv.Value)
	}
	return nil
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	l, err := settingsLoader()
	if err != nil {
		return err
	}
	kvs, err := l.Keys()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to read settings", err)
	}
	key := strings.ToLower(strings.TrimSpace(args[0]))
	for _, kv := range kvs {
		if kv.Key == key {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%v\n", kv.Value)
			return nil
		}
	}
	return exitError(foundry.ExitFileNotFound, "Unknown setting", fmt.Errorf("no setting named %q", key))
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	l, err := settingsLoader()
	if err != nil {
		return err
	}
	if err := l.Set(args[0], args[1]); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write settings", err)
	}
	// Validate the result so a bad value is reported now, not by the scheduler.
	if _, err := l.Load(); err != nil {
		observability.CLILogger.Warn("Settings file no longer loads", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid setting", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", strings.ToLower(strings.TrimSpace(args[0])), args[1])
	return nil
}
