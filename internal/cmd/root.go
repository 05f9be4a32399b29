// Package cmd implements the pbqueue command tree.
package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/pbqueue/internal/config"
	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/internal/server/handlers"
)

const serviceName = "pbqueue"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata, normally injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	dataDirFlag  string
	settingsFlag string
	verboseFlag  bool
	logJSONFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Job queues and worker supervision for Passivbot",
	Long: `pbqueue runs Passivbot backtests and optimizations from persistent queues.

Each queue kind (backtest, optimize, optimize_multi) keeps one descriptor,
log and pid file per job under the data directory. A scheduler per kind
launches jobs within a CPU budget, and 'rank' promotes the best optimizer
results into new backtest jobs.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initLogging,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDirFlag, "data-dir", "", "Data directory (default $PBQUEUE_DATA_DIR or ~/.local/share/pbqueue)")
	pf.StringVar(&settingsFlag, "settings", "", "Settings file (default <data-dir>/settings.yaml)")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&logJSONFlag, "log-json", false, "Log as JSON")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
	}
	return err
}

func initLogging(cmd *cobra.Command, _ []string) error {
	level := zapcore.InfoLevel
	jsonOut := logJSONFlag

	if s, err := loadSettings(); err == nil {
		if lvl, perr := zapcore.ParseLevel(s.Logging.Level); perr == nil {
			level = lvl
		}
		jsonOut = jsonOut || s.Logging.JSON
	}
	if verboseFlag {
		level = zapcore.DebugLevel
	}
	observability.CLILogger = observability.NewLogger(serviceName, level, jsonOut)
	return nil
}

func dataDir() (string, error) {
	if d := strings.TrimSpace(dataDirFlag); d != "" {
		return filepath.Clean(d), nil
	}
	return config.DefaultDataDir()
}

func settingsLoader() (*config.Loader, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	path := strings.TrimSpace(settingsFlag)
	if path == "" {
		path = config.DefaultSettingsPath(dir)
	}
	return config.NewLoader(path, dir), nil
}

func loadSettings() (*config.Settings, error) {
	l, err := settingsLoader()
	if err != nil {
		return nil, err
	}
	return l.Load()
}

func completeKinds(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	s, err := loadSettings()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return s.WorkerNames(), cobra.ShellCompDirectiveNoFileComp
}

func usageErr(format string, args ...any) error {
	return exitError(foundry.ExitInvalidArgument, "Invalid arguments", fmt.Errorf(format, args...))
}
