package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/pkg/scheduler"
	"github.com/3leaps/pbqueue/pkg/supervisor"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run or control the per-queue scheduler",
	Long: `The scheduler launches NOT_STARTED jobs of one queue kind in queue order,
keeping at most <kind>.cpu_budget jobs running and never launching while
another job is still downloading data. It exits when
<kind>.autostart_enabled is false.

'start' runs the scheduler detached, supervised through a pid file in the
queue directory, so it survives the shell that started it.`,
}

var schedulerRunCmd = &cobra.Command{
	Use:               "run <kind>",
	Short:             "Run the scheduler in the foreground",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeKinds,
	RunE:              runSchedulerRun,
}

var schedulerStartCmd = &cobra.Command{
	Use:               "start <kind>",
	Short:             "Start the scheduler in the background",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeKinds,
	RunE:              runSchedulerStart,
}

var schedulerStopCmd = &cobra.Command{
	Use:               "stop <kind>",
	Short:             "Stop a background scheduler",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeKinds,
	RunE:              runSchedulerStop,
}

var schedulerStatusCmd = &cobra.Command{
	Use:               "status <kind>",
	Short:             "Show scheduler state and settings",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeKinds,
	RunE:              runSchedulerStatus,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerRunCmd, schedulerStartCmd, schedulerStopCmd, schedulerStatusCmd)

	schedulerStartCmd.Flags().Bool("enable", false, "Set <kind>.autostart_enabled=true before starting")
	schedulerStopCmd.Flags().Bool("disable", false, "Set <kind>.autostart_enabled=false so the scheduler does not restart jobs")
	schedulerStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

// schedulerProcess is the supervised handle of a queue's background scheduler.
func schedulerProcess(q *queue) (*supervisor.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	dir := q.store.Dir()
	return &supervisor.Process{
		LogPath:   filepath.Join(dir, "scheduler.log"),
		PIDPath:   filepath.Join(dir, "scheduler.pid"),
		MatchName: filepath.Base(exe),
		MatchArg:  q.kind,
		Argv:      []string{exe},
	}, nil
}

func newLoop(q *queue) (*scheduler.Loop, error) {
	loader, err := settingsLoader()
	if err != nil {
		return nil, err
	}
	kind := q.kind
	return &scheduler.Loop{
		Queue:  q.store,
		Runner: q.sup,
		Settings: func() (scheduler.Config, error) {
			return loader.LoadScheduler(kind)
		},
		Logger: observability.CLILogger.With(zap.String("kind", kind)),
	}, nil
}

func runSchedulerRun(cmd *cobra.Command, args []string) error {
	q, err := openQueue(args[0])
	if err != nil {
		return err
	}
	loop, err := newLoop(q)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	observability.CLILogger.Info("Scheduler started", zap.String("kind", q.kind), zap.Int("pid", os.Getpid()))
	err = loop.Run(ctx)
	if err != nil && ctx.Err() != nil {
		observability.CLILogger.Info("Scheduler interrupted", zap.String("kind", q.kind))
		return exitError(foundry.ExitSignalInt, "Scheduler interrupted", err)
	}
	if err != nil {
		return exitError(ExitFailure, "Scheduler failed", err)
	}
	observability.CLILogger.Info("Scheduler stopped: autostart disabled", zap.String("kind", q.kind))
	return nil
}

func runSchedulerStart(cmd *cobra.Command, args []string) error {
	enable, _ := cmd.Flags().GetBool("enable")
	q, err := openQueue(args[0])
	if err != nil {
		return err
	}
	loader, err := settingsLoader()
	if err != nil {
		return err
	}

	if enable {
		if err := loader.Set(q.kind+".autostart_enabled", "true"); err != nil {
			return exitError(ExitFailure, "Failed to enable autostart", err)
		}
	} else if sc, err := loader.LoadScheduler(q.kind); err == nil && !sc.AutostartEnabled {
		return exitError(ExitConflict, "Autostart is disabled",
			fmt.Errorf("%s.autostart_enabled is false; pass --enable or run 'pbqueue settings set %s.autostart_enabled true'", q.kind, q.kind))
	}

	p, err := schedulerProcess(q)
	if err != nil {
		return err
	}
	if p.IsRunning() {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scheduler kind=%s already running pid=%d\n", q.kind, p.PID())
		return nil
	}
	if err := os.MkdirAll(q.store.Dir(), 0755); err != nil {
		return err
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	p.Argv = append(p.Argv,
		"--data-dir", dir,
		"--settings", loader.Path(),
		"--log-json",
		"scheduler", "run", q.kind)
	if verboseFlag {
		p.Argv = append(p.Argv, "--verbose")
	}
	if err := p.Start(); err != nil {
		return exitError(ExitFailure, "Failed to start scheduler", err)
	}
	observability.CLILogger.Info("Scheduler launched",
		zap.String("kind", q.kind),
		zap.Int("pid", p.PID()),
		zap.String("log", p.LogPath))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scheduler kind=%s started pid=%d\n", q.kind, p.PID())
	return nil
}

func runSchedulerStop(cmd *cobra.Command, args []string) error {
	disable, _ := cmd.Flags().GetBool("disable")
	q, err := openQueue(args[0])
	if err != nil {
		return err
	}
	if disable {
		loader, err := settingsLoader()
		if err != nil {
			return err
		}
		if err := loader.Set(q.kind+".autostart_enabled", "false"); err != nil {
			return exitError(ExitFailure, "Failed to disable autostart", err)
		}
	}

	p, err := schedulerProcess(q)
	if err != nil {
		return err
	}
	if !p.IsRunning() {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scheduler kind=%s not running\n", q.kind)
		return nil
	}
	pid := p.PID()
	if err := p.Kill(); err != nil {
		return exitError(ExitFailure, "Failed to stop scheduler", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scheduler kind=%s killed pid=%d\n", q.kind, pid)
	return nil
}

// SchedulerStatus is the output of 'scheduler status'.
type SchedulerStatus struct {
	Kind     string           `json:"kind"`
	Running  bool             `json:"running"`
	PID      int              `json:"pid,omitempty"`
	LogPath  string           `json:"log_path"`
	Settings scheduler.Config `json:"settings"`
	CPUs     int              `json:"cpus"`
	Budget   int              `json:"budget"`
}

func runSchedulerStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	q, err := openQueue(args[0])
	if err != nil {
		return err
	}
	p, err := schedulerProcess(q)
	if err != nil {
		return err
	}

	sc := q.settings.Scheduler(q.kind)
	cpus := scheduler.LogicalCPUs()
	st := SchedulerStatus{
		Kind:     q.kind,
		Running:  p.IsRunning(),
		LogPath:  p.LogPath,
		Settings: sc,
		CPUs:     cpus,
		Budget:   sc.Budget(cpus),
	}
	if st.Running {
		st.PID = p.PID()
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, st)
	}
	_, _ = fmt.Fprintf(out, "kind=%s\n", st.Kind)
	_, _ = fmt.Fprintf(out, "running=%t\n", st.Running)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", st.PID)
	}
	_, _ = fmt.Fprintf(out, "autostart_enabled=%t\n", sc.AutostartEnabled)
	_, _ = fmt.Fprintf(out, "cpu_budget=%d\n", sc.CPUBudget)
	_, _ = fmt.Fprintf(out, "effective_budget=%d\n", st.Budget)
	_, _ = fmt.Fprintf(out, "poll_interval=%s\n", sc.PollInterval)
	_, _ = fmt.Fprintf(out, "sweep_interval=%s\n", sc.SweepInterval)
	_, _ = fmt.Fprintf(out, "log_path=%s\n", st.LogPath)
	return nil
}
