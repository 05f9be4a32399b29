package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/config"
	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
	"github.com/3leaps/pbqueue/pkg/logstate"
	"github.com/3leaps/pbqueue/pkg/supervisor"
	"github.com/3leaps/pbqueue/pkg/worker"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage queued jobs",
	Long: `Manage the jobs of one queue kind.

Job ids may be abbreviated to any unique prefix. Status is derived on every
call from the process table and the job's log, so it is accurate even after
the CLI, the scheduler or the machine restarted.`,
}

var queueAddCmd = &cobra.Command{
	Use:   "add [config.json]",
	Short: "Add a job (or a batch with --from)",
	Long: `Add a job for a Passivbot config file.

Examples:
  pbqueue queue add configs/btc.json --kind backtest --args "--disable_plotting"
  pbqueue queue add --from batch.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with their status",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueStatus,
}

var queueRunCmd = &cobra.Command{
	Use:   "run <job_id>",
	Short: "Launch a job now, outside the scheduler",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRun,
}

var queueStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Kill a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueStop,
}

var queueRemoveCmd = &cobra.Command{
	Use:     "rm <job_id>",
	Aliases: []string{"remove"},
	Short:   "Remove a job and its log and pid files",
	Args:    cobra.ExactArgs(1),
	RunE:    runQueueRemove,
}

var queueLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show a job's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueLogs,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear-finished",
	Short: "Remove completed jobs (and failed ones with --errors)",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueStatusCmd, queueRunCmd,
		queueStopCmd, queueRemoveCmd, queueLogsCmd, queueClearCmd)

	queueCmd.PersistentFlags().StringP("kind", "k", worker.Backtest, "Queue kind")
	_ = queueCmd.RegisterFlagCompletionFunc("kind", completeKinds)

	queueAddCmd.Flags().String("name", "", "Display name (default: config file name)")
	queueAddCmd.Flags().String("args", "", "Extra worker arguments")
	queueAddCmd.Flags().String("exchange", "", "Exchange tag")
	queueAddCmd.Flags().String("from", "", "Batch manifest (YAML) to enqueue")
	queueAddCmd.Flags().Bool("json", false, "Output as JSON")

	queueListCmd.Flags().Bool("json", false, "Output as JSON")
	queueStatusCmd.Flags().Bool("json", false, "Output as JSON")
	queueRemoveCmd.Flags().Bool("force", false, "Kill the job first if it is running")
	queueLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	queueLogsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	queueClearCmd.Flags().Bool("errors", false, "Also remove jobs that ended with an error")
	queueClearCmd.Flags().Bool("dry-run", false, "Show what would be removed")
}

// queue bundles what every queue subcommand needs for one kind.
type queue struct {
	kind     string
	settings *config.Settings
	store    *jobqueue.Store
	sup      *supervisor.Supervisor
}

func openQueue(kind string) (*queue, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load settings", err)
	}
	return openQueueWith(s, kind)
}

func openQueueWith(s *config.Settings, kind string) (*queue, error) {
	kind = strings.TrimSpace(kind)
	k, err := s.Worker(kind)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown queue kind", err)
	}
	logger := observability.CLILogger
	return &queue{
		kind:     kind,
		settings: s,
		store:    jobqueue.NewStore(s.QueueDir(kind), logger),
		sup:      supervisor.New(k, logger),
	}, nil
}

func queueFromFlags(cmd *cobra.Command) (*queue, error) {
	kind, _ := cmd.Flags().GetString("kind")
	return openQueue(kind)
}

func (q *queue) resolve(input string) (jobqueue.Job, error) {
	job, err := q.store.Resolve(input)
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		return job, exitError(foundry.ExitFileNotFound, "Job not found", err)
	case errors.Is(err, jobqueue.ErrAmbiguous):
		return job, exitError(ExitConflict, "Ambiguous job id", err)
	}
	return job, err
}

func (q *queue) states() ([]supervisor.JobState, error) {
	jobs, err := q.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]supervisor.JobState, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, q.sup.Snapshot(j))
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	from, _ := cmd.Flags().GetString("from")

	var (
		added []jobqueue.Job
		err   error
	)
	switch {
	case from != "" && len(args) > 0:
		return usageErr("pass either a config file or --from, not both")
	case from != "":
		added, err = addFromManifest(cmd, from)
	case len(args) == 1:
		added, err = addSingle(cmd, args[0])
	default:
		return usageErr("a config file or --from is required")
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), added)
	}
	for _, j := range added {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s kind=%s name=%s\n", j.ID, j.Kind, j.DisplayName)
	}
	return nil
}

func addSingle(cmd *cobra.Command, configPath string) ([]jobqueue.Job, error) {
	q, err := queueFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Config file not found", err)
	}

	name, _ := cmd.Flags().GetString("name")
	extra, _ := cmd.Flags().GetString("args")
	exchange, _ := cmd.Flags().GetString("exchange")

	job := q.store.NewJob(q.kind, name, abs, extra, exchange)
	if err := q.store.Add(job); err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to add job", err)
	}
	observability.CLILogger.Info("Added job",
		zap.String("job_id", job.ID),
		zap.String("kind", q.kind),
		zap.String("config", abs))
	return []jobqueue.Job{job}, nil
}

func addFromManifest(cmd *cobra.Command, path string) ([]jobqueue.Job, error) {
	m, err := jobqueue.LoadBatchManifest(path)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid batch manifest", err)
	}
	if cmd.Flags().Changed("kind") {
		if kind, _ := cmd.Flags().GetString("kind"); kind != m.Kind {
			return nil, usageErr("--kind %s conflicts with manifest kind %s", kind, m.Kind)
		}
	}
	q, err := openQueue(m.Kind)
	if err != nil {
		return nil, err
	}
	added, err := m.Enqueue(q.store)
	if err != nil {
		return added, exitError(foundry.ExitFileWriteError, "Failed to enqueue batch", err)
	}
	observability.CLILogger.Info("Enqueued batch",
		zap.String("manifest", path),
		zap.String("kind", m.Kind),
		zap.Int("jobs", len(added)))
	return added, nil
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	states, err := q.states()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, states)
	}
	if len(states) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATUS\tPID\tEXCHANGE\tCREATED\tCONFIG")
	for _, s := range states {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(s.ID),
			orDash(s.DisplayName),
			s.Status,
			formatPID(s.PID),
			orDash(s.ExchangeTag),
			formatTime(s.CreatedAt),
			s.ConfigRef,
		)
	}
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	job, err := q.resolve(args[0])
	if err != nil {
		return err
	}
	st := q.sup.Snapshot(job)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, st)
	}
	_, _ = fmt.Fprintf(out, "job_id=%s\n", st.ID)
	_, _ = fmt.Fprintf(out, "kind=%s\n", q.kind)
	_, _ = fmt.Fprintf(out, "name=%s\n", st.DisplayName)
	_, _ = fmt.Fprintf(out, "status=%s\n", st.Status)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", st.PID)
	}
	_, _ = fmt.Fprintf(out, "config_ref=%s\n", st.ConfigRef)
	if st.Args() != "" {
		_, _ = fmt.Fprintf(out, "extra_args=%s\n", st.Args())
	}
	if st.ExchangeTag != "" {
		_, _ = fmt.Fprintf(out, "exchange=%s\n", st.ExchangeTag)
	}
	_, _ = fmt.Fprintf(out, "log_path=%s\n", st.LogPath)
	if !st.CreatedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "created_at=%s\n", st.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runQueueRun(cmd *cobra.Command, args []string) error {
	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	job, err := q.resolve(args[0])
	if err != nil {
		return err
	}
	if err := q.sup.Run(job); err != nil {
		if errors.Is(err, supervisor.ErrConfigMissing) {
			return exitError(foundry.ExitFileNotFound, "Cannot launch job", err)
		}
		return exitError(ExitFailure, "Cannot launch job", err)
	}
	st := q.sup.Snapshot(job)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s status=%s pid=%s\n", job.ID, st.Status, formatPID(st.PID))
	return nil
}

func runQueueStop(cmd *cobra.Command, args []string) error {
	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	job, err := q.resolve(args[0])
	if err != nil {
		return err
	}
	if !q.sup.IsRunning(job) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s not running\n", job.ID)
		return nil
	}
	if err := q.sup.Stop(job); err != nil {
		return exitError(ExitFailure, "Failed to stop job", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s killed\n", job.ID)
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	job, err := q.resolve(args[0])
	if err != nil {
		return err
	}
	if q.sup.IsRunning(job) {
		if !force {
			return exitError(ExitConflict, "Job is running",
				fmt.Errorf("job %s is running; stop it first or pass --force", job.ID))
		}
		if err := q.sup.Stop(job); err != nil {
			return exitError(ExitFailure, "Failed to stop job", err)
		}
	}
	q.store.Remove(job)
	q.sup.Forget(job)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s removed\n", job.ID)
	return nil
}

func runQueueClear(cmd *cobra.Command, _ []string) error {
	withErrors, _ := cmd.Flags().GetBool("errors")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	states, err := q.states()
	if err != nil {
		return err
	}

	removed := 0
	for _, s := range states {
		if s.Status != logstate.Complete && !(withErrors && s.Status == logstate.Error) {
			continue
		}
		removed++
		if dryRun {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "would remove job_id=%s status=%s\n", s.ID, s.Status)
			continue
		}
		q.store.Remove(s.Job)
		q.sup.Forget(s.Job)
	}
	if dryRun {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "would_remove=%d\n", removed)
	} else {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed=%d\n", removed)
	}
	return nil
}

func shortJobID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatPID(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
