package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/pkg/ranker"
	"github.com/3leaps/pbqueue/pkg/worker"
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank optimizer results and optionally promote them to backtests",
	Long: `Rank completed optimizer runs by the configured criteria and print the
selection. Each criterion (e.g. sharpe_ratio_long) keeps its top K runs;
K comes from ranking.<criterion> in the settings file or --top.

With --promote, every selected run's config is written once to
promote.configs_dir and a backtest job is queued for it, unless one is
already queued.

Examples:
  pbqueue rank --top adg_long=3 --top drawdown_worst_short=2
  pbqueue rank --results ~/passivbot/optimize_results_analysis --promote`,
	Args: cobra.NoArgs,
	RunE: runRank,
}

func init() {
	rootCmd.AddCommand(rankCmd)
	rankCmd.Flags().String("results", "", "Results directory (default promote.results_dir)")
	rankCmd.Flags().StringArray("top", nil, "Override a criterion's K as name=K (repeatable)")
	rankCmd.Flags().Bool("promote", false, "Queue backtest jobs for the selection")
	rankCmd.Flags().String("kind", worker.Backtest, "Queue kind for promoted jobs")
	rankCmd.Flags().String("args", "", "Extra worker arguments for promoted jobs (default promote.extra_args)")
	rankCmd.Flags().String("exchange", "", "Exchange tag for promoted jobs")
	rankCmd.Flags().Bool("json", false, "Output as JSON")
}

// parseTopOverrides parses name=K pairs.
func parseTopOverrides(pairs []string) (map[string]int, error) {
	known := make(map[string]bool)
	for _, n := range ranker.CriterionNames() {
		known[n] = true
	}
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		name, val, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --top %q (expected name=K)", p)
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown criterion %q (expected one of: %s)", name, strings.Join(ranker.CriterionNames(), ", "))
		}
		k, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || k < 0 {
			return nil, fmt.Errorf("invalid --top %q: K must be a non-negative integer", p)
		}
		out[name] = k
	}
	return out, nil
}

// RankOutput is the JSON output of 'rank'.
type RankOutput struct {
	ResultsDir string          `json:"results_dir"`
	Discovered int             `json:"discovered"`
	Criteria   map[string]int  `json:"criteria"`
	Selected   []ranker.Record `json:"selected"`
	Promoted   []string        `json:"promoted_job_ids,omitempty"`
}

func runRank(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	promote, _ := cmd.Flags().GetBool("promote")
	topPairs, _ := cmd.Flags().GetStringArray("top")

	s, err := loadSettings()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load settings", err)
	}

	resultsDir, _ := cmd.Flags().GetString("results")
	if resultsDir == "" {
		resultsDir = s.Promote.ResultsDir
	}
	if resultsDir == "" {
		return usageErr("no results directory: pass --results or set promote.results_dir or passivbot_dir")
	}

	topK := make(map[string]int, len(s.Ranking))
	for k, v := range s.Ranking {
		topK[k] = v
	}
	overrides, err := parseTopOverrides(topPairs)
	if err != nil {
		return usageErr("%v", err)
	}
	for k, v := range overrides {
		topK[k] = v
	}

	records, err := ranker.Discover(resultsDir, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to read results", err)
	}
	criteria := ranker.DefaultCriteria(topK)
	selected := ranker.Select(records, criteria)

	observability.CLILogger.Info("Ranked results",
		zap.String("results_dir", resultsDir),
		zap.Int("discovered", len(records)),
		zap.Int("selected", len(selected)))

	active := make(map[string]int)
	for _, c := range criteria {
		if c.TopK > 0 {
			active[c.Name] = c.TopK
		}
	}
	if len(active) == 0 {
		observability.CLILogger.Warn("No ranking criteria enabled; set ranking.<criterion> or pass --top")
	}

	out := RankOutput{
		ResultsDir: resultsDir,
		Discovered: len(records),
		Criteria:   active,
		Selected:   selected,
	}

	if promote {
		kind, _ := cmd.Flags().GetString("kind")
		extra, _ := cmd.Flags().GetString("args")
		if !cmd.Flags().Changed("args") {
			extra = s.Promote.ExtraArgs
		}
		exchange, _ := cmd.Flags().GetString("exchange")

		q, err := openQueueWith(s, kind)
		if err != nil {
			return err
		}
		jobs, err := ranker.Promote(selected, q.store, ranker.PromoteOptions{
			Kind:       q.kind,
			ConfigsDir: s.Promote.ConfigsDir,
			ExtraArgs:  extra,
			Exchange:   exchange,
			Logger:     observability.CLILogger,
		})
		for _, j := range jobs {
			out.Promoted = append(out.Promoted, j.ID)
		}
		if err != nil {
			return exitError(ExitFailure, "Promotion failed", err)
		}
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(w, out)
	}

	if len(selected) == 0 {
		_, _ = fmt.Fprintf(w, "No runs selected (%d discovered)\n", len(records))
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RUN ID\tSIDE\tMETRICS")
		for _, r := range selected {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.RunID, orDash(string(r.Side)), formatMetrics(r.Metrics, active))
		}
		_ = tw.Flush()
	}
	if promote {
		_, _ = fmt.Fprintf(w, "promoted=%d\n", len(out.Promoted))
	}
	return nil
}

// formatMetrics prints the metrics used by the active criteria.
func formatMetrics(m map[string]float64, active map[string]int) string {
	used := make(map[string]bool)
	for name := range active {
		metric := strings.TrimSuffix(strings.TrimSuffix(name, "_long"), "_short")
		if _, ok := m[metric]; ok {
			used[metric] = true
		}
	}
	keys := make([]string, 0, len(used))
	for k := range used {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.6g", k, m[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
