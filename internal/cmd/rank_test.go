package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRankResult(t *testing.T, dir, rel string, sharpe float64) {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	body, err := json.Marshal(map[string]any{
		"config":  map[string]any{"bot": map[string]any{"sharpe": sharpe}},
		"metrics": map[string]float64{"sharpe_ratio": sharpe},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, body, 0644))
}

func TestParseTopOverrides(t *testing.T) {
	got, err := parseTopOverrides([]string{"adg_long=3", " sharpe_ratio_short = 1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"adg_long": 3, "sharpe_ratio_short": 1}, got)

	for _, bad := range []string{"adg_long", "=3", "nope_long=1", "adg_long=-1", "adg_long=x"} {
		_, err := parseTopOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRank_SelectAndPromote(t *testing.T) {
	dataDir := t.TempDir()
	results := t.TempDir()
	writeRankResult(t, results, "r/A_long.json", 5)
	writeRankResult(t, results, "r/B_long.json", 3)
	writeRankResult(t, results, "r/C_long.json", 8)

	out, err := execute(t, "rank", "--results", results, "--top", "sharpe_ratio_long=2", "--json", "--data-dir", dataDir)
	require.NoError(t, err)
	var res RankOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Discovered)
	require.Len(t, res.Selected, 2)
	assert.Equal(t, "r/C_long", res.Selected[0].RunID)
	assert.Equal(t, "r/A_long", res.Selected[1].RunID)
	assert.Empty(t, res.Promoted)

	out, err = execute(t, "rank", "--results", results, "--top", "sharpe_ratio_long=2", "--promote", "--json", "--data-dir", dataDir)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res.Promoted, 2)

	states := listJobs(t, dataDir, "backtest")
	require.Len(t, states, 2)
	for _, s := range states {
		_, err := os.Stat(s.ConfigRef)
		assert.NoError(t, err)
		assert.Equal(t, filepath.Join(dataDir, "configs", "promoted"), filepath.Dir(s.ConfigRef))
	}

	// Promoting the same selection again queues nothing new.
	out, err = execute(t, "rank", "--results", results, "--top", "sharpe_ratio_long=2", "--promote", "--json", "--data-dir", dataDir)
	require.NoError(t, err)
	res = RankOutput{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.Promoted)
	assert.Len(t, listJobs(t, dataDir, "backtest"), 2)
}

func TestRank_RequiresResultsDir(t *testing.T) {
	_, err := execute(t, "rank", "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}
