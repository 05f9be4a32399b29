package ranker

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
)

// ResultGlob matches per-side result files below a results directory.
const ResultGlob = "**/*_{long,short}.json"

type resultFile struct {
	Config  json.RawMessage    `json:"config"`
	Metrics map[string]float64 `json:"metrics"`
}

// Discover loads every result file under dir in lexical path order, which is
// the discovery order the "best" criterion ranks by. Files that cannot be
// parsed or have no metrics are logged and skipped.
func Discover(dir string, logger *zap.Logger) ([]Record, error) {
	logger = observability.OrNop(logger)
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("results dir is required")
	}
	if st, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("results dir: %w", err)
	} else if !st.IsDir() {
		return nil, fmt.Errorf("results dir is not a directory: %s", dir)
	}

	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, ResultGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob results: %w", err)
	}
	sort.Strings(matches)

	out := make([]Record, 0, len(matches))
	for _, rel := range matches {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		b, err := os.ReadFile(full)
		if err != nil {
			logger.Warn("Skipping unreadable result", zap.String("path", full), zap.Error(err))
			continue
		}
		var rf resultFile
		if err := json.Unmarshal(b, &rf); err != nil {
			logger.Warn("Skipping malformed result", zap.String("path", full), zap.Error(err))
			continue
		}
		if len(rf.Metrics) == 0 {
			logger.Warn("Skipping result without metrics", zap.String("path", full))
			continue
		}

		rec := Record{
			SourcePath: full,
			Metrics:    rf.Metrics,
			Config:     rf.Config,
		}
		rec.Side = SideOf(Record{SourcePath: rel})
		rec.RunID = runID(rel)
		out = append(out, rec)
	}
	return out, nil
}

// runID is the slash-separated path relative to the results dir without the
// .json extension. The side suffix stays, so the long and short results of
// one optimizer run are distinct records.
func runID(rel string) string {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	return strings.TrimSuffix(rel, ".json")
}
