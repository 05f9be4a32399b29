package ranker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
)

// PromoteOptions controls how selected runs become backtest jobs.
type PromoteOptions struct {
	// Kind is the queue kind of the generated jobs.
	Kind string
	// ConfigsDir receives one immutable config file per promoted run.
	ConfigsDir string
	ExtraArgs  string
	Exchange   string
	Logger     *zap.Logger
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName turns a run id into a file name.
func SafeName(runID string) string {
	s := unsafeName.ReplaceAllString(strings.Trim(runID, "/"), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "run"
	}
	return s
}

// Promote writes each record's config to ConfigsDir (once; existing files are
// never rewritten) and enqueues one job per record. Records whose config is
// already referenced by a queued job, or that carry no config, are skipped.
func Promote(records []Record, store *jobqueue.Store, opts PromoteOptions) ([]jobqueue.Job, error) {
	logger := observability.OrNop(opts.Logger)
	if store == nil {
		return nil, fmt.Errorf("promote: store is required")
	}
	if strings.TrimSpace(opts.ConfigsDir) == "" {
		return nil, fmt.Errorf("promote: configs dir is required")
	}
	if err := os.MkdirAll(opts.ConfigsDir, 0755); err != nil {
		return nil, fmt.Errorf("create configs dir: %w", err)
	}

	existing, err := store.Load()
	if err != nil {
		return nil, err
	}
	queued := make(map[string]bool, len(existing))
	for _, j := range existing {
		queued[filepath.Clean(j.ConfigRef)] = true
	}

	var out []jobqueue.Job
	for _, r := range records {
		if len(bytes.TrimSpace(r.Config)) == 0 {
			logger.Warn("Run has no config; not promoted", zap.String("run_id", r.RunID))
			continue
		}

		name := SafeName(r.RunID)
		configRef := filepath.Join(opts.ConfigsDir, name+".json")
		if queued[filepath.Clean(configRef)] {
			logger.Debug("Run already queued", zap.String("run_id", r.RunID))
			continue
		}
		if err := writeOnce(configRef, r.Config); err != nil {
			return out, err
		}

		job := store.NewJob(opts.Kind, name, configRef, opts.ExtraArgs, opts.Exchange)
		if err := store.Add(job); err != nil {
			return out, err
		}
		queued[filepath.Clean(configRef)] = true
		out = append(out, job)
		logger.Info("Promoted run",
			zap.String("run_id", r.RunID),
			zap.String("job_id", job.ID),
			zap.String("config", configRef))
	}
	return out, nil
}

func writeOnce(path string, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format config %s: %w", path, err)
	}
	buf.WriteByte('\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("create config %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return f.Close()
}
