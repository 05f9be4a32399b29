package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/internal/server/handlers"
	"github.com/3leaps/pbqueue/pkg/logstate"
)

func runQueueLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	q, err := queueFromFlags(cmd)
	if err != nil {
		return err
	}
	job, err := q.resolve(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !follow {
		return printLogTail(out, job.LogPath, tailN)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return followLog(ctx, out, job.LogPath, tailN)
}

func printLogTail(w io.Writer, path string, tailN int) error {
	data, err := logstate.ReadLog(path)
	if err != nil {
		return err
	}
	if tailN > 0 {
		data = handlers.TailLines(data, tailN)
	}
	_, err = w.Write(data)
	return err
}

// followLog prints the tail of path and then every byte appended to it until
// ctx is done. A truncated log (the job was relaunched) is re-read from the
// start.
func followLog(ctx context.Context, w io.Writer, path string, tailN int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so a log created after we start is picked up too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	if err := printLogTail(w, path, tailN); err != nil {
		return err
	}
	var offset int64
	if st, err := os.Stat(path); err == nil {
		offset = st.Size()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			observability.CLILogger.Warn("Log watcher error", zap.Error(err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			offset, err = copyFrom(w, path, offset)
			if err != nil {
				return err
			}
		}
	}
}

// copyFrom writes the bytes of path after offset and returns the new offset.
func copyFrom(w io.Writer, path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return offset, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if st.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, bufio.NewReader(f))
	return offset + n, err
}
