package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the command tree with fresh flag values and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		SetVersionInfo(origVersion, origCommit, origBuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", &ExitError{Code: foundry.ExitFileNotFound, Message: "missing"}, foundry.ExitFileNotFound},
		{"wrapped exit error", fmt.Errorf("outer: %w", &ExitError{Code: ExitConflict}), ExitConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestDataDirAndSettingsPath(t *testing.T) {
	dir := t.TempDir()

	t.Run("flag wins", func(t *testing.T) {
		out, err := execute(t, "settings", "path", "--data-dir", dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "settings.yaml")+"\n", out)
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("PBQUEUE_DATA_DIR", dir)
		out, err := execute(t, "settings", "path")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "settings.yaml")+"\n", out)
	})

	t.Run("explicit settings file", func(t *testing.T) {
		custom := filepath.Join(dir, "custom.ini")
		out, err := execute(t, "settings", "path", "--data-dir", dir, "--settings", custom)
		require.NoError(t, err)
		assert.Equal(t, custom+"\n", out)
	})
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"queue", "add"}, {"queue", "list"}, {"queue", "status"}, {"queue", "run"},
		{"queue", "stop"}, {"queue", "rm"}, {"queue", "logs"}, {"queue", "clear-finished"},
		{"scheduler", "run"}, {"scheduler", "start"}, {"scheduler", "stop"}, {"scheduler", "status"},
		{"rank"}, {"settings", "get"}, {"settings", "set"}, {"settings", "list"},
		{"serve"}, {"version"},
	} {
		c, _, err := rootCmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], c.Name())
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, serviceName+" "+versionInfo.Version)
}
