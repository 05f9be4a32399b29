// Package worker describes the external worker executables a queue launches
// and the log markers each one prints at known lifecycle phases.
package worker

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Built-in kind names. Each maps to one queue directory.
const (
	Backtest      = "backtest"
	Optimize      = "optimize"
	OptimizeMulti = "optimize_multi"
)

// Kind is the launch recipe and marker table for one worker executable.
type Kind struct {
	Name string `mapstructure:"-"`

	// Command is the argv prefix; the job's config_ref and extra args are
	// appended. The last element is the worker script or binary.
	Command []string `mapstructure:"command"`

	// Dir is the working directory for the worker, usually the passivbot checkout.
	Dir string `mapstructure:"dir"`

	// SuccessMarker is printed only on clean completion.
	SuccessMarker string `mapstructure:"success_marker"`

	// MainMarker is printed once the data fetch phase is over and the main
	// computation begins.
	MainMarker string `mapstructure:"main_marker"`
}

// MatchName is the base name that identifies this worker in a process command line.
func (k Kind) MatchName() string {
	if len(k.Command) == 0 {
		return ""
	}
	return filepath.Base(k.Command[len(k.Command)-1])
}

func (k Kind) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("worker kind: name is required")
	}
	if len(k.Command) == 0 || strings.TrimSpace(k.Command[0]) == "" {
		return fmt.Errorf("worker kind %s: command is required", k.Name)
	}
	if strings.TrimSpace(k.SuccessMarker) == "" {
		return fmt.Errorf("worker kind %s: success_marker is required", k.Name)
	}
	return nil
}

// Defaults returns the built-in kinds for a passivbot checkout at dir.
func Defaults(passivbotDir string) map[string]Kind {
	script := func(name string) string {
		if passivbotDir == "" {
			return filepath.Join("src", name)
		}
		return filepath.Join(passivbotDir, "src", name)
	}
	return map[string]Kind{
		Backtest: {
			Name:          Backtest,
			Command:       []string{"python3", script("backtest.py")},
			Dir:           passivbotDir,
			SuccessMarker: "Backtest complete",
			MainMarker:    "Starting backtest",
		},
		Optimize: {
			Name:          Optimize,
			Command:       []string{"python3", script("optimize.py")},
			Dir:           passivbotDir,
			SuccessMarker: "Optimization complete",
			MainMarker:    "Starting optimize",
		},
		OptimizeMulti: {
			Name:          OptimizeMulti,
			Command:       []string{"python3", script("optimize_multi.py")},
			Dir:           passivbotDir,
			SuccessMarker: "Optimization complete",
			MainMarker:    "Starting optimize",
		},
	}
}

// Names returns the sorted kind names of a table.
func Names(kinds map[string]Kind) []string {
	out := make([]string, 0, len(kinds))
	for name := range kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
