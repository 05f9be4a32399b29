// Package logstate derives a job's status from process liveness and the text
// its worker has written to the job log.
package logstate

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
)

// Status is the derived state of a job. It is computed on every call and
// never stored.
type Status string

const (
	NotStarted         Status = "NOT_STARTED"
	RunningPreliminary Status = "RUNNING_PRELIMINARY"
	RunningMain        Status = "RUNNING_MAIN"
	Complete           Status = "COMPLETE"
	Error              Status = "ERROR"
)

// Running reports whether s is one of the running states.
func (s Status) Running() bool {
	return s == RunningPreliminary || s == RunningMain
}

// Markers are the substrings a worker prints at lifecycle phases.
type Markers struct {
	Success string
	Main    string
}

// Classify maps liveness and log content to a Status.
//
// Precedence: success marker, then alive with main marker, then alive, then
// a non-empty log, else not started. The success marker wins even when the
// process is still alive.
func Classify(alive bool, log []byte, m Markers) Status {
	if m.Success != "" && bytes.Contains(log, []byte(m.Success)) {
		return Complete
	}
	if alive {
		if m.Main != "" && bytes.Contains(log, []byte(m.Main)) {
			return RunningMain
		}
		return RunningPreliminary
	}
	if len(log) > 0 {
		return Error
	}
	return NotStarted
}

// ReadLog returns the full log contents. A missing file reads as empty.
func ReadLog(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}
