package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Process is a handle on one detached external process whose pid survives in
// a pid file. It is safe for concurrent use.
//
// While the process that called Start is alive, the owned os.Process is the
// source of truth. After a restart the handle falls back to the pid file plus
// an OS process table lookup.
type Process struct {
	Argv    []string
	Dir     string
	Env     []string
	LogPath string
	PIDPath string

	// MatchName is the base name expected somewhere in the command line.
	MatchName string
	// MatchArg, when set, must also appear verbatim in the command line.
	MatchArg string

	mu    sync.Mutex
	pid   int
	owned *ownedProcess
}

type ownedProcess struct {
	proc *os.Process
	done chan struct{}
}

func (o *ownedProcess) exited() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Start truncates the log, launches Argv detached with stdout and stderr
// redirected to the log and records the pid in PIDPath.
func (p *Process) Start() error {
	if len(p.Argv) == 0 || strings.TrimSpace(p.Argv[0]) == "" {
		return fmt.Errorf("process command is empty")
	}
	if p.LogPath == "" {
		return fmt.Errorf("process log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(p.LogPath), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	logFile, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start %s: %w", filepath.Base(p.Argv[0]), err)
	}
	// The child holds its own descriptor.
	_ = logFile.Close()

	owned := &ownedProcess{proc: cmd.Process, done: make(chan struct{})}
	go func() {
		// Reap the child so an exited worker does not linger as a zombie.
		_ = cmd.Wait()
		close(owned.done)
	}()

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.owned = owned
	p.mu.Unlock()

	if p.PIDPath != "" {
		if err := writePIDFile(p.PIDPath, cmd.Process.Pid); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	return nil
}

// PID returns the last known pid, reading the pid file if none is in memory.
// Zero means unknown.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pid <= 0 {
		p.pid = readPIDFile(p.PIDPath)
	}
	return p.pid
}

// IsRunning reports whether the process is alive. It never returns an error:
// anything that prevents a positive identification means not running.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owned != nil {
		if !p.owned.exited() {
			return true
		}
		// Another process may have relaunched the job since; trust the pid
		// file only if it names a different pid.
		filePID := readPIDFile(p.PIDPath)
		if filePID <= 0 || filePID == p.owned.proc.Pid {
			return false
		}
		p.owned = nil
		p.pid = filePID
		return processMatches(filePID, p.MatchName, p.MatchArg)
	}

	if p.pid > 0 && processMatches(p.pid, p.MatchName, p.MatchArg) {
		return true
	}
	filePID := readPIDFile(p.PIDPath)
	if filePID <= 0 || filePID == p.pid {
		return false
	}
	p.pid = filePID
	return processMatches(filePID, p.MatchName, p.MatchArg)
}

// Kill sends a forceful kill if the process is running. It does not wait for
// the process to exit.
func (p *Process) Kill() error {
	if !p.IsRunning() {
		return nil
	}

	p.mu.Lock()
	owned := p.owned
	pid := p.pid
	p.mu.Unlock()

	if owned != nil {
		if err := owned.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill pid %d: %w", owned.proc.Pid, err)
		}
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

func readPIDFile(path string) int {
	if path == "" {
		return 0
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}
