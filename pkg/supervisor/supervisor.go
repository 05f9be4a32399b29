// Package supervisor launches queue jobs as detached worker processes and
// answers liveness and status questions about them across restarts.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
	"github.com/3leaps/pbqueue/pkg/logstate"
	"github.com/3leaps/pbqueue/pkg/worker"
)

// ErrConfigMissing is returned by Run when a job's config_ref does not exist.
var ErrConfigMissing = errors.New("job config not found")

// Supervisor runs jobs of one worker kind.
//
// Status and IsRunning are derived on every call from the OS process table
// and the job's log; nothing about a job's state is cached. The only memory
// kept is the process handle of jobs this Supervisor launched itself.
type Supervisor struct {
	kind worker.Kind
	log  *zap.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

func New(kind worker.Kind, logger *zap.Logger) *Supervisor {
	logger = observability.OrNop(logger)
	return &Supervisor{
		kind:  kind,
		log:   logger.With(zap.String("kind", kind.Name)),
		procs: make(map[string]*Process),
	}
}

// Kind returns the worker kind this supervisor launches.
func (s *Supervisor) Kind() worker.Kind {
	return s.kind
}

func (s *Supervisor) handle(job jobqueue.Job) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[job.ID]; ok {
		return p
	}
	p := &Process{
		Dir:       s.kind.Dir,
		LogPath:   job.LogPath,
		PIDPath:   job.PIDPath,
		MatchName: s.kind.MatchName(),
		MatchArg:  job.ConfigRef,
	}
	s.procs[job.ID] = p
	return p
}

// Argv is the worker command line for job.
//
// Extra args are split on whitespace; quoting is not interpreted.
func (s *Supervisor) Argv(job jobqueue.Job) []string {
	argv := append([]string(nil), s.kind.Command...)
	argv = append(argv, job.ConfigRef)
	argv = append(argv, strings.Fields(job.Args())...)
	return argv
}

// IsRunning reports whether the job's worker process is alive.
func (s *Supervisor) IsRunning(job jobqueue.Job) bool {
	return s.handle(job).IsRunning()
}

// PID returns the job's last known pid, or 0.
func (s *Supervisor) PID(job jobqueue.Job) int {
	return s.handle(job).PID()
}

// Status derives the job's status from liveness and its log.
func (s *Supervisor) Status(job jobqueue.Job) logstate.Status {
	alive := s.IsRunning(job)
	log, err := logstate.ReadLog(job.LogPath)
	if err != nil {
		s.log.Debug("Failed to read job log", zap.String("job_id", job.ID), zap.Error(err))
		log = nil
	}
	return logstate.Classify(alive, log, logstate.Markers{
		Success: s.kind.SuccessMarker,
		Main:    s.kind.MainMarker,
	})
}

// Run launches the job's worker unless it is already running or complete, in
// which case Run does nothing.
func (s *Supervisor) Run(job jobqueue.Job) error {
	st := s.Status(job)
	if st == logstate.Complete || st.Running() {
		s.log.Debug("Run skipped", zap.String("job_id", job.ID), zap.String("status", string(st)))
		return nil
	}
	if strings.TrimSpace(job.ConfigRef) == "" {
		return fmt.Errorf("%w: job %s has no config_ref", ErrConfigMissing, job.ID)
	}
	if _, err := os.Stat(job.ConfigRef); err != nil {
		return fmt.Errorf("%w: %s", ErrConfigMissing, job.ConfigRef)
	}

	p := s.handle(job)
	p.Argv = s.Argv(job)
	if err := p.Start(); err != nil {
		return err
	}

	s.log.Info("Started job",
		zap.String("job_id", job.ID),
		zap.String("name", job.DisplayName),
		zap.Int("pid", p.PID()))
	return nil
}

// Stop force-kills the job's worker if it is running.
func (s *Supervisor) Stop(job jobqueue.Job) error {
	p := s.handle(job)
	if !p.IsRunning() {
		return nil
	}
	pid := p.PID()
	if err := p.Kill(); err != nil {
		return err
	}
	s.log.Info("Killed job", zap.String("job_id", job.ID), zap.Int("pid", pid))
	return nil
}

// Forget drops the in-memory handle for a job, e.g. after it was removed from
// the queue.
func (s *Supervisor) Forget(job jobqueue.Job) {
	s.mu.Lock()
	delete(s.procs, job.ID)
	s.mu.Unlock()
}

// JobState is a job together with its derived status, as reported by the
// CLI and the HTTP API.
type JobState struct {
	jobqueue.Job
	Status logstate.Status `json:"status"`
	PID    int             `json:"pid,omitempty"`
}

// Snapshot returns job with its current status. PID is set only while the
// worker is alive.
func (s *Supervisor) Snapshot(job jobqueue.Job) JobState {
	st := JobState{Job: job, Status: s.Status(job)}
	if st.Status.Running() {
		st.PID = s.PID(job)
	}
	return st
}
