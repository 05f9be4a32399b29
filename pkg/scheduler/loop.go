// Package scheduler turns a queue of not-started jobs into launched worker
// processes under a CPU budget and a single-downloader rule.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
	"github.com/3leaps/pbqueue/pkg/logstate"
)

// Queue supplies the current job list in queue order.
type Queue interface {
	Load() ([]jobqueue.Job, error)
}

// Runner observes and launches jobs.
type Runner interface {
	Status(job jobqueue.Job) logstate.Status
	Run(job jobqueue.Job) error
}

// Loop is the long-running control loop for one queue.
//
// Each sweep reloads settings and jobs, then launches NOT_STARTED jobs in
// queue order. Before each launch it polls until fewer than the CPU budget
// are running and no job is in its preliminary (data download) phase. The
// loop returns when autostart is disabled or ctx is done.
type Loop struct {
	Queue    Queue
	Runner   Runner
	Settings func() (Config, error)

	// CPUCount returns the number of logical CPUs. Defaults to gopsutil.
	CPUCount func() int
	// Sleep blocks for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *zap.Logger

	last    Config
	hasLast bool
	limiter *rate.Limiter
}

func (l *Loop) init() error {
	if l.Queue == nil || l.Runner == nil || l.Settings == nil {
		return fmt.Errorf("scheduler loop requires queue, runner and settings")
	}
	if l.CPUCount == nil {
		l.CPUCount = LogicalCPUs
	}
	if l.Sleep == nil {
		l.Sleep = sleepContext
	}
	l.Logger = observability.OrNop(l.Logger)
	return nil
}

// Run executes sweeps until autostart is disabled (nil) or ctx ends (ctx.Err()).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.init(); err != nil {
		return err
	}

	for {
		cfg, err := l.reload()
		if err != nil {
			return err
		}
		if !cfg.AutostartEnabled {
			l.Logger.Info("Autostart disabled; scheduler exiting")
			return nil
		}

		stop, err := l.sweep(ctx)
		if err != nil {
			return err
		}
		if stop {
			l.Logger.Info("Autostart disabled; scheduler exiting")
			return nil
		}

		if err := l.Sleep(ctx, l.last.sweepInterval()); err != nil {
			return err
		}
	}
}

// sweep makes one pass over the queue. stop is true when autostart was
// disabled during the pass.
func (l *Loop) sweep(ctx context.Context) (stop bool, err error) {
	jobs, err := l.Queue.Load()
	if err != nil {
		l.Logger.Warn("Failed to load queue", zap.Error(err))
		return false, nil
	}

	for _, job := range jobs {
		if l.Runner.Status(job) != logstate.NotStarted {
			continue
		}

		current, ok, err := l.waitForSlot(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}

		// The job may have been started, finished or deleted by another
		// process while we waited.
		if !containsJob(current, job.ID) || l.Runner.Status(job) != logstate.NotStarted {
			continue
		}

		if err := l.pace(ctx); err != nil {
			return false, err
		}
		if err := l.Runner.Run(job); err != nil {
			l.Logger.Warn("Failed to start job",
				zap.String("job_id", job.ID),
				zap.String("name", job.DisplayName),
				zap.Error(err))
			continue
		}
		l.Logger.Info("Launched job",
			zap.String("job_id", job.ID),
			zap.String("name", job.DisplayName))
	}
	return false, nil
}

// waitForSlot polls until a launch is allowed. ok is false when autostart
// was disabled while waiting.
func (l *Loop) waitForSlot(ctx context.Context) (jobs []jobqueue.Job, ok bool, err error) {
	for {
		cfg, err := l.reload()
		if err != nil {
			return nil, false, err
		}
		if !cfg.AutostartEnabled {
			return nil, false, nil
		}

		jobs, err = l.Queue.Load()
		if err != nil {
			l.Logger.Warn("Failed to load queue", zap.Error(err))
		} else {
			running, downloading := l.count(jobs)
			budget := cfg.Budget(l.CPUCount())
			if running < budget && downloading == 0 {
				return jobs, true, nil
			}
			l.Logger.Debug("Waiting for a free slot",
				zap.Int("running", running),
				zap.Int("downloading", downloading),
				zap.Int("budget", budget))
		}

		if err := l.Sleep(ctx, cfg.pollInterval()); err != nil {
			return nil, false, err
		}
	}
}

func (l *Loop) count(jobs []jobqueue.Job) (running, downloading int) {
	for _, j := range jobs {
		switch l.Runner.Status(j) {
		case logstate.RunningPreliminary:
			running++
			downloading++
		case logstate.RunningMain:
			running++
		}
	}
	return running, downloading
}

// reload fetches settings. A read failure after the first success keeps the
// last good settings so a half-saved file does not stop the loop.
func (l *Loop) reload() (Config, error) {
	cfg, err := l.Settings()
	if err != nil {
		if !l.hasLast {
			return Config{}, fmt.Errorf("load scheduler settings: %w", err)
		}
		l.Logger.Warn("Failed to reload settings; keeping previous", zap.Error(err))
		return l.last, nil
	}
	l.last = cfg
	l.hasLast = true
	return cfg, nil
}

// pace spaces launches by LaunchInterval. Zero disables pacing.
func (l *Loop) pace(ctx context.Context) error {
	every := l.last.LaunchInterval
	if every <= 0 {
		l.limiter = nil
		return nil
	}
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Every(every), 1)
	} else if l.limiter.Limit() != rate.Every(every) {
		l.limiter.SetLimit(rate.Every(every))
	}
	return l.limiter.Wait(ctx)
}

func containsJob(jobs []jobqueue.Job, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

// LogicalCPUs returns the logical CPU count, falling back to runtime.NumCPU.
func LogicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
