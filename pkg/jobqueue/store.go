package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/observability"
)

const (
	descriptorExt = ".json"
	logExt        = ".log"
	pidExt        = ".pid"

	// DescriptorGlob matches job descriptors inside a queue directory.
	DescriptorGlob = "*" + descriptorExt
)

var (
	// ErrNotFound is returned when no job matches an id or prefix.
	ErrNotFound = errors.New("job not found")
	// ErrAmbiguous is returned when an id prefix matches more than one job.
	ErrAmbiguous = errors.New("job id prefix is ambiguous")
)

// Store is a directory-backed queue of Jobs.
//
// Directory layout:
//
//	<dir>/<id>.json   descriptor
//	<dir>/<id>.log    worker stdout+stderr
//	<dir>/<id>.pid    decimal pid of the last launch
//
// Store is not safe for concurrent writers in different processes. Every
// mutation is idempotent or tolerant of partial state, so independent
// processes that re-Load before acting can share one directory.
type Store struct {
	dir  string
	jobs []Job
	log  *zap.Logger
}

// NewStore returns a Store rooted at dir. A nil logger disables logging.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: strings.TrimSpace(dir), log: observability.OrNop(logger)}
}

// Dir returns the queue directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) DescriptorPath(id string) string {
	return filepath.Join(s.dir, id+descriptorExt)
}

func (s *Store) LogPath(id string) string {
	return filepath.Join(s.dir, id+logExt)
}

func (s *Store) PIDPath(id string) string {
	return filepath.Join(s.dir, id+pidExt)
}

func (s *Store) ensureDir() error {
	if s.dir == "" {
		return fmt.Errorf("queue dir is empty")
	}
	return os.MkdirAll(s.dir, 0755)
}

// NewJob builds a descriptor with a fresh id and paths inside the queue
// directory. The job is not persisted until Add is called.
func (s *Store) NewJob(kind, name, configRef, extraArgs, exchange string) Job {
	id := uuid.New().String()
	job := Job{
		ID:          id,
		Kind:        strings.TrimSpace(kind),
		DisplayName: strings.TrimSpace(name),
		ConfigRef:   strings.TrimSpace(configRef),
		ExchangeTag: strings.TrimSpace(exchange),
		LogPath:     s.LogPath(id),
		PIDPath:     s.PIDPath(id),
		CreatedAt:   time.Now().UTC(),
	}
	if args := strings.TrimSpace(extraArgs); args != "" {
		job.ExtraArgs = &args
	}
	if job.DisplayName == "" {
		job.DisplayName = strings.TrimSuffix(filepath.Base(job.ConfigRef), filepath.Ext(job.ConfigRef))
	}
	return job
}

// Load reads every descriptor in the queue directory and replaces the
// in-memory list. Descriptors that fail to parse are logged and skipped.
// Jobs are returned in queue order (created_at, then id).
func (s *Store) Load() ([]Job, error) {
	if s.dir == "" {
		return nil, fmt.Errorf("queue dir is empty")
	}
	matches, err := doublestar.Glob(os.DirFS(s.dir), DescriptorGlob, doublestar.WithFilesOnly())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.jobs = nil
			return nil, nil
		}
		return nil, fmt.Errorf("list queue dir: %w", err)
	}

	out := make([]Job, 0, len(matches))
	for _, name := range matches {
		job, err := s.readDescriptor(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("Skipping unreadable job descriptor",
				zap.String("path", filepath.Join(s.dir, name)),
				zap.Error(err))
			continue
		}
		out = append(out, job)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	s.jobs = out
	return append([]Job(nil), out...), nil
}

func (s *Store) readDescriptor(path string) (Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return Job{}, fmt.Errorf("descriptor is empty")
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return Job{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if strings.TrimSpace(job.ID) == "" {
		return Job{}, fmt.Errorf("descriptor has no id")
	}
	if !validID(job.ID) {
		return Job{}, fmt.Errorf("descriptor id %q is not a plain file name", job.ID)
	}

	// Log and pid files always live in the queue dir. Missing or foreign
	// paths are replaced with the derived ones.
	if !s.inDir(job.LogPath) {
		job.LogPath = s.LogPath(job.ID)
	}
	if !s.inDir(job.PIDPath) {
		job.PIDPath = s.PIDPath(job.ID)
	}
	return job, nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// inDir reports whether p is a file directly inside the queue dir.
func (s *Store) inDir(p string) bool {
	if p == "" {
		return false
	}
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

// Jobs returns the in-memory list from the last Load or Add.
func (s *Store) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Get reads a single descriptor by exact id.
func (s *Store) Get(id string) (Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Job{}, fmt.Errorf("job id is required")
	}
	if !validID(id) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job, err := s.readDescriptor(s.DescriptorPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// Resolve finds a job by exact id or unique id prefix.
func (s *Store) Resolve(input string) (Job, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Job{}, fmt.Errorf("job id is required")
	}
	if job, err := s.Get(input); err == nil {
		return job, nil
	}

	jobs, err := s.Load()
	if err != nil {
		return Job{}, err
	}
	var matches []Job
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j)
		}
	}
	switch len(matches) {
	case 0:
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return Job{}, fmt.Errorf("%w (%d matches); use the full id", ErrAmbiguous, len(matches))
	}
}

// Add persists job unless a job with the same id is already known.
func (s *Store) Add(job Job) error {
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	for _, existing := range s.jobs {
		if existing.ID == id {
			return nil
		}
	}
	if _, err := os.Stat(s.DescriptorPath(id)); err == nil {
		if existing, err := s.readDescriptor(s.DescriptorPath(id)); err == nil {
			s.jobs = append(s.jobs, existing)
			return nil
		}
	}

	if job.LogPath == "" {
		job.LogPath = s.LogPath(id)
	}
	if job.PIDPath == "" {
		job.PIDPath = s.PIDPath(id)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := s.write(job); err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Store) write(job Job) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job descriptor: %w", err)
	}
	b = append(b, '\n')

	// The temp name must not match DescriptorGlob or a concurrent Load would
	// try to parse a half-written file.
	tmp, err := os.CreateTemp(s.dir, "."+job.ID+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp descriptor: %w", err)
	}
	if err := os.Rename(tmpName, s.DescriptorPath(job.ID)); err != nil {
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}

// Remove deletes the descriptor, log and pid files of job. Only files named
// after the job id inside the queue dir are touched. Files that are already
// gone are not an error; other failures are logged and skipped.
func (s *Store) Remove(job Job) {
	if !validID(job.ID) {
		s.log.Warn("Refusing to remove job with invalid id", zap.String("job_id", job.ID))
		return
	}
	paths := []string{s.DescriptorPath(job.ID), s.LogPath(job.ID), s.PIDPath(job.ID)}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("Failed to remove job file",
				zap.String("job_id", job.ID),
				zap.String("path", p),
				zap.Error(err))
		}
	}

	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.ID != job.ID {
			kept = append(kept, j)
		}
	}
	s.jobs = kept
}
