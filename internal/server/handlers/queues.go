package handlers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/pbqueue/internal/errors"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
	"github.com/3leaps/pbqueue/pkg/logstate"
	"github.com/3leaps/pbqueue/pkg/supervisor"
)

// ErrUnknownQueue is returned by a QueueSource for kinds it does not serve.
var ErrUnknownQueue = errors.New("unknown queue kind")

// QueueSource opens the store and supervisor of a queue kind.
type QueueSource interface {
	Kinds() []string
	Open(kind string) (*jobqueue.Store, *supervisor.Supervisor, error)
}

// Queues serves read-only views of the job queues.
type Queues struct {
	Source QueueSource
}

// QueueSummary is one entry of GET /v1/queues.
type QueueSummary struct {
	Kind   string                  `json:"kind"`
	Total  int                     `json:"total"`
	Counts map[logstate.Status]int `json:"counts"`
}

// JobsResponse is the body of GET /v1/queues/{kind}/jobs.
type JobsResponse struct {
	Kind string                `json:"kind"`
	Jobs []supervisor.JobState `json:"jobs"`
}

func (q *Queues) open(r *http.Request) (*jobqueue.Store, *supervisor.Supervisor, error) {
	kind := chi.URLParam(r, "kind")
	store, sup, err := q.Source.Open(kind)
	if errors.Is(err, ErrUnknownQueue) {
		return nil, nil, apperrors.NewNotFound(fmt.Sprintf("unknown queue kind: %s", kind))
	}
	if err != nil {
		return nil, nil, apperrors.NewInternal("open queue", err)
	}
	return store, sup, nil
}

func (q *Queues) snapshots(store *jobqueue.Store, sup *supervisor.Supervisor) ([]supervisor.JobState, error) {
	jobs, err := store.Load()
	if err != nil {
		return nil, apperrors.NewInternal("load queue", err)
	}
	out := make([]supervisor.JobState, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, sup.Snapshot(j))
	}
	return out, nil
}

// ListQueues handles GET /v1/queues.
func (q *Queues) ListQueues(w http.ResponseWriter, r *http.Request) {
	out := make([]QueueSummary, 0)
	for _, kind := range q.Source.Kinds() {
		store, sup, err := q.Source.Open(kind)
		if err != nil {
			respondWithError(w, r, apperrors.NewInternal("open queue", err))
			return
		}
		states, err := q.snapshots(store, sup)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		sum := QueueSummary{Kind: kind, Total: len(states), Counts: map[logstate.Status]int{}}
		for _, s := range states {
			sum.Counts[s.Status]++
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListJobs handles GET /v1/queues/{kind}/jobs.
func (q *Queues) ListJobs(w http.ResponseWriter, r *http.Request) {
	store, sup, err := q.open(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	states, err := q.snapshots(store, sup)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobsResponse{Kind: chi.URLParam(r, "kind"), Jobs: states})
}

func (q *Queues) resolve(r *http.Request) (jobqueue.Job, *supervisor.Supervisor, error) {
	store, sup, err := q.open(r)
	if err != nil {
		return jobqueue.Job{}, nil, err
	}
	id := chi.URLParam(r, "id")
	job, err := store.Resolve(id)
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		return jobqueue.Job{}, nil, apperrors.NewNotFound(fmt.Sprintf("job not found: %s", id))
	case errors.Is(err, jobqueue.ErrAmbiguous):
		return jobqueue.Job{}, nil, apperrors.NewConflict(err.Error())
	case err != nil:
		return jobqueue.Job{}, nil, apperrors.NewInternal("resolve job", err)
	}
	return job, sup, nil
}

// GetJob handles GET /v1/queues/{kind}/jobs/{id}. The id may be a unique prefix.
func (q *Queues) GetJob(w http.ResponseWriter, r *http.Request) {
	job, sup, err := q.resolve(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sup.Snapshot(job))
}

// GetJobLog handles GET /v1/queues/{kind}/jobs/{id}/log. The optional tail
// query parameter limits the response to the last N lines.
func (q *Queues) GetJobLog(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewBadRequest("tail must be a non-negative integer"))
			return
		}
		tail = n
	}

	job, _, err := q.resolve(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	data, err := logstate.ReadLog(job.LogPath)
	if err != nil {
		respondWithError(w, r, apperrors.NewInternal("read log", err))
		return
	}
	if tail > 0 {
		data = TailLines(data, tail)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// TailLines returns the last n lines of data.
func TailLines(data []byte, n int) []byte {
	if n <= 0 {
		return data
	}
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return append(bytes.Join(lines, []byte("\n")), '\n')
}

