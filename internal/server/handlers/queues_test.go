package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/pbqueue/internal/errors"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
	"github.com/3leaps/pbqueue/pkg/logstate"
	"github.com/3leaps/pbqueue/pkg/supervisor"
	"github.com/3leaps/pbqueue/pkg/worker"
)

type dirSource struct {
	root  string
	kinds map[string]worker.Kind
}

func (d dirSource) Kinds() []string {
	out := make([]string, 0, len(d.kinds))
	for k := range d.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d dirSource) Open(kind string) (*jobqueue.Store, *supervisor.Supervisor, error) {
	k, ok := d.kinds[kind]
	if !ok {
		return nil, nil, ErrUnknownQueue
	}
	return jobqueue.NewStore(filepath.Join(d.root, kind), nil), supervisor.New(k, nil), nil
}

type queueFixture struct {
	router http.Handler
	store  *jobqueue.Store
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	root := t.TempDir()
	src := dirSource{root: root, kinds: worker.Defaults("/opt/passivbot")}

	q := &Queues{Source: src}
	r := chi.NewRouter()
	r.Get("/v1/queues", q.ListQueues)
	r.Get("/v1/queues/{kind}/jobs", q.ListJobs)
	r.Get("/v1/queues/{kind}/jobs/{id}", q.GetJob)
	r.Get("/v1/queues/{kind}/jobs/{id}/log", q.GetJobLog)

	store := jobqueue.NewStore(filepath.Join(root, worker.Backtest), nil)
	return &queueFixture{router: r, store: store}
}

func (f *queueFixture) add(t *testing.T, id, log string) jobqueue.Job {
	t.Helper()
	job := f.store.NewJob(worker.Backtest, id, "/configs/"+id+".json", "", "")
	job.ID = id
	job.LogPath = f.store.LogPath(id)
	job.PIDPath = f.store.PIDPath(id)
	require.NoError(t, f.store.Add(job))
	if log != "" {
		require.NoError(t, os.WriteFile(job.LogPath, []byte(log), 0644))
	}
	return job
}

func (f *queueFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestQueues_ListJobs(t *testing.T) {
	f := newQueueFixture(t)
	f.add(t, "job-a", "")
	f.add(t, "job-b", "fetching\nStarting backtest\nBacktest complete\n")
	f.add(t, "job-c", "Traceback (most recent call last)\n")

	rec := f.get(t, "/v1/queues/backtest/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body JobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "backtest", body.Kind)
	require.Len(t, body.Jobs, 3)

	byID := map[string]logstate.Status{}
	for _, j := range body.Jobs {
		byID[j.ID] = j.Status
		assert.Zero(t, j.PID)
	}
	assert.Equal(t, logstate.NotStarted, byID["job-a"])
	assert.Equal(t, logstate.Complete, byID["job-b"])
	assert.Equal(t, logstate.Error, byID["job-c"])
}

func TestQueues_ListJobsEmptyQueue(t *testing.T) {
	f := newQueueFixture(t)

	rec := f.get(t, "/v1/queues/optimize/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body JobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Jobs)
}

func TestQueues_UnknownKind(t *testing.T) {
	f := newQueueFixture(t)

	rec := f.get(t, "/v1/queues/bogus/jobs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestQueues_GetJob(t *testing.T) {
	f := newQueueFixture(t)
	f.add(t, "abc-111", "")
	f.add(t, "abc-222", "Backtest complete\n")

	t.Run("exact id", func(t *testing.T) {
		rec := f.get(t, "/v1/queues/backtest/jobs/abc-222")
		require.Equal(t, http.StatusOK, rec.Code)
		var st supervisor.JobState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Equal(t, "abc-222", st.ID)
		assert.Equal(t, logstate.Complete, st.Status)
		assert.Equal(t, "/configs/abc-222.json", st.ConfigRef)
	})

	t.Run("unique prefix", func(t *testing.T) {
		rec := f.get(t, "/v1/queues/backtest/jobs/abc-1")
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		rec := f.get(t, "/v1/queues/backtest/jobs/abc")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, apperrors.CodeConflict, errorCode(t, rec))
	})

	t.Run("not found", func(t *testing.T) {
		rec := f.get(t, "/v1/queues/backtest/jobs/zzz")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
	})
}

func TestQueues_GetJobLog(t *testing.T) {
	f := newQueueFixture(t)
	f.add(t, "job-a", "one\ntwo\nthree\n")
	f.add(t, "job-b", "")

	rec := f.get(t, "/v1/queues/backtest/jobs/job-a/log")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one\ntwo\nthree\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	rec = f.get(t, "/v1/queues/backtest/jobs/job-a/log?tail=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "two\nthree\n", rec.Body.String())

	rec = f.get(t, "/v1/queues/backtest/jobs/job-b/log")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.get(t, "/v1/queues/backtest/jobs/job-a/log?tail=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueues_ListQueues(t *testing.T) {
	f := newQueueFixture(t)
	f.add(t, "job-a", "")
	f.add(t, "job-b", "Backtest complete\n")

	rec := f.get(t, "/v1/queues")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []QueueSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 3)
	assert.Equal(t, worker.Backtest, body[0].Kind)
	assert.Equal(t, 2, body[0].Total)
	assert.Equal(t, 1, body[0].Counts[logstate.Complete])
	assert.Equal(t, 1, body[0].Counts[logstate.NotStarted])
	assert.Equal(t, 0, body[1].Total)
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"fewer lines than n", "a\nb\n", 5, "a\nb\n"},
		{"exact tail", "a\nb\nc\n", 2, "b\nc\n"},
		{"no trailing newline", "a\nb\nc", 1, "c\n"},
		{"zero keeps all", "a\nb", 0, "a\nb"},
		{"empty", "", 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(TailLines([]byte(tt.in), tt.n)))
		})
	}
}
