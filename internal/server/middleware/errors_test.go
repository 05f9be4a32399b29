package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// jobRouter mimics the job routes: a handler that panics on a corrupt
// descriptor and one that answers normally.
func jobRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recovery)
	r.Get("/v1/queues/{kind}/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "corrupt" {
			panic("descriptor for corrupt has no kind")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + chi.URLParam(r, "id") + `"}`))
	})
	return r
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return response
}

func TestRecovery_HealthyJobRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	jobRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues/backtest/jobs/abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"abc"}`, rec.Body.String())
}

func TestRecovery_PanickingJobRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/queues/backtest/jobs/corrupt", nil)
	req.Header.Set("X-Request-Id", "req-7")
	rec := httptest.NewRecorder()

	assert.NotPanics(t, func() { jobRouter().ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	response := decodeEnvelope(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
	assert.Equal(t, "panic: descriptor for corrupt has no kind", response.Error.Message)
	assert.Equal(t, "req-7", response.Error.RequestID)
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/queues/", nil))
	})
}

func TestWriteErrorResponse_QueueErrors(t *testing.T) {
	tests := []struct {
		name     string
		envelope *errors.ErrorEnvelope
		status   int
		wantCode string
		wantID   string
	}{
		{
			name:     "unknown job",
			envelope: errors.NewErrorEnvelope("NOT_FOUND", "job not found: 9f"),
			status:   http.StatusNotFound,
			wantCode: "NOT_FOUND",
		},
		{
			name:     "ambiguous prefix",
			envelope: errors.NewErrorEnvelope("CONFLICT", "ambiguous job id prefix \"a\""),
			status:   http.StatusConflict,
			wantCode: "CONFLICT",
		},
		{
			name: "correlation id kept",
			envelope: errors.NewErrorEnvelope("NOT_FOUND", "unknown queue kind: live").
				WithCorrelationID("corr-123"),
			status:   http.StatusNotFound,
			wantCode: "NOT_FOUND",
			wantID:   "corr-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, nil, tt.envelope, tt.status)

			assert.Equal(t, tt.status, rec.Code)
			response := decodeEnvelope(t, rec)
			assert.Equal(t, tt.wantCode, response.Error.Code)
			assert.Equal(t, tt.envelope.Message, response.Error.Message)
			assert.Equal(t, tt.wantID, response.Error.RequestID)
		})
	}
}

func TestWriteErrorResponse_ContextBecomesDetails(t *testing.T) {
	envelope := errors.NewErrorEnvelope("BAD_REQUEST", "tail must be a non-negative integer")
	envelope, err := envelope.WithContext(map[string]interface{}{
		"tail": "-5",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, nil, envelope, http.StatusBadRequest)

	response := decodeEnvelope(t, rec)
	assert.Equal(t, "-5", response.Error.Details["tail"])
}

func TestRequestLogger_RecordsJobRequests(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := RequestID(RequestLogger(zap.New(core))(jobRouter()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues/optimize/jobs/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("Request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/v1/queues/optimize/jobs/abc", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestRequestLogger_NilLogger(t *testing.T) {
	handler := RequestLogger(nil)(jobRouter())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues/backtest/jobs/abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
