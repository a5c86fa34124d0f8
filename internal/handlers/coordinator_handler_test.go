package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arashi-run/coordinator/internal/coordinator"
	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() (*CoordinatorHandler, *http.ServeMux, *corestate.State) {
	state := corestate.New(nil, nil)
	api := coordinator.New(state)
	h := NewCoordinatorHandler(api)
	mux := http.NewServeMux()
	h.Register(mux)
	return h, mux, state
}

func doJSON(mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobReturns201AndJobID(t *testing.T) {
	_, mux, _ := newTestHandler()

	rec := doJSON(mux, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"command": "echo hi", "archiveRef": "ref",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var out struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out.JobID)
}

func TestSubmitJobRejectsMissingCommand(t *testing.T) {
	_, mux, _ := newTestHandler()

	rec := doJSON(mux, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"archiveRef": "ref",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobRejectsMalformedBody(t *testing.T) {
	_, mux, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobStatusReturns404ForUnknownJob(t *testing.T) {
	_, mux, _ := newTestHandler()

	rec := doJSON(mux, http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobReturns204(t *testing.T) {
	_, mux, state := newTestHandler()
	jobID, err := state.SubmitJob(corestate.SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)

	rec := doJSON(mux, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	job, err := state.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, corestate.JobFailed, job.Status)
}

func TestListJobsFiltersByStatusQueryParam(t *testing.T) {
	_, mux, state := newTestHandler()
	_, err := state.SubmitJob(corestate.SubmitJobParams{Command: "a", ArchiveRef: "ref"})
	require.NoError(t, err)
	id2, err := state.SubmitJob(corestate.SubmitJobParams{Command: "b", ArchiveRef: "ref"})
	require.NoError(t, err)
	require.NoError(t, state.CancelJob(id2))

	rec := doJSON(mux, http.MethodGet, "/api/v1/jobs?status=FAILED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []corestate.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, id2, jobs[0].JobID)
}

func TestAppendOutputRejectsMismatchedWorker(t *testing.T) {
	_, mux, state := newTestHandler()
	require.NoError(t, state.RegisterWorker(corestate.RegisterWorkerParams{
		WorkerID: "w1", Hostname: "h", OS: "linux", CPUCount: 2, RAMTotalMb: 1024, RAMFreeMb: 1024,
	}))
	jobID, err := state.SubmitJob(corestate.SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	state.Sweep(corestate.SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = state.ClaimNext("w1")
	require.NoError(t, err)

	rec := doJSON(mux, http.MethodPost, "/api/v1/jobs/"+jobID+"/logs", map[string]interface{}{
		"workerId": "someone-else", "stream": "stdout", "data": "oops",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterWorkerRejectsMissingFields(t *testing.T) {
	_, mux, _ := newTestHandler()

	rec := doJSON(mux, http.MethodPost, "/api/v1/workers/register", map[string]interface{}{
		"hostname": "h",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerClaimReturnsWrappedNullWhenQueueEmpty(t *testing.T) {
	_, mux, state := newTestHandler()
	require.NoError(t, state.RegisterWorker(corestate.RegisterWorkerParams{
		WorkerID: "w1", Hostname: "h", OS: "linux", CPUCount: 2, RAMTotalMb: 1024, RAMFreeMb: 1024,
	}))

	rec := doJSON(mux, http.MethodPost, "/api/v1/workers/w1/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Job *corestate.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Nil(t, out.Job)
}
