package channel_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arashi-run/coordinator/internal/channel"
	"github.com/arashi-run/coordinator/internal/coordinator"
	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/arashi-run/coordinator/internal/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCoordinator wires a real corestate.State behind a real
// CoordinatorHandler, exactly as cmd/coordinator.go does, so the Poller's
// request shapes are checked against the actual server routes rather than
// a hand-rolled stub.
func newTestCoordinator(t *testing.T) (*httptest.Server, *corestate.State) {
	t.Helper()
	state := corestate.New(nil, nil)
	api := coordinator.New(state)
	mux := http.NewServeMux()
	handlers.NewCoordinatorHandler(api).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, state
}

func TestPollerFullWorkerRoundTrip(t *testing.T) {
	srv, state := newTestCoordinator(t)
	poller := channel.NewPoller(srv.URL)

	require.NoError(t, poller.Register(channel.RegisterMsg{
		WorkerID:   "w1",
		Hostname:   "host1",
		OS:         "linux",
		CPUCount:   4,
		RAMTotalMb: 4096,
		RAMFreeMb:  4096,
	}))

	require.NoError(t, poller.Heartbeat(channel.HeartbeatMsg{
		WorkerID:   "w1",
		CPUUsage:   10,
		RAMFreeMb:  4096,
		RAMTotalMb: 4096,
	}))

	jobID, err := state.SubmitJob(corestate.SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	state.Sweep(corestate.SweepConfig{HeartbeatTimeout: time.Minute})

	job, err := poller.ClaimNext("w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.JobID)

	require.NoError(t, poller.AppendOutput(channel.LogChunk{
		JobID: jobID, WorkerID: "w1", Stream: "stdout", Data: "hello\n",
	}))

	cancelled, err := poller.CheckCancel(jobID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, poller.SubmitResult(channel.ResultMsg{
		JobID: jobID, WorkerID: "w1", Stdout: "hello\n", ExitCode: 0,
	}))

	finalJob, err := state.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, corestate.JobCompleted, finalJob.Status)
	assert.Equal(t, "hello\n", finalJob.Stdout)
}

func TestPollerReportFailureRoundTrip(t *testing.T) {
	srv, state := newTestCoordinator(t)
	poller := channel.NewPoller(srv.URL)

	require.NoError(t, poller.Register(channel.RegisterMsg{
		WorkerID: "w1", Hostname: "h", OS: "linux", CPUCount: 2, RAMTotalMb: 1024, RAMFreeMb: 1024,
	}))

	jobID, err := state.SubmitJob(corestate.SubmitJobParams{Command: "boom", ArchiveRef: "ref", MaxRetries: 0})
	require.NoError(t, err)
	state.Sweep(corestate.SweepConfig{HeartbeatTimeout: time.Minute})

	job, err := poller.ClaimNext("w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, poller.ReportFailure(channel.FailureMsg{
		JobID: jobID, WorkerID: "w1", ErrorMessage: "it broke",
	}))

	finalJob, err := state.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, corestate.JobFailed, finalJob.Status)
	assert.Equal(t, "it broke", finalJob.ErrorMessage)
}

func TestPollerClaimNextReturnsNilWhenQueueEmpty(t *testing.T) {
	srv, _ := newTestCoordinator(t)
	poller := channel.NewPoller(srv.URL)

	require.NoError(t, poller.Register(channel.RegisterMsg{
		WorkerID: "w1", Hostname: "h", OS: "linux", CPUCount: 2, RAMTotalMb: 1024, RAMFreeMb: 1024,
	}))

	job, err := poller.ClaimNext("w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}
