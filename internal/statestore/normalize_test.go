package statestore

import (
	"testing"
	"time"

	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeJobMapsLegacyStatusAndWorkerField(t *testing.T) {
	raw := []byte(`{
		"jobId": "job-1",
		"command": "echo hi",
		"archiveRef": "ref",
		"status": "running",
		"workerId": "legacy-worker",
		"requiredRamMb": 512
	}`)

	job, err := normalizeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, corestate.JobRunning, job.Status)
	assert.Equal(t, "legacy-worker", job.AssignedAgentID)
	assert.Equal(t, 512, job.RequiredRAMMb)
	assert.Equal(t, 1, job.RequiredCPU)
	assert.EqualValues(t, 300000, job.TimeoutMs)
	assert.Equal(t, 3, job.MaxRetries)
}

func TestNormalizeJobConvertsByteDenominatedRAM(t *testing.T) {
	raw := []byte(`{"jobId": "job-2", "command": "echo", "archiveRef": "ref", "status": "queued", "requiredRamMb": 536870912}`)

	job, err := normalizeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, 512, job.RequiredRAMMb, "536870912 bytes == 512 MB")
}

func TestNormalizeJobPreservesExitCode(t *testing.T) {
	raw := []byte(`{"jobId": "job-3", "command": "echo", "archiveRef": "ref", "status": "completed", "exitCode": 0}`)

	job, err := normalizeJob(raw)
	require.NoError(t, err)
	assert.True(t, job.HasExitCode)
	assert.Zero(t, job.ExitCode)
}

func TestNormalizeJobRejectsMalformedDocument(t *testing.T) {
	_, err := normalizeJob([]byte(`not json`))
	assert.Error(t, err)
}

func TestNormalizeWorkerDefaultsMissingStatusToOffline(t *testing.T) {
	raw := []byte(`{"workerId": "w1", "hostname": "h", "os": "linux", "cpuCount": 4, "ramTotalMb": 4096, "ramFreeMb": 2048}`)

	w, err := normalizeWorker(raw)
	require.NoError(t, err)
	assert.Equal(t, corestate.WorkerOffline, w.Status)
	assert.Equal(t, 4096, w.RAMTotalMb)
}

func TestNormalizeWorkerConvertsByteDenominatedRAMFields(t *testing.T) {
	raw := []byte(`{"workerId": "w1", "hostname": "h", "os": "linux", "cpuCount": 4, "ramTotalMb": 4294967296, "ramFreeMb": 2147483648, "status": "IDLE"}`)

	w, err := normalizeWorker(raw)
	require.NoError(t, err)
	assert.Equal(t, 4096, w.RAMTotalMb)
	assert.Equal(t, 2048, w.RAMFreeMb)
}

func TestNormalizeWorkerBuildsJobIDSetFromLegacyList(t *testing.T) {
	raw := []byte(`{"workerId": "w1", "hostname": "h", "os": "linux", "cpuCount": 2, "ramTotalMb": 1024, "ramFreeMb": 512, "status": "BUSY", "currentJobIds": ["job-a", "job-b"]}`)

	w, err := normalizeWorker(raw)
	require.NoError(t, err)
	assert.Len(t, w.CurrentJobIDs, 2)
	_, hasA := w.CurrentJobIDs["job-a"]
	assert.True(t, hasA)
}

func TestNormalizeRAMValueOnlyConvertsImplausibleMB(t *testing.T) {
	assert.Equal(t, 512, normalizeRAMValue(512))
	assert.Equal(t, 512, normalizeRAMValue(512*1048576))
}

func TestAdapterLoadAppliesNormalizationThroughState(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Upsert(nil, CollectionJobs, "job-1", []byte(`{"jobId":"job-1","command":"echo","archiveRef":"ref","status":"pending"}`)))
	require.NoError(t, mem.Upsert(nil, CollectionWorkers, "w1", []byte(`{"workerId":"w1","hostname":"h","os":"linux","cpuCount":2,"ramTotalMb":1024,"ramFreeMb":1024,"status":"IDLE"}`)))

	adapter := NewAdapter(mem)
	state := corestate.New(adapter, nil)

	require.NoError(t, adapter.Load(nil, state))

	job, err := state.GetJobStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, corestate.JobQueued, job.Status)

	// The loaded worker must be usable by the scheduler: assigning a fresh
	// job to it proves LoadWorker actually registered it in state. The loaded
	// QUEUED job-1 fits as well, so the sweep assigns both.
	jobID2, err := state.SubmitJob(corestate.SubmitJobParams{Command: "echo", ArchiveRef: "ref"})
	require.NoError(t, err)
	stats := state.Sweep(corestate.SweepConfig{HeartbeatTimeout: time.Hour})
	assert.Equal(t, 2, stats.JobsAssigned)
	job2, err := state.GetJobStatus(jobID2)
	require.NoError(t, err)
	assert.Equal(t, "w1", job2.AssignedAgentID)
}
