package corestate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func registerWorker(t *testing.T, s *State, id string, cpu, ramMb int) {
	t.Helper()
	err := s.RegisterWorker(RegisterWorkerParams{
		WorkerID:   id,
		Hostname:   "host-" + id,
		OS:         "linux",
		CPUCount:   cpu,
		RAMTotalMb: ramMb,
		RAMFreeMb:  ramMb,
	})
	require.NoError(t, err)
}

func TestSubmitJobDefaultsAndValidation(t *testing.T) {
	s := New(nil, nil)

	_, err := s.SubmitJob(SubmitJobParams{Command: "", ArchiveRef: "s3://x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "s3://bucket/archive.zip"})
	require.NoError(t, err)

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, 1, job.RequiredCPU)
	assert.Equal(t, 256, job.RequiredRAMMb)
	assert.EqualValues(t, 300000, job.TimeoutMs)
}

func TestGetJobStatusNotFound(t *testing.T) {
	s := New(nil, nil)
	_, err := s.GetJobStatus("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelQueuedJobIsImmediatelyFailedWithoutRetry(t *testing.T) {
	s := New(nil, nil)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(jobID))

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Zero(t, job.Attempts, "cancellation must not count as a retry attempt")
}

func TestCancelTerminalJobIsIdempotent(t *testing.T) {
	s := New(nil, nil)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(jobID))

	// Cancelling an already-FAILED job is a no-op, not an error.
	assert.NoError(t, s.CancelJob(jobID))
}

func TestCancelRunningJobSetsFlagWithoutTerminating(t *testing.T) {
	s := New(nil, nil)
	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)

	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(jobID))

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	assert.True(t, job.CancelRequested)

	cancelled, err := s.CheckCancel(jobID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestAssignmentPicksLowestScoreCandidate(t *testing.T) {
	s := New(nil, nil)
	// w1 is already half-loaded; w2 is idle and should win.
	registerWorker(t, s, "w1", 4, 4096)
	registerWorker(t, s, "w2", 4, 4096)
	require.NoError(t, s.Heartbeat(HeartbeatParams{WorkerID: "w1", CPUUsage: 80, RAMFreeMb: 4096, RAMTotalMb: 4096}))
	require.NoError(t, s.Heartbeat(HeartbeatParams{WorkerID: "w2", CPUUsage: 5, RAMFreeMb: 4096, RAMTotalMb: 4096}))

	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref", RequiredCPU: 1, RequiredRAMMb: 256})
	require.NoError(t, err)

	stats := s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	assert.Equal(t, 1, stats.JobsAssigned)

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobAssigned, job.Status)
	assert.Equal(t, "w2", job.AssignedAgentID)
}

func TestAssignmentSkipsOverloadedWorkers(t *testing.T) {
	s := New(nil, nil)
	registerWorker(t, s, "w1", 2, 512)
	require.NoError(t, s.Heartbeat(HeartbeatParams{WorkerID: "w1", CPUUsage: 95, RAMFreeMb: 512, RAMTotalMb: 512}))

	_, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref", RequiredCPU: 1, RequiredRAMMb: 128})
	require.NoError(t, err)

	stats := s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	assert.Zero(t, stats.JobsAssigned, "a worker above the CPU usage ceiling must never be assigned work")
}

func TestHeartbeatTimeoutReclaimsJobAndOffinesWorker(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := New(nil, func() time.Time { return now })

	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)

	s.Sweep(SweepConfig{HeartbeatTimeout: 30 * time.Second})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	now = base.Add(time.Minute)
	stats := s.Sweep(SweepConfig{HeartbeatTimeout: 30 * time.Second})
	assert.Equal(t, 1, stats.WorkersMarkedOffline)

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status, "job must be requeued once its worker goes OFFLINE")
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.AssignedAgentID)
}

func TestJobRunningPastDeadlineIsRequeuedByTimeoutPass(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := New(nil, func() time.Time { return now })

	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "sleep 10000", ArchiveRef: "ref", TimeoutMs: 1000})
	require.NoError(t, err)

	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	now = base.Add(5 * time.Second)
	stats := s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	assert.Equal(t, 1, stats.JobsTimedOut)

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRequeueOrFailRespectsMaxRetries(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := New(nil, func() time.Time { return now })
	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "boom", ArchiveRef: "ref", MaxRetries: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		// Each attempt starts after the previous failure's 30s cooldown.
		now = base.Add(time.Duration(i) * 31 * time.Second)
		s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
		_, err = s.ClaimNext("w1")
		require.NoError(t, err)
		require.NoError(t, s.ReportFailure(jobID, "w1", "boom failed"))
	}

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestAppendOutputRejectsWrongWorker(t *testing.T) {
	s := New(nil, nil)
	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	err = s.AppendOutput(jobID, "someone-else", "stdout", "oops")
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.ErrorIs(t, err, ErrConflictingState)

	require.NoError(t, s.AppendOutput(jobID, "w1", "stdout", "hello\n"))
	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", job.Stdout)
}

func TestAppendOutputTruncatesAtCap(t *testing.T) {
	s := New(nil, nil)
	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	big := make([]byte, MaxBufferBytes)
	require.NoError(t, s.AppendOutput(jobID, "w1", "stdout", string(big)))
	require.NoError(t, s.AppendOutput(jobID, "w1", "stdout", "overflow"))

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.True(t, job.StdoutTruncated)
	assert.Len(t, job.Stdout, MaxBufferBytes)
}

func TestSubmitResultCompletesJobAndFreesReservation(t *testing.T) {
	s := New(nil, nil)
	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref", RequiredCPU: 2, RequiredRAMMb: 512})
	require.NoError(t, err)
	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	require.NoError(t, s.SubmitResult(jobID, "w1", "out", "", 0))

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.True(t, job.HasExitCode)
	assert.Zero(t, job.ExitCode)

	// A fresh job with the same resource needs must still fit: the prior
	// reservation was released on completion.
	jobID2, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref", RequiredCPU: 4, RequiredRAMMb: 4096})
	require.NoError(t, err)
	stats := s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	assert.Equal(t, 1, stats.JobsAssigned)
	job2, err := s.GetJobStatus(jobID2)
	require.NoError(t, err)
	assert.Equal(t, "w1", job2.AssignedAgentID)
}

func TestSubmitResultHonorsPendingCancellation(t *testing.T) {
	s := New(nil, nil)
	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(jobID))
	require.NoError(t, s.SubmitResult(jobID, "w1", "out", "", 0))

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
}

func TestReportFailurePutsWorkerInCooldown(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := New(nil, func() time.Time { return now })

	registerWorker(t, s, "w1", 4, 4096)
	jobID, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	_, err = s.ClaimNext("w1")
	require.NoError(t, err)

	require.NoError(t, s.ReportFailure(jobID, "w1", "crashed"))

	// A second job must not land on the cooling-down worker.
	jobID2, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	stats := s.Sweep(SweepConfig{HeartbeatTimeout: time.Minute})
	assert.Zero(t, stats.JobsAssigned)

	job2, err := s.GetJobStatus(jobID2)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job2.Status)
}

func TestListJobsFilters(t *testing.T) {
	s := New(nil, nil)
	id1, err := s.SubmitJob(SubmitJobParams{Command: "a", ArchiveRef: "ref"})
	require.NoError(t, err)
	id2, err := s.SubmitJob(SubmitJobParams{Command: "b", ArchiveRef: "ref"})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(id2))

	queued := s.ListJobs(JobFilter{Status: JobQueued})
	require.Len(t, queued, 1)
	assert.Equal(t, id1, queued[0].JobID)

	failed := s.ListJobs(JobFilter{Status: JobFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, id2, failed[0].JobID)
}

func TestDrainDeliversPersistedSnapshots(t *testing.T) {
	s := New(nil, nil)
	_, err := s.SubmitJob(SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)

	select {
	case rec := <-s.Drain():
		require.NotNil(t, rec.Job())
		assert.Equal(t, JobQueued, rec.Job().Status)
	case <-time.After(time.Second):
		t.Fatal("expected a queued persist record for the new job")
	}
}
