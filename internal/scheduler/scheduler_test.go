package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerAssignsQueuedJobOnEventSignal(t *testing.T) {
	state := corestate.New(nil, nil)
	require.NoError(t, state.RegisterWorker(corestate.RegisterWorkerParams{
		WorkerID:   "w1",
		Hostname:   "host-w1",
		OS:         "linux",
		CPUCount:   4,
		RAMTotalMb: 4096,
		RAMFreeMb:  4096,
	}))

	sched := New(state, Config{SweepPeriod: time.Hour, HeartbeatTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	jobID, err := state.SubmitJob(corestate.SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		job, err := state.GetJobStatus(jobID)
		return err == nil && job.Status == corestate.JobAssigned
	}, time.Second, 10*time.Millisecond, "submitting a job must signal an out-of-cycle sweep that assigns it")

	cancel()
	<-done
}

func TestSchedulerRunsOnTickerWithoutEvents(t *testing.T) {
	state := corestate.New(nil, nil)
	require.NoError(t, state.RegisterWorker(corestate.RegisterWorkerParams{
		WorkerID:   "w1",
		Hostname:   "host-w1",
		OS:         "linux",
		CPUCount:   4,
		RAMTotalMb: 4096,
		RAMFreeMb:  4096,
	}))
	// Drain the registration's event signal so only the ticker drives the sweep.
	select {
	case <-state.Events:
	default:
	}

	jobID, err := state.SubmitJob(corestate.SubmitJobParams{Command: "echo hi", ArchiveRef: "ref"})
	require.NoError(t, err)
	select {
	case <-state.Events:
	default:
	}

	sched := New(state, Config{SweepPeriod: 20 * time.Millisecond, HeartbeatTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		job, err := state.GetJobStatus(jobID)
		return err == nil && job.Status == corestate.JobAssigned
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
