// Package persistence runs the background drain loop that moves State's
// queued mutations out to a StateStore without ever blocking State's mutex
// on I/O, grounded on the teacher's internal/worker/log_shipper.go
// channel-plus-goroutine shipping shape.
package persistence

import (
	"context"

	"github.com/arashi-run/coordinator/internal/corestate"
)

// Worker drains corestate.State's persistence queue and writes each record
// through to the Persister supplied at State construction time.
type Worker struct {
	state *corestate.State
}

func New(state *corestate.State) *Worker {
	return &Worker{state: state}
}

// Run blocks until ctx is cancelled, writing through every queued job/worker
// snapshot as it arrives. Intended to run as a single long-lived goroutine
// started alongside the scheduler.
func (w *Worker) Run(ctx context.Context) {
	persist := w.state.Persist()
	ch := w.state.Drain()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if job := rec.Job(); job != nil {
				persist.UpsertJob(job)
			}
			if worker := rec.Worker(); worker != nil {
				persist.UpsertWorker(worker)
			}
		}
	}
}
