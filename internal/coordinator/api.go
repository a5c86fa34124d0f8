// Package coordinator exposes the Coordinator API Surface described at
// contract level: thin operations over the State Model, with no transport
// framing or auth baked in (those are external collaborators).
package coordinator

import (
	"github.com/arashi-run/coordinator/internal/corestate"
)

// API is the contract-level surface named by the component design: every
// operation either reads a consistent snapshot or atomically mutates under
// the State Model's serialization point.
type API interface {
	SubmitJob(p corestate.SubmitJobParams) (string, error)
	CancelJob(jobID string) error
	GetJobStatus(jobID string) (*corestate.Job, error)
	ListJobs(filter corestate.JobFilter) []*corestate.Job

	RegisterWorker(p corestate.RegisterWorkerParams) error
	Heartbeat(p corestate.HeartbeatParams) error
	ClaimNext(workerID string) (*corestate.Job, error)
	AppendOutput(jobID, workerID, stream, chunk string) error
	CheckCancel(jobID string) (bool, error)
	SubmitResult(jobID, workerID, stdout, stderr string, exitCode int) error
	ReportFailure(jobID, workerID, errMsg string) error
}

// Coordinator is the concrete, in-process implementation of API, backed
// directly by a corestate.State. Any real deployment runs exactly one of
// these (single-coordinator assumption, spec.md §9).
type Coordinator struct {
	state *corestate.State
}

func New(state *corestate.State) *Coordinator {
	return &Coordinator{state: state}
}

func (c *Coordinator) SubmitJob(p corestate.SubmitJobParams) (string, error) {
	return c.state.SubmitJob(p)
}

func (c *Coordinator) CancelJob(jobID string) error {
	return c.state.CancelJob(jobID)
}

func (c *Coordinator) GetJobStatus(jobID string) (*corestate.Job, error) {
	return c.state.GetJobStatus(jobID)
}

func (c *Coordinator) ListJobs(filter corestate.JobFilter) []*corestate.Job {
	return c.state.ListJobs(filter)
}

func (c *Coordinator) RegisterWorker(p corestate.RegisterWorkerParams) error {
	return c.state.RegisterWorker(p)
}

func (c *Coordinator) Heartbeat(p corestate.HeartbeatParams) error {
	return c.state.Heartbeat(p)
}

func (c *Coordinator) ClaimNext(workerID string) (*corestate.Job, error) {
	return c.state.ClaimNext(workerID)
}

func (c *Coordinator) AppendOutput(jobID, workerID, stream, chunk string) error {
	return c.state.AppendOutput(jobID, workerID, stream, chunk)
}

func (c *Coordinator) CheckCancel(jobID string) (bool, error) {
	return c.state.CheckCancel(jobID)
}

func (c *Coordinator) SubmitResult(jobID, workerID, stdout, stderr string, exitCode int) error {
	return c.state.SubmitResult(jobID, workerID, stdout, stderr, exitCode)
}

func (c *Coordinator) ReportFailure(jobID, workerID, errMsg string) error {
	return c.state.ReportFailure(jobID, workerID, errMsg)
}

var _ API = (*Coordinator)(nil)
