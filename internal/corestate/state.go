package corestate

import (
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
)

// Persister is the write-through collaborator the State writes to after
// every mutation. It is deliberately narrow (upsert-only, no delete) because
// jobs and workers are never purged by the core, only marked terminal or
// OFFLINE. A concrete StateStore adapter lives in internal/statestore.
type Persister interface {
	UpsertJob(job *Job)
	UpsertWorker(w *Worker)
}

type noopPersister struct{}

func (noopPersister) UpsertJob(*Job)       {}
func (noopPersister) UpsertWorker(*Worker) {}

// State is the coordinator's single shared mutable object. Every exported
// method reads or mutates jobs and workers only while holding mu, and none
// of them blocks on network I/O while holding it. Persistence writes are dispatched to a buffered
// channel drained elsewhere, so the lock is never held across a write.
type State struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	workers   map[string]*Worker
	persist   Persister
	persistCh chan persistRecord

	// Events signals the scheduler to run an out-of-cycle sweep. Sends are
	// non-blocking: a full channel means a sweep is already pending.
	Events chan struct{}

	now func() time.Time
}

type persistRecord struct {
	job    *Job
	worker *Worker
}

// Job and Worker expose the record's payload to the persistence worker
// package, which cannot reach the unexported fields directly.
func (r persistRecord) Job() *Job       { return r.job }
func (r persistRecord) Worker() *Worker { return r.worker }

// New creates an empty State. persist may be nil (no write-through, tests
// only); clock may be nil (defaults to time.Now).
func New(persist Persister, clock func() time.Time) *State {
	if persist == nil {
		persist = noopPersister{}
	}
	if clock == nil {
		clock = time.Now
	}
	s := &State{
		jobs:      make(map[string]*Job),
		workers:   make(map[string]*Worker),
		persist:   persist,
		persistCh: make(chan persistRecord, 1024),
		Events:    make(chan struct{}, 1),
		now:       clock,
	}
	return s
}

// Drain exposes the persistence queue to internal/persistence.Worker, which
// ranges over it and writes each record through to a StateStore via
// Persister. Exposed here so tests can drive it synchronously too.
func (s *State) Drain() <-chan persistRecord {
	return s.persistCh
}

// Persist is the same write-through collaborator passed to New, exposed so
// internal/persistence.Worker can call it directly when draining records
// (the State itself never calls it inline, to keep mu uncontended by I/O).
func (s *State) Persist() Persister {
	return s.persist
}

func (s *State) queuePersist(job *Job, worker *Worker) {
	rec := persistRecord{}
	if job != nil {
		rec.job = job.Clone()
	}
	if worker != nil {
		rec.worker = worker.Clone()
	}
	select {
	case s.persistCh <- rec:
	default:
		logging.Log.Warn("persistence queue full, dropping snapshot (next mutation will resend current state)")
	}
}

func (s *State) signalEvent() {
	select {
	case s.Events <- struct{}{}:
	default:
	}
}

// LoadJob and LoadWorker insert a record from a StateStore snapshot at
// startup, bypassing the normal transition rules (used only by the
// coordinator's boot sequence after normalization).
func (s *State) LoadJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.JobID] = j
}

func (s *State) LoadWorker(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.WorkerID] = w
}

// ---- §4.5 Coordinator API Surface ----

type SubmitJobParams struct {
	Command       string
	ArchiveRef    string
	Filename      string
	RequiredCPU   int
	RequiredRAMMb int
	TimeoutMs     int64
	MaxRetries    int
}

func (s *State) SubmitJob(p SubmitJobParams) (string, error) {
	if p.Command == "" || p.ArchiveRef == "" {
		return "", invalidArgument("SubmitJob")
	}
	if p.RequiredCPU <= 0 {
		p.RequiredCPU = 1
	}
	if p.RequiredRAMMb <= 0 {
		p.RequiredRAMMb = 256
	}
	if p.TimeoutMs <= 0 {
		p.TimeoutMs = 300000
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 3
	}

	s.mu.Lock()
	now := s.now()
	job := &Job{
		JobID:         uuid.NewString(),
		Command:       p.Command,
		ArchiveRef:    p.ArchiveRef,
		Filename:      p.Filename,
		RequiredCPU:   p.RequiredCPU,
		RequiredRAMMb: p.RequiredRAMMb,
		TimeoutMs:     p.TimeoutMs,
		MaxRetries:    p.MaxRetries,
		Status:        JobQueued,
		Attempts:      0,
		CreatedAt:     now,
		QueuedAt:      now,
	}
	s.jobs[job.JobID] = job
	s.queuePersist(job, nil)
	s.mu.Unlock()

	s.signalEvent()
	return job.JobID, nil
}

func (s *State) CancelJob(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return notFound("CancelJob")
	}

	switch job.Status {
	case JobCompleted, JobFailed:
		s.mu.Unlock()
		return nil // terminal: idempotent no-op
	case JobQueued, JobAssigned:
		if job.Status == JobAssigned {
			s.releaseReservationLocked(job)
		}
		job.Status = JobFailed
		job.ErrorMessage = "cancelled by user"
		job.CompletedAt = s.now()
		s.queuePersist(job, nil)
		s.mu.Unlock()
		s.signalEvent()
		return nil
	case JobRunning:
		job.CancelRequested = true
		s.queuePersist(job, nil)
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return conflicting("CancelJob")
	}
}

func (s *State) GetJobStatus(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, notFound("GetJobStatus")
	}
	return job.Clone(), nil
}

// JobFilter narrows ListJobs; a zero-value filter matches everything.
type JobFilter struct {
	Status          JobStatus
	AssignedAgentID string
}

func (s *State) ListJobs(filter JobFilter) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.AssignedAgentID != "" && j.AssignedAgentID != filter.AssignedAgentID {
			continue
		}
		out = append(out, j.Clone())
	}
	return out
}

type RegisterWorkerParams struct {
	WorkerID   string
	Hostname   string
	OS         string
	CPUCount   int
	CPUUsage   float64
	RAMTotalMb int
	RAMFreeMb  int
	Version    string
}

func (s *State) RegisterWorker(p RegisterWorkerParams) error {
	if p.WorkerID == "" || p.CPUCount <= 0 {
		return invalidArgument("RegisterWorker")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	w, exists := s.workers[p.WorkerID]
	if !exists {
		w = &Worker{
			WorkerID:      p.WorkerID,
			CurrentJobIDs: make(map[string]struct{}),
			RegisteredAt:  now,
		}
		s.workers[p.WorkerID] = w
	}

	w.Hostname = p.Hostname
	w.OS = p.OS
	w.CPUCount = p.CPUCount
	w.CPUUsage = p.CPUUsage
	w.RAMTotalMb = p.RAMTotalMb
	w.RAMFreeMb = p.RAMFreeMb
	w.Version = p.Version
	w.LastHeartbeat = now
	if w.Status == WorkerOffline || w.Status == "" {
		w.Status = WorkerIdle
	}

	s.queuePersist(nil, w)
	s.signalEvent()
	return nil
}

type HeartbeatParams struct {
	WorkerID   string
	CPUUsage   float64
	RAMFreeMb  int
	RAMTotalMb int
	Status     WorkerStatus
}

func (s *State) Heartbeat(p HeartbeatParams) error {
	s.mu.Lock()
	w, ok := s.workers[p.WorkerID]
	if !ok {
		s.mu.Unlock()
		return notFound("Heartbeat")
	}

	now := s.now()
	w.CPUUsage = p.CPUUsage
	w.RAMFreeMb = p.RAMFreeMb
	if p.RAMTotalMb > 0 {
		w.RAMTotalMb = p.RAMTotalMb
	}
	w.LastHeartbeat = now

	if w.Status == WorkerOffline {
		if len(w.CurrentJobIDs) == 0 {
			w.Status = WorkerIdle
		} else {
			// Prior inconsistency: an OFFLINE worker should have had its jobs
			// reclaimed by Pass A. Clear and requeue defensively.
			for jobID := range w.CurrentJobIDs {
				if job, exists := s.jobs[jobID]; exists {
					s.requeueOrFailLocked(job, "worker rejoined with stale assignment")
				}
			}
			w.CurrentJobIDs = make(map[string]struct{})
			w.ReservedCPU = 0
			w.ReservedRAMMb = 0
			w.Status = WorkerIdle
		}
	} else if p.Status != "" {
		w.Status = p.Status
	}

	s.queuePersist(nil, w)
	s.mu.Unlock()
	s.signalEvent()
	return nil
}

// ClaimNext returns and transitions one ASSIGNED job owned by workerID to
// RUNNING. Callers (the agent's poll loop, or the push-channel send path)
// may call this repeatedly up to their own parallelism cap.
func (s *State) ClaimNext(workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[workerID]; !ok {
		return nil, notFound("ClaimNext")
	}

	for _, job := range s.jobs {
		if job.Status == JobAssigned && job.AssignedAgentID == workerID {
			job.Status = JobRunning
			job.StartedAt = s.now()
			s.queuePersist(job, nil)
			return job.Clone(), nil
		}
	}
	return nil, nil
}

func (s *State) AppendOutput(jobID, workerID, stream, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return notFound("AppendOutput")
	}
	if job.Status != JobRunning {
		return conflicting("AppendOutput")
	}
	if job.AssignedAgentID != workerID {
		return conflicting("AppendOutput")
	}

	switch stream {
	case "stdout":
		job.Stdout, job.StdoutTruncated = appendCapped(job.Stdout, chunk, job.StdoutTruncated)
	case "stderr":
		job.Stderr, job.StderrTruncated = appendCapped(job.Stderr, chunk, job.StderrTruncated)
	default:
		return invalidArgument("AppendOutput")
	}
	s.queuePersist(job, nil)
	return nil
}

func appendCapped(buf, chunk string, alreadyTruncated bool) (string, bool) {
	if alreadyTruncated {
		return buf, true
	}
	if len(buf)+len(chunk) <= MaxBufferBytes {
		return buf + chunk, false
	}
	room := MaxBufferBytes - len(buf)
	if room < 0 {
		room = 0
	}
	return buf + chunk[:room], true
}

func (s *State) CheckCancel(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, notFound("CheckCancel")
	}
	return job.CancelRequested, nil
}

func (s *State) SubmitResult(jobID, workerID, stdout, stderr string, exitCode int) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return notFound("SubmitResult")
	}
	if job.Status != JobRunning {
		s.mu.Unlock()
		return conflicting("SubmitResult")
	}
	if job.AssignedAgentID != workerID {
		s.mu.Unlock()
		return conflicting("SubmitResult")
	}

	// The result carries the worker's full output; only the part not already
	// streamed through AppendOutput is appended.
	if !job.StdoutTruncated {
		job.Stdout, job.StdoutTruncated = appendCapped(job.Stdout, strings.TrimPrefix(stdout, job.Stdout), false)
	}
	if !job.StderrTruncated {
		job.Stderr, job.StderrTruncated = appendCapped(job.Stderr, strings.TrimPrefix(stderr, job.Stderr), false)
	}
	job.ExitCode = exitCode
	job.HasExitCode = true
	job.Status = JobCompleted
	job.CompletedAt = s.now()

	if job.CancelRequested {
		job.Status = JobFailed
		job.ErrorMessage = "cancelled by user"
	}

	s.releaseReservationLocked(job)
	s.queuePersist(job, s.workers[workerID])
	s.mu.Unlock()
	s.signalEvent()
	return nil
}

func (s *State) ReportFailure(jobID, workerID, errMsg string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return notFound("ReportFailure")
	}
	if job.AssignedAgentID != workerID {
		s.mu.Unlock()
		return conflicting("ReportFailure")
	}

	s.releaseReservationLocked(job)
	job.ErrorMessage = errMsg
	s.requeueOrFailLocked(job, errMsg)

	if w, ok := s.workers[workerID]; ok {
		w.Status = WorkerUnhealthy
		w.CooldownUntil = s.now().Add(30 * time.Second)
		s.queuePersist(job, w)
	} else {
		s.queuePersist(job, nil)
	}
	s.mu.Unlock()
	s.signalEvent()
	return nil
}

// requeueOrFailLocked applies the retry rule: increment attempts, then fail
// the job iff attempts > maxRetries, else return it to QUEUED with
// assignment fields cleared. Caller holds mu.
func (s *State) requeueOrFailLocked(job *Job, reason string) {
	job.Attempts++
	if job.Attempts > job.MaxRetries {
		job.Status = JobFailed
		job.ErrorMessage = reason
		job.CompletedAt = s.now()
		return
	}
	job.Status = JobQueued
	job.AssignedAgentID = ""
	job.StartedAt = time.Time{}
	job.AssignedAt = time.Time{}
	job.QueuedAt = s.now()
}

// releaseReservationLocked removes job from its worker's CurrentJobIDs and
// decrements the reservation. Caller holds mu.
func (s *State) releaseReservationLocked(job *Job) {
	w, ok := s.workers[job.AssignedAgentID]
	if !ok {
		return
	}
	if _, present := w.CurrentJobIDs[job.JobID]; present {
		delete(w.CurrentJobIDs, job.JobID)
		w.ReservedCPU -= job.RequiredCPU
		w.ReservedRAMMb -= job.RequiredRAMMb
		if w.ReservedCPU < 0 {
			w.ReservedCPU = 0
		}
		if w.ReservedRAMMb < 0 {
			w.ReservedRAMMb = 0
		}
	}
	if len(w.CurrentJobIDs) == 0 && w.Status == WorkerBusy {
		w.Status = WorkerIdle
	}
}
