package corestate

import (
	"sort"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// SweepConfig carries the tunable a sweep reads: the heartbeat timeout. The
// sweep period belongs to the scheduler's ticker, and the failure cooldown
// is the fixed 30s that ReportFailure sets.
type SweepConfig struct {
	HeartbeatTimeout time.Duration
}

// SweepStats reports what one sweep did, for metrics/logging.
type SweepStats struct {
	WorkersMarkedOffline int
	JobsTimedOut         int
	JobsAssigned         int
}

// Sweep runs passes A through D under a single critical section, exactly as
// the concurrency model requires: health, timeouts, assignment, bookkeeping.
func (s *State) Sweep(cfg SweepConfig) SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stats SweepStats

	// Pass A — health
	for _, w := range s.workers {
		if w.Status != WorkerOffline && !w.LastHeartbeat.IsZero() && now.Sub(w.LastHeartbeat) > cfg.HeartbeatTimeout {
			w.Status = WorkerOffline
			w.HealthReason = "heartbeat_timeout"
			for jobID := range w.JobIDsSnapshot() {
				if job, ok := s.jobs[jobID]; ok {
					s.releaseReservationLocked(job)
					s.requeueOrFailLocked(job, "worker offline: heartbeat_timeout")
					s.queuePersist(job, nil)
				}
			}
			w.CurrentJobIDs = make(map[string]struct{})
			w.ReservedCPU = 0
			w.ReservedRAMMb = 0
			s.queuePersist(nil, w)
			stats.WorkersMarkedOffline++
			logging.Log.WithField("worker_id", w.WorkerID).Warn("worker marked OFFLINE: heartbeat timeout")
		}
		if w.Status == WorkerUnhealthy && !w.InCooldown(now) {
			w.Status = WorkerIdle
			s.queuePersist(nil, w)
		}
	}

	// Pass B — timeouts
	for _, job := range s.jobs {
		if job.Status == JobRunning && !job.StartedAt.IsZero() {
			deadline := job.StartedAt.Add(time.Duration(job.TimeoutMs) * time.Millisecond)
			if now.After(deadline) {
				s.releaseReservationLocked(job)
				job.AssignedAgentID = ""
				s.requeueOrFailLocked(job, "timeout exceeded")
				s.queuePersist(job, nil)
				stats.JobsTimedOut++
			}
		}
	}

	// Pass C — assignment
	queued := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == JobQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].QueuedAt.Equal(queued[j].QueuedAt) {
			return queued[i].QueuedAt.Before(queued[j].QueuedAt)
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	for _, job := range queued {
		best := s.pickCandidateLocked(job, now)
		if best == nil {
			continue
		}
		job.Status = JobAssigned
		job.AssignedAgentID = best.WorkerID
		job.AssignedAt = now
		best.CurrentJobIDs[job.JobID] = struct{}{}
		best.ReservedCPU += job.RequiredCPU
		best.ReservedRAMMb += job.RequiredRAMMb
		if best.Status == WorkerIdle {
			best.Status = WorkerBusy
		}
		s.queuePersist(job, best)
		stats.JobsAssigned++
	}

	// Pass D — bookkeeping: nothing transient to clear in this
	// implementation beyond what's already flushed to the persist queue
	// above; kept as an explicit no-op pass to match the four-pass design.

	return stats
}

// JobIDsSnapshot returns a copy of the worker's in-flight job id set, safe
// to range over while the caller mutates the original map.
func (w *Worker) JobIDsSnapshot() map[string]struct{} {
	out := make(map[string]struct{}, len(w.CurrentJobIDs))
	for id := range w.CurrentJobIDs {
		out[id] = struct{}{}
	}
	return out
}

// pickCandidateLocked implements the candidate filter and resource-fit
// scoring formula of the Scheduler's Pass C. Caller holds mu.
func (s *State) pickCandidateLocked(job *Job, now time.Time) *Worker {
	var best *Worker
	bestScore := 0.0

	for _, w := range s.workers {
		if !isCandidate(w, job, now) {
			continue
		}
		score := resourceFitScore(w, job)
		if best == nil || score < bestScore ||
			(score == bestScore && w.RegisteredAt.Before(best.RegisteredAt)) {
			best = w
			bestScore = score
		}
	}
	return best
}

func isCandidate(w *Worker, job *Job, now time.Time) bool {
	if w.Status != WorkerIdle && w.Status != WorkerBusy {
		return false
	}
	if w.InCooldown(now) {
		return false
	}
	if w.CPUCount-w.ReservedCPU < job.RequiredCPU {
		return false
	}
	if w.RAMFreeMb-w.ReservedRAMMb < job.RequiredRAMMb {
		return false
	}
	if w.CPUUsage >= 90 {
		return false
	}
	return true
}

// resourceFitScore implements the scoring formula verbatim: lower is
// better. cpuCount is non-zero because RegisterWorker rejects cpuCount<=0;
// ramTotalMb is not checked at registration, so a zero or negative value is
// replaced by 1 here to avoid dividing by zero.
func resourceFitScore(w *Worker, job *Job) float64 {
	cpuTerm := 0.3 * (100 * float64(w.ReservedCPU+job.RequiredCPU) / float64(w.CPUCount))
	ramDenominator := w.RAMTotalMb
	if ramDenominator <= 0 {
		ramDenominator = 1
	}
	ramTerm := 0.1 * (100 * float64(w.ReservedRAMMb+job.RequiredRAMMb) / float64(ramDenominator))
	return 0.6*w.CPUUsage + cpuTerm + ramTerm
}
