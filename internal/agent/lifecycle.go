package agent

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/internal/channel"
	"github.com/arashi-run/coordinator/internal/corestate"
)

// lifecycleManager handles signal-driven shutdown and active-job tracking,
// adapted from the teacher's LifecycleManager. RecoverJobs has no
// equivalent here: a crashed agent's in-flight jobs are reclaimed by the
// coordinator's Pass A heartbeat-timeout sweep, not by the agent itself.
type lifecycleManager struct {
	ch              channel.WorkerChannel
	workerID        string
	cleanupTimeout  time.Duration
	shutdownTimeout time.Duration
	activeJobs      map[string]*jobContext
	mu              sync.RWMutex
	shutdownCh      chan struct{}
	cleanupWg       sync.WaitGroup
}

type jobContext struct {
	Job       *corestate.Job
	StartTime time.Time
	WorkDir   string
	Cancel    context.CancelFunc
}

func newLifecycleManager(ch channel.WorkerChannel, workerID string) *lifecycleManager {
	return &lifecycleManager{
		ch:              ch,
		workerID:        workerID,
		cleanupTimeout:  30 * time.Second,
		shutdownTimeout: 60 * time.Second,
		activeJobs:      make(map[string]*jobContext),
		shutdownCh:      make(chan struct{}),
	}
}

func (lm *lifecycleManager) RegisterJob(job *corestate.Job, workDir string, cancel context.CancelFunc) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.activeJobs[job.JobID] = &jobContext{
		Job:       job,
		StartTime: time.Now(),
		WorkDir:   workDir,
		Cancel:    cancel,
	}

	logging.Log.WithField("job_id", job.JobID).
		WithField("active_jobs", len(lm.activeJobs)).
		Info("job registered with lifecycle manager")
}

func (lm *lifecycleManager) UnregisterJob(jobID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if jobCtx, exists := lm.activeJobs[jobID]; exists {
		if jobCtx.WorkDir != "" {
			lm.cleanupWorkDir(jobCtx.WorkDir)
		}
		delete(lm.activeJobs, jobID)
		logging.Log.WithField("job_id", jobID).
			WithField("active_jobs", len(lm.activeJobs)).
			Info("job unregistered from lifecycle manager")
	}
}

func (lm *lifecycleManager) GetActiveJobs() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	jobIDs := make([]string, 0, len(lm.activeJobs))
	for jobID := range lm.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs
}

// GracefulShutdown cancels every in-flight job, waits for them to unwind,
// and force-reports any still running once shutdownTimeout elapses.
func (lm *lifecycleManager) GracefulShutdown(ctx context.Context) {
	logging.Log.Info("agent: initiating graceful shutdown")
	close(lm.shutdownCh)

	shutdownCtx, cancel := context.WithTimeout(ctx, lm.shutdownTimeout)
	defer cancel()

	lm.cancelActiveJobs()

	done := make(chan struct{})
	go func() {
		lm.waitForActiveJobs()
		close(done)
	}()

	select {
	case <-done:
		logging.Log.Info("agent: all active jobs completed")
	case <-shutdownCtx.Done():
		logging.Log.Warn("agent: shutdown timeout reached, forcing termination")
		lm.forceCleanup()
	}

	cleanupDone := make(chan struct{})
	go func() {
		lm.cleanupWg.Wait()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
		logging.Log.Info("agent: cleanup completed")
	case <-time.After(lm.cleanupTimeout):
		logging.Log.Warn("agent: cleanup timeout reached")
	}

	logging.Log.Info("agent: graceful shutdown completed")
}

func (lm *lifecycleManager) cancelActiveJobs() {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	for jobID, jobCtx := range lm.activeJobs {
		logging.Log.WithField("job_id", jobID).Info("agent: cancelling active job")
		if jobCtx.Cancel != nil {
			jobCtx.Cancel()
		}
	}
}

func (lm *lifecycleManager) waitForActiveJobs() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		lm.mu.RLock()
		activeCount := len(lm.activeJobs)
		lm.mu.RUnlock()

		if activeCount == 0 {
			return
		}
		logging.Log.WithField("active_jobs", activeCount).Info("agent: waiting for active jobs to complete")
		<-ticker.C
	}
}

// forceCleanup reports every still-active job as failed so the coordinator
// doesn't have to wait a full heartbeat timeout to reclaim it.
func (lm *lifecycleManager) forceCleanup() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for jobID, jobCtx := range lm.activeJobs {
		logging.Log.WithField("job_id", jobID).Warn("agent: force cleaning up job")

		err := lm.ch.ReportFailure(channel.FailureMsg{
			JobID:        jobID,
			WorkerID:     lm.workerID,
			ErrorMessage: "agent terminated during shutdown",
		})
		if err != nil {
			logging.Log.WithField("job_id", jobID).WithError(err).Error("agent: failed to report failure during force cleanup")
		}

		if jobCtx.WorkDir != "" {
			lm.cleanupWorkDir(jobCtx.WorkDir)
		}
	}

	lm.activeJobs = make(map[string]*jobContext)
}

func (lm *lifecycleManager) cleanupWorkDir(workDir string) {
	lm.cleanupWg.Add(1)
	go func() {
		defer lm.cleanupWg.Done()
		if workDir == "" {
			return
		}
		logging.Log.WithField("work_dir", workDir).Debug("agent: cleaning up work directory")
		if err := os.RemoveAll(workDir); err != nil {
			logging.Log.WithField("work_dir", workDir).WithError(err).Warn("agent: failed to cleanup work directory")
		}
	}()
}

func (lm *lifecycleManager) IsShuttingDown() bool {
	select {
	case <-lm.shutdownCh:
		return true
	default:
		return false
	}
}

func (lm *lifecycleManager) SetupSignalHandlers(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logging.Log.WithField("signal", sig).Info("agent: received shutdown signal")
			lm.GracefulShutdown(ctx)
			cancel()
		case <-ctx.Done():
		}
	}()
}
