// Package agent implements the Worker Agent process: the long-lived
// process that registers with the coordinator, heartbeats, claims queued
// jobs, runs each inside a sandbox.Runner, and streams output back over a
// channel.WorkerChannel. Adapted from the teacher's internal/worker
// package, replacing its direct store.Store polling with the coordinator
// channel abstraction spec.md §4.2 requires.
package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/internal/channel"
	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/arashi-run/coordinator/internal/sandbox"
)

// jobRecord builds the minimal corestate.Job the lifecycle manager needs
// to track and, if forced to, report a failure for.
func jobRecord(job *channel.JobAssign) *corestate.Job {
	return &corestate.Job{JobID: job.JobID}
}

// Config holds the agent's tunables (worker.* options from spec.md §6).
type Config struct {
	WorkerID           string
	Hostname           string
	OS                 string
	Version            string
	WorkspaceBaseDir   string
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
	MaxParallelJobs    int
	DefaultJobTimeout  time.Duration
	MonitorSampleEvery time.Duration

	// Sandbox isolation defaults (sandbox.* options from spec.md §6), used
	// whenever a job doesn't carry its own resource requirement.
	DefaultMemoryLimitMb int
	DefaultCPULimit      float64
	TmpfsMb              int
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Hostname:             host,
		OS:                   "linux",
		Version:              "dev",
		WorkspaceBaseDir:     os.TempDir(),
		HeartbeatInterval:    10 * time.Second,
		PollInterval:         5 * time.Second,
		MaxParallelJobs:      4,
		DefaultJobTimeout:    5 * time.Minute,
		DefaultMemoryLimitMb: 512,
		DefaultCPULimit:      1,
		TmpfsMb:              256,
	}
}

// Agent drives one worker's lifetime: registration, heartbeats, job
// claiming, and sandboxed execution.
type Agent struct {
	cfg       Config
	ch        channel.WorkerChannel
	runner    sandbox.Runner
	lifecycle *lifecycleManager
	monitor   *resourceMonitor

	wg   sync.WaitGroup
	slot chan struct{}
}

func New(cfg Config, ch channel.WorkerChannel, runner sandbox.Runner) *Agent {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("agent-%d", time.Now().Unix())
	}
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 4
	}
	return &Agent{
		cfg:       cfg,
		ch:        ch,
		runner:    runner,
		lifecycle: newLifecycleManager(ch, cfg.WorkerID),
		monitor:   newResourceMonitor(cfg.MonitorSampleEvery),
		slot:      make(chan struct{}, cfg.MaxParallelJobs),
	}
}

// Start blocks until ctx is cancelled or a fatal registration error occurs.
func (a *Agent) Start(ctx context.Context) error {
	logging.Log.WithField("worker_id", a.cfg.WorkerID).Info("agent starting")

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.lifecycle.SetupSignalHandlers(agentCtx, cancel)

	if err := a.register(agentCtx); err != nil {
		return fmt.Errorf("agent: registration failed: %w", err)
	}

	a.monitor.Start(agentCtx)
	defer a.monitor.Stop()

	a.wg.Add(2)
	go a.heartbeatLoop(agentCtx)
	go a.pollLoop(agentCtx)

	a.wg.Wait()
	a.lifecycle.GracefulShutdown(agentCtx)

	logging.Log.WithField("worker_id", a.cfg.WorkerID).Info("agent stopped")
	return nil
}

// register retries registration with exponential backoff — the coordinator
// may not be reachable yet at agent startup (e.g. rolling deploys).
func (a *Agent) register(ctx context.Context) error {
	sample := a.monitor.Sample()
	msg := channel.RegisterMsg{
		WorkerID:   a.cfg.WorkerID,
		Hostname:   a.cfg.Hostname,
		OS:         a.cfg.OS,
		CPUCount:   cpuCount(),
		CPUUsage:   sample.CPUUsage,
		RAMTotalMb: sample.RAMTotalMb,
		RAMFreeMb:  sample.RAMFreeMb,
		Version:    a.cfg.Version,
	}

	return RetryWithBackoff(ctx, DefaultRetryConfig(), "register", func() error {
		if err := a.ch.Register(msg); err != nil {
			return &RetryableError{Err: err, Retryable: true, Reason: "registration failed"}
		}
		return nil
	})
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := a.monitor.Sample()
			msg := channel.HeartbeatMsg{
				WorkerID:   a.cfg.WorkerID,
				CPUUsage:   sample.CPUUsage,
				RAMFreeMb:  sample.RAMFreeMb,
				RAMTotalMb: sample.RAMTotalMb,
			}
			if err := a.ch.Heartbeat(msg); err != nil {
				logging.Log.WithError(err).Warn("agent: heartbeat failed")
			}
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.lifecycle.IsShuttingDown() {
				continue
			}
			a.claimAndRun(ctx)
		}
	}
}

// claimAndRun tries to acquire a job-execution slot before claiming, so the
// agent never pulls more work than it can run concurrently.
func (a *Agent) claimAndRun(ctx context.Context) {
	select {
	case a.slot <- struct{}{}:
	default:
		return
	}

	job, err := a.ch.ClaimNext(a.cfg.WorkerID)
	if err != nil {
		logging.Log.WithError(err).Warn("agent: claim failed")
		<-a.slot
		return
	}
	if job == nil {
		<-a.slot
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.slot }()
		a.runJob(ctx, job)
	}()
}

func (a *Agent) runJob(ctx context.Context, job *channel.JobAssign) {
	logger := logging.Log.WithField("job_id", job.JobID).WithField("worker_id", a.cfg.WorkerID)
	logger.Info("agent: starting job")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workDir, err := prepareWorkspace(a.cfg.WorkspaceBaseDir, job.JobID, job.ArchiveRef)
	if err != nil {
		logger.WithError(err).Error("agent: workspace preparation failed")
		a.reportFailure(job.JobID, err.Error())
		return
	}
	defer cleanupWorkspace(workDir)

	a.lifecycle.RegisterJob(jobRecord(job), workDir, cancel)
	defer a.lifecycle.UnregisterJob(job.JobID)

	timeout := time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = a.cfg.DefaultJobTimeout
	}

	image := job.ContainerImage
	if image == "" {
		image = sandbox.RuntimeSelector(job.Command)
	}

	cpuLimit := a.cfg.DefaultCPULimit
	if job.RequiredCPU > 0 {
		cpuLimit = float64(job.RequiredCPU)
	}
	memoryLimitMb := a.cfg.DefaultMemoryLimitMb
	if job.RequiredRAMMb > 0 {
		memoryLimitMb = job.RequiredRAMMb
	}
	limits := sandbox.Limits{
		CPULimit:    cpuLimit,
		MemoryLimit: fmt.Sprintf("%dm", memoryLimitMb),
		TmpfsMb:     a.cfg.TmpfsMb,
	}

	onChunk := func(kind sandbox.ChunkType, data []byte) {
		_ = a.ch.AppendOutput(channel.LogChunk{
			JobID:    job.JobID,
			WorkerID: a.cfg.WorkerID,
			Stream:   string(kind),
			Data:     string(data),
		})
	}

	cancelCh := make(chan struct{})
	go a.watchCancellation(jobCtx, job.JobID, cancelCh)

	// A job's command is a sequence of newline-delimited sub-commands, each
	// run in its own disposable sandbox invocation with its own full
	// deadline; execution continues past a non-zero sub-command, and the
	// last sub-command run supplies the job's final exit code.
	subCommands := splitSubCommands(job.Command)

	var stdout, stderr strings.Builder
	var result sandbox.Result
	for i, sub := range subCommands {
		result, err = a.runner.Run(sandbox.RunParams{
			Command:      sub,
			WorkspaceDir: workDir,
			Image:        image,
			Limits:       limits,
			Deadline:     time.Now().Add(timeout),
			CancelCh:     cancelCh,
			OnChunk:      onChunk,
		})
		if err != nil {
			logger.WithError(err).WithField("step", i).Error("agent: sandbox run failed")
			a.reportFailure(job.JobID, err.Error())
			return
		}
		stdout.WriteString(result.Stdout)
		stderr.WriteString(result.Stderr)
		if result.TimedOut || result.Cancelled {
			break
		}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	submitErr := a.ch.SubmitResult(channel.ResultMsg{
		JobID:    job.JobID,
		WorkerID: a.cfg.WorkerID,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	})
	if submitErr != nil {
		logger.WithError(submitErr).Error("agent: failed to submit result")
	}

	logger.WithField("exit_code", result.ExitCode).
		WithField("timed_out", result.TimedOut).
		WithField("cancelled", result.Cancelled).
		Info("agent: job finished")
}

// splitSubCommands implements the job command's sequencing policy: each
// newline-delimited line is run as its own sub-command, in its own sandbox
// invocation. Blank lines are skipped.
func splitSubCommands(command string) []string {
	lines := strings.Split(command, "\n")
	cmds := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			cmds = append(cmds, trimmed)
		}
	}
	if len(cmds) == 0 {
		cmds = append(cmds, command)
	}
	return cmds
}

func (a *Agent) reportFailure(jobID, msg string) {
	err := a.ch.ReportFailure(channel.FailureMsg{
		JobID:        jobID,
		WorkerID:     a.cfg.WorkerID,
		ErrorMessage: msg,
	})
	if err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Error("agent: failed to report failure")
	}
}

// watchCancellation polls CheckCancel and closes cancelCh the moment the
// coordinator marks the job cancelled, so the sandbox Runner can stop
// promptly instead of waiting out the full deadline.
func (a *Agent) watchCancellation(ctx context.Context, jobID string, cancelCh chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := a.ch.CheckCancel(jobID)
			if err != nil {
				continue
			}
			if cancelled {
				close(cancelCh)
				return
			}
		}
	}
}
