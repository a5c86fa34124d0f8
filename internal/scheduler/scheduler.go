// Package scheduler drives the coordinator's periodic+event-driven control
// loop. The four passes themselves (health, timeouts, assignment,
// bookkeeping) live in corestate.State.Sweep, under its single mutex; this
// package is the thin ticker-plus-event-channel driver around it, grounded
// on cuemby-warren's pkg/scheduler.Scheduler 5-second-ticker loop shape.
package scheduler

import (
	"context"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/arashi-run/coordinator/internal/metrics"
)

// Config holds the scheduler's tunables (scheduler.sweepPeriodMs,
// scheduler.heartbeatTimeoutMs from spec.md §6).
type Config struct {
	SweepPeriod      time.Duration
	HeartbeatTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepPeriod:      5 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}
}

// Scheduler runs State.Sweep on a fixed period and additionally whenever
// State signals an event (job submitted, heartbeat received, result or
// failure reported).
type Scheduler struct {
	state *corestate.State
	cfg   Config
}

func New(state *corestate.State, cfg Config) *Scheduler {
	return &Scheduler{state: state, cfg: cfg}
}

// Run blocks until ctx is cancelled, running sweeps on the ticker and on
// every event signal.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepPeriod)
	defer ticker.Stop()

	logging.Log.WithField("sweep_period", s.cfg.SweepPeriod).Info("scheduler started")

	for {
		select {
		case <-ctx.Done():
			logging.Log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.runSweep()
		case <-s.state.Events:
			s.runSweep()
		}
	}
}

func (s *Scheduler) runSweep() {
	start := time.Now()
	stats := s.state.Sweep(corestate.SweepConfig{HeartbeatTimeout: s.cfg.HeartbeatTimeout})
	duration := time.Since(start)

	metrics.SchedulerSweepDuration.Observe(duration.Seconds())
	metrics.SchedulerAssignmentsTotal.Add(float64(stats.JobsAssigned))
	metrics.SchedulerWorkersOfflinedTotal.Add(float64(stats.WorkersMarkedOffline))
	metrics.SchedulerJobsTimedOutTotal.Add(float64(stats.JobsTimedOut))

	if stats.JobsAssigned > 0 || stats.WorkersMarkedOffline > 0 || stats.JobsTimedOut > 0 {
		logging.Log.WithField("assigned", stats.JobsAssigned).
			WithField("offlined", stats.WorkersMarkedOffline).
			WithField("timed_out", stats.JobsTimedOut).
			WithField("duration", duration).
			Info("scheduler sweep completed")
	}
}
