package agent

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// resourceSample is what the heartbeat loop reads off the monitor on every
// tick: the CPU usage delta and free/total RAM per spec.md §4.2.
type resourceSample struct {
	CPUUsage   float64
	RAMFreeMb  int
	RAMTotalMb int
}

// resourceMonitor samples host CPU/RAM on an interval, adapted from the
// teacher's monitor.go (dropping the job-count/heap-alloc bookkeeping that
// belonged to the in-process job queue, since job concurrency is now
// tracked by corestate.Worker.CurrentJobIDs on the coordinator side).
type resourceMonitor struct {
	mu       sync.RWMutex
	sample   resourceSample
	stopCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
}

func newResourceMonitor(interval time.Duration) *resourceMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &resourceMonitor{interval: interval, stopCh: make(chan struct{})}
}

func (m *resourceMonitor) Start(ctx context.Context) {
	m.collect()
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *resourceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *resourceMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *resourceMonitor) collect() {
	var s resourceSample

	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		s.CPUUsage = percents[0]
	} else if err != nil {
		logging.Log.WithError(err).Debug("agent: cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.RAMFreeMb = int(vm.Available / 1024 / 1024)
		s.RAMTotalMb = int(vm.Total / 1024 / 1024)
	} else {
		logging.Log.WithError(err).Debug("agent: memory sample failed")
	}

	m.mu.Lock()
	m.sample = s
	m.mu.Unlock()
}

func (m *resourceMonitor) Sample() resourceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample
}

// cpuCount reports the logical CPU count once at startup, used in
// RegisterWorker; it never changes for the lifetime of the process.
func cpuCount() int {
	return runtime.NumCPU()
}
