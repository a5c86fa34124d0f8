package agent

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/arashi-run/coordinator/internal/channel"
	"github.com/arashi-run/coordinator/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory channel.WorkerChannel used to drive the
// agent's job loop without a real coordinator.
type fakeChannel struct {
	mu sync.Mutex

	registered   *channel.RegisterMsg
	heartbeats   []channel.HeartbeatMsg
	pendingJobs  []*channel.JobAssign
	claimed      []string
	chunks       []channel.LogChunk
	results      []channel.ResultMsg
	failures     []channel.FailureMsg
	cancelled    map[string]bool
	claimErr     error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{cancelled: make(map[string]bool)}
}

func (f *fakeChannel) Register(msg channel.RegisterMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = &msg
	return nil
}

func (f *fakeChannel) Heartbeat(msg channel.HeartbeatMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, msg)
	return nil
}

func (f *fakeChannel) ClaimNext(workerID string) (*channel.JobAssign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.pendingJobs) == 0 {
		return nil, nil
	}
	job := f.pendingJobs[0]
	f.pendingJobs = f.pendingJobs[1:]
	f.claimed = append(f.claimed, job.JobID)
	return job, nil
}

func (f *fakeChannel) AppendOutput(chunk channel.LogChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeChannel) CheckCancel(jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[jobID], nil
}

func (f *fakeChannel) SubmitResult(msg channel.ResultMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, msg)
	return nil
}

func (f *fakeChannel) ReportFailure(msg channel.FailureMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, msg)
	return nil
}

// fakeRunner is a sandbox.Runner stub that records the params it was given
// and returns a canned result, without touching a real container runtime.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []sandbox.RunParams
	result Result
	err    error
}

// Result is an alias for sandbox.Result; the chunk callback invocation is
// injected by fakeRunner.Run, not by this type.
type Result = sandbox.Result

func (r *fakeRunner) Run(p sandbox.RunParams) (sandbox.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, p)
	r.mu.Unlock()
	if p.OnChunk != nil {
		p.OnChunk(sandbox.ChunkStdout, []byte("hi\n"))
	}
	if r.err != nil {
		return sandbox.Result{}, r.err
	}
	return r.result, nil
}

func archiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("main.py")
	require.NoError(t, err)
	_, err = f.Write([]byte("print('hi')"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	data := buf.Bytes()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}))
}

func TestClaimAndRunSubmitsResultOnSuccess(t *testing.T) {
	srv := archiveServer(t)
	defer srv.Close()

	ch := newFakeChannel()
	ch.pendingJobs = []*channel.JobAssign{{
		JobID:         "job-1",
		Command:       "python main.py",
		ArchiveRef:    srv.URL,
		RequiredCPU:   1,
		RequiredRAMMb: 128,
		TimeoutMs:     5000,
	}}
	runner := &fakeRunner{result: sandbox.Result{Stdout: "hi\n", ExitCode: 0}}

	cfg := DefaultConfig()
	cfg.WorkerID = "agent-test"
	cfg.WorkspaceBaseDir = t.TempDir()
	a := New(cfg, ch, runner)

	a.claimAndRun(context.Background())

	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, ch.results, 1)
	assert.Equal(t, "job-1", ch.results[0].JobID)
	assert.Equal(t, "agent-test", ch.results[0].WorkerID)
	assert.Zero(t, ch.results[0].ExitCode)

	require.Len(t, ch.chunks, 1)
	assert.Equal(t, "job-1", ch.chunks[0].JobID)
	assert.Equal(t, "agent-test", ch.chunks[0].WorkerID)
}

func TestClaimAndRunReportsFailureOnWorkspaceError(t *testing.T) {
	ch := newFakeChannel()
	ch.pendingJobs = []*channel.JobAssign{{
		JobID:      "job-2",
		Command:    "echo hi",
		ArchiveRef: "http://127.0.0.1:0/does-not-exist",
	}}
	runner := &fakeRunner{}

	cfg := DefaultConfig()
	cfg.WorkerID = "agent-test"
	cfg.WorkspaceBaseDir = t.TempDir()
	a := New(cfg, ch, runner)

	a.claimAndRun(context.Background())

	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.failures) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "job-2", ch.failures[0].JobID)
}

func TestClaimAndRunNoopsWhenNoJobAvailable(t *testing.T) {
	ch := newFakeChannel()
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	cfg.WorkspaceBaseDir = t.TempDir()
	a := New(cfg, ch, runner)

	a.claimAndRun(context.Background())

	assert.Empty(t, ch.claimed)
	assert.Len(t, a.slot, 0)
}

func TestClaimAndRunRespectsConcurrencyLimit(t *testing.T) {
	ch := newFakeChannel()
	cfg := DefaultConfig()
	cfg.WorkerID = "agent-test"
	cfg.WorkspaceBaseDir = t.TempDir()
	cfg.MaxParallelJobs = 1
	a := New(cfg, ch, &fakeRunner{})

	a.slot <- struct{}{} // simulate one job already running
	a.claimAndRun(context.Background())

	assert.Empty(t, ch.claimed, "a full slot must block claiming a second job")
}

func TestSplitSubCommandsSplitsOnNewlinesAndSkipsBlankLines(t *testing.T) {
	cmds := splitSubCommands("pip install -r requirements.txt\n\npython main.py\n")
	assert.Equal(t, []string{"pip install -r requirements.txt", "python main.py"}, cmds)
}

func TestSplitSubCommandsFallsBackToWholeCommandWhenAllBlank(t *testing.T) {
	cmds := splitSubCommands("\n\n")
	assert.Equal(t, []string{"\n\n"}, cmds)
}

func TestRunJobInvokesRunnerOncePerSubCommandAndWiresLimits(t *testing.T) {
	srv := archiveServer(t)
	defer srv.Close()

	ch := newFakeChannel()
	ch.pendingJobs = []*channel.JobAssign{{
		JobID:         "job-multi",
		Command:       "step-one\nstep-two\nstep-three",
		ArchiveRef:    srv.URL,
		RequiredCPU:   2,
		RequiredRAMMb: 256,
		TimeoutMs:     5000,
	}}
	runner := &fakeRunner{result: sandbox.Result{Stdout: "hi\n", ExitCode: 0}}

	cfg := DefaultConfig()
	cfg.WorkerID = "agent-test"
	cfg.WorkspaceBaseDir = t.TempDir()
	a := New(cfg, ch, runner)

	a.claimAndRun(context.Background())

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.calls) == 3
	}, 2*time.Second, 10*time.Millisecond, "each newline-delimited sub-command must get its own sandbox invocation")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, "step-one", runner.calls[0].Command)
	assert.Equal(t, "step-two", runner.calls[1].Command)
	assert.Equal(t, "step-three", runner.calls[2].Command)
	for _, call := range runner.calls {
		assert.Equal(t, 2.0, call.Limits.CPULimit)
		assert.Equal(t, "256m", call.Limits.MemoryLimit)
		assert.False(t, call.Deadline.IsZero())
	}
}

func TestRunJobStopsSubCommandLoopOnTimeoutOrCancel(t *testing.T) {
	srv := archiveServer(t)
	defer srv.Close()

	ch := newFakeChannel()
	ch.pendingJobs = []*channel.JobAssign{{
		JobID:      "job-timeout",
		Command:    "step-one\nstep-two",
		ArchiveRef: srv.URL,
		TimeoutMs:  5000,
	}}
	runner := &fakeRunner{result: sandbox.Result{ExitCode: 124, TimedOut: true}}

	cfg := DefaultConfig()
	cfg.WorkerID = "agent-test"
	cfg.WorkspaceBaseDir = t.TempDir()
	a := New(cfg, ch, runner)

	a.claimAndRun(context.Background())

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.calls, 1, "a timed-out sub-command must not be followed by the next one")
}
