package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
)

// containerdNamespace is the namespace used for sandboxed job containers.
const containerdNamespace = "reactorcide-sandbox"

// nerdctlBinary is the nerdctl CLI used to drive containerd. This mirrors
// the teacher's own ContainerdRunner, which shells out to nerdctl rather
// than linking containerd's Go client directly (the client package is not
// part of this module's dependency graph — see DESIGN.md).
const nerdctlBinary = "nerdctl"

// ContainerdRunner implements Runner by shelling out to nerdctl, letting
// containerd/CNI handle the low-level container lifecycle.
type ContainerdRunner struct{}

func NewContainerdRunner() (*ContainerdRunner, error) {
	if err := exec.Command(nerdctlBinary, "--namespace", containerdNamespace, "version").Run(); err != nil {
		return nil, fmt.Errorf("%w: nerdctl not available: %v", ErrSandboxUnavailable, err)
	}
	return &ContainerdRunner{}, nil
}

func (cr *ContainerdRunner) Run(p RunParams) (Result, error) {
	ctx, cancel := context.WithDeadline(context.Background(), p.Deadline)
	defer cancel()

	name := "reactorcide-" + uuid.NewString()
	tmpfsSize := p.Limits.TmpfsMb
	if tmpfsSize <= 0 {
		tmpfsSize = 1024
	}

	args := []string{
		"--namespace", containerdNamespace,
		"run", "--rm", "--name", name,
		"--read-only",
		"--cap-drop=ALL",
		"--security-opt", "no-new-privileges",
		"--network", "none",
		"--pids-limit", strconv.Itoa(pidsLimitDefault),
		"--tmpfs", fmt.Sprintf("/tmp:size=%dm", tmpfsSize),
		"--tmpfs", fmt.Sprintf("/run:size=%dm", tmpfsSize),
		"-v", fmt.Sprintf("%s:/job", p.WorkspaceDir),
		"-w", "/job",
	}
	if p.Limits.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", p.Limits.CPULimit))
	}
	if p.Limits.MemoryLimit != "" {
		args = append(args, "--memory", p.Limits.MemoryLimit)
	}
	args = append(args, p.Image, "sh", "-c", p.Command)

	cmd := exec.CommandContext(ctx, nerdctlBinary, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	readDone := make(chan struct{}, 2)
	go captureLines(stdoutR, ChunkStdout, p.OnChunk, &stdoutBuf, readDone)
	go captureLines(stderrR, ChunkStderr, p.OnChunk, &stderrBuf, readDone)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	result := Result{}
	select {
	case err := <-waitDone:
		stdoutW.Close()
		stderrW.Close()
		<-readDone
		<-readDone
		result.Stdout = stdoutBuf.String()
		result.Stderr = stderrBuf.String()
		if err == nil {
			result.ExitCode = 0
			return result, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	case <-p.CancelCh:
		cr.kill(name)
		<-waitDone
		stdoutW.Close()
		stderrW.Close()
		<-readDone
		<-readDone
		result.Cancelled = true
		result.ExitCode = 130
		result.Stdout = stdoutBuf.String()
		result.Stderr = stderrBuf.String()
		return result, nil
	case <-time.After(time.Until(p.Deadline)):
		cr.kill(name)
		<-waitDone
		stdoutW.Close()
		stderrW.Close()
		<-readDone
		<-readDone
		result.TimedOut = true
		result.ExitCode = 124
		result.Stdout = stdoutBuf.String()
		result.Stderr = stderrBuf.String()
		return result, nil
	}
}

func (cr *ContainerdRunner) kill(name string) {
	if err := exec.Command(nerdctlBinary, "--namespace", containerdNamespace, "stop", "-t", "5", name).Run(); err != nil {
		logging.Log.WithField("container", name).WithError(err).Warn("nerdctl stop failed, forcing removal")
		_ = exec.Command(nerdctlBinary, "--namespace", containerdNamespace, "rm", "-f", name).Run()
	}
}

func captureLines(r io.Reader, kind ChunkType, onChunk OnChunk, buf *bytes.Buffer, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if onChunk != nil {
			onChunk(kind, line)
		}
		if buf.Len() < maxAccumulatedBytes {
			buf.Write(line)
		}
	}
}

var _ Runner = (*ContainerdRunner)(nil)
