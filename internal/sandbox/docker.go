package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// maxAccumulatedBytes bounds what a single sub-command invocation buffers
// in memory in addition to streaming to onChunk; the job-level 10 MiB cap
// in corestate applies on top of this per-call cap.
const maxAccumulatedBytes = 10 * 1024 * 1024

// pidsLimitDefault matches spec's "process count capped (<=32)" isolation
// requirement.
const pidsLimitDefault = 32

// ImagePullTimeout bounds how long ensureImage waits for a cold image pull,
// separately from a sub-command's own execution deadline, so a slow
// registry fails the job with a distinct error instead of consuming the
// sub-command's run budget. Overridden from config.SandboxImagePullTimeoutMs.
var ImagePullTimeout = 10 * time.Minute

// DockerRunner implements Runner against a local Docker daemon, grounded on
// this repository's original JobRunner/DockerRunner shape but generalized
// to the hardened, per-sub-command contract: read-only rootfs, dropped
// capabilities, no-new-privileges, disabled networking, tmpfs /tmp and
// /run, and deadline/cancel-driven termination instead of a bare wait.
type DockerRunner struct {
	client *client.Client
}

func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	return &DockerRunner{client: cli}, nil
}

func NewDockerRunnerWithClient(cli *client.Client) *DockerRunner {
	return &DockerRunner{client: cli}
}

func (dr *DockerRunner) Run(p RunParams) (Result, error) {
	ctx := context.Background()
	logger := logging.Log.WithField("image", p.Image)

	if err := dr.ensureImage(ctx, p.Image); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}

	tmpfsSize := p.Limits.TmpfsMb
	if tmpfsSize <= 0 {
		tmpfsSize = 1024
	}
	tmpfsOpt := fmt.Sprintf("size=%dm", tmpfsSize)

	pidsLimit := int64(pidsLimitDefault)
	containerConfig := &container.Config{
		Image:        p.Image,
		Entrypoint:   []string{},
		Cmd:          []string{"sh", "-c", p.Command},
		WorkingDir:   "/job",
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	hostConfig := &container.HostConfig{
		Binds:          []string{fmt.Sprintf("%s:/job", p.WorkspaceDir)},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    "none",
		PidsLimit:      &pidsLimit,
		Resources: container.Resources{
			Memory: 0,
		},
		Tmpfs: map[string]string{
			"/tmp": tmpfsOpt,
			"/run": tmpfsOpt,
		},
		AutoRemove: false,
	}

	if p.Limits.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(p.Limits.CPULimit * 1e9)
	}
	if p.Limits.MemoryLimit != "" {
		if memBytes, err := parseMemoryString(p.Limits.MemoryLimit); err == nil {
			hostConfig.Memory = memBytes
			hostConfig.MemorySwap = memBytes // disable swap: swap == memory cap
		} else {
			logger.WithError(err).Warn("failed to parse memory limit, running unbounded")
		}
	}

	resp, err := dr.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	containerID := resp.ID
	defer dr.cleanup(containerID)

	if err := dr.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	logsDone := make(chan error, 1)
	go func() {
		logsDone <- dr.streamAndAccumulate(ctx, containerID, p.OnChunk, &stdoutBuf, &stderrBuf)
	}()

	statusCh, errCh := dr.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	result := Result{}
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-timer.C:
		dr.terminate(ctx, containerID)
		result.TimedOut = true
		result.ExitCode = 124
	case <-p.CancelCh:
		dr.terminate(ctx, containerID)
		result.Cancelled = true
		result.ExitCode = 130
	}

	<-logsDone
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	return result, nil
}

// terminate implements the ordered SIGTERM-then-SIGKILL shutdown: give the
// process a grace window, then force-kill before Cleanup removes it.
func (dr *DockerRunner) terminate(ctx context.Context, containerID string) {
	timeout := 5
	_ = dr.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (dr *DockerRunner) cleanup(containerID string) {
	ctx := context.Background()
	if err := dr.client.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true, Force: true}); err != nil {
		logging.Log.WithField("container_id", containerID).WithError(err).Warn("failed to remove container")
	}
}

func (dr *DockerRunner) streamAndAccumulate(ctx context.Context, containerID string, onChunk OnChunk, stdoutBuf, stderrBuf *bytes.Buffer) error {
	logs, err := dr.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	defer logs.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	demuxDone := make(chan error, 1)
	go func() {
		_, derr := stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.Close()
		stderrW.Close()
		demuxDone <- derr
	}()

	readDone := make(chan struct{}, 2)
	go capture(stdoutR, ChunkStdout, onChunk, stdoutBuf, readDone)
	go capture(stderrR, ChunkStderr, onChunk, stderrBuf, readDone)
	<-readDone
	<-readDone
	err = <-demuxDone
	if err == io.EOF {
		err = nil
	}
	return err
}

func capture(r io.Reader, kind ChunkType, onChunk OnChunk, buf *bytes.Buffer, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			if onChunk != nil {
				onChunk(kind, data)
			}
			if buf.Len() < maxAccumulatedBytes {
				room := maxAccumulatedBytes - buf.Len()
				if room > n {
					room = n
				}
				buf.Write(data[:room])
			}
		}
		if err != nil {
			return
		}
	}
}

func (dr *DockerRunner) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := dr.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, ImagePullTimeout)
	defer cancel()

	pullResp, err := dr.client.ImagePull(pullCtx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer pullResp.Close()
	_, err = io.Copy(io.Discard, pullResp)
	return err
}

// parseMemoryString parses memory strings like "512Mi", "1Gi", "512m", "1g".
func parseMemoryString(memStr string) (int64, error) {
	memStr = strings.TrimSpace(memStr)
	if memStr == "" {
		return 0, fmt.Errorf("empty memory string")
	}
	suffixes := map[string]int64{
		"Ki": 1024, "Mi": 1024 * 1024, "Gi": 1024 * 1024 * 1024, "Ti": 1024 * 1024 * 1024 * 1024,
		"K": 1000, "M": 1000 * 1000, "G": 1000 * 1000 * 1000, "T": 1000 * 1000 * 1000 * 1000,
		"k": 1000, "m": 1000 * 1000, "g": 1000 * 1000 * 1000,
	}
	for suffix, multiplier := range suffixes {
		if strings.HasSuffix(memStr, suffix) {
			num, err := strconv.ParseInt(strings.TrimSuffix(memStr, suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number in memory string: %w", err)
			}
			return num * multiplier, nil
		}
	}
	num, err := strconv.ParseInt(memStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory string format: %w", err)
	}
	return num, nil
}

var _ Runner = (*DockerRunner)(nil)
