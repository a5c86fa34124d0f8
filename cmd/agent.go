package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/internal/agent"
	"github.com/arashi-run/coordinator/internal/channel"
	"github.com/arashi-run/coordinator/internal/config"
	"github.com/arashi-run/coordinator/internal/sandbox"
	"github.com/urfave/cli/v2"
)

// AgentCommand runs a Worker Agent: it registers with the coordinator,
// heartbeats, claims jobs, and executes each inside a sandbox.Runner.
var AgentCommand = &cli.Command{
	Name:  "agent",
	Usage: "Run a worker agent",
	Flags: agentFlags,
	Action: func(ctx *cli.Context) error {
		return RunAgent(ctx)
	},
}

var agentFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "worker-id",
		Value:   config.WorkerID,
		Usage:   "Unique worker identifier; generated if unset",
		EnvVars: []string{"WORKER_ID"},
	},
	&cli.StringFlag{
		Name:    "server-url",
		Value:   config.WorkerServerURL,
		Usage:   "Coordinator base URL",
		EnvVars: []string{"WORKER_SERVER_URL"},
	},
	&cli.StringFlag{
		Name:    "transport",
		Value:   config.WorkerTransport,
		Usage:   "Channel transport: poll or push",
		EnvVars: []string{"WORKER_TRANSPORT"},
	},
	&cli.StringFlag{
		Name:    "sandbox-runtime",
		Value:   config.SandboxRuntime,
		Usage:   "Sandbox backend: docker, containerd, kubernetes, or auto",
		EnvVars: []string{"SANDBOX_RUNTIME"},
	},
	&cli.IntFlag{
		Name:    "max-parallel-jobs",
		Value:   config.WorkerMaxParallelJobs,
		Usage:   "Maximum jobs this agent runs concurrently",
		EnvVars: []string{"WORKER_MAX_PARALLEL_JOBS"},
	},
}

func RunAgent(ctx *cli.Context) error {
	workerID := ctx.String("worker-id")
	serverURL := ctx.String("server-url")
	transport := ctx.String("transport")
	sandboxRuntime := ctx.String("sandbox-runtime")
	maxParallel := ctx.Int("max-parallel-jobs")

	sandbox.ImagePullTimeout = time.Duration(config.SandboxImagePullTimeoutMs) * time.Millisecond

	runner, err := sandbox.NewRunner(sandboxRuntime)
	if err != nil {
		return err
	}

	ch, err := dialChannel(transport, serverURL)
	if err != nil {
		return err
	}

	cfg := agent.DefaultConfig()
	cfg.WorkerID = workerID
	cfg.MaxParallelJobs = maxParallel
	cfg.HeartbeatInterval = time.Duration(config.WorkerHeartbeatIntervalMs) * time.Millisecond
	cfg.PollInterval = time.Duration(config.WorkerPollIntervalMs) * time.Millisecond
	cfg.WorkspaceBaseDir = config.WorkerWorkspaceBaseDir
	cfg.DefaultJobTimeout = time.Duration(config.SandboxTimeoutMs) * time.Millisecond
	cfg.DefaultMemoryLimitMb = config.SandboxMemoryLimitMb
	cfg.DefaultCPULimit = float64(config.SandboxCPULimit)
	cfg.TmpfsMb = config.SandboxTmpfsMb

	a := agent.New(cfg, ch, runner)

	logging.Log.WithField("transport", transport).WithField("server_url", serverURL).Info("agent: starting")
	return a.Start(context.Background())
}

func dialChannel(transport, serverURL string) (channel.WorkerChannel, error) {
	switch transport {
	case "push":
		// http://host:port -> ws://host:port/api/v1/ws (https -> wss).
		wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(serverURL, "/"), "http") + "/api/v1/ws"
		return channel.DialPush(wsURL)
	case "poll", "":
		return channel.NewPoller(serverURL), nil
	default:
		return nil, cli.Exit("unknown worker transport: "+transport, 1)
	}
}
