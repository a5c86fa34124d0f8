package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/internal/channel"
	"github.com/arashi-run/coordinator/internal/config"
	"github.com/arashi-run/coordinator/internal/coordinator"
	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/arashi-run/coordinator/internal/handlers"
	"github.com/arashi-run/coordinator/internal/metrics"
	"github.com/arashi-run/coordinator/internal/persistence"
	"github.com/arashi-run/coordinator/internal/scheduler"
	"github.com/arashi-run/coordinator/internal/statestore"
	"github.com/urfave/cli/v2"
)

// CoordinatorCommand runs the coordinator: the central process that holds
// corestate.State, drives the scheduler's sweep passes, and exposes the API
// surface over HTTP (REST poll + WebSocket push) for worker agents and
// clients.
var CoordinatorCommand = &cli.Command{
	Name:  "coordinator",
	Usage: "Run the job coordinator",
	Flags: append(flags, coordinatorFlags...),
	Action: func(ctx *cli.Context) error {
		return RunCoordinator(ctx)
	},
}

var flags = []cli.Flag{
	&cli.IntFlag{
		Name:        "port",
		Value:       8080,
		Usage:       "HTTP port the coordinator listens on",
		Destination: &config.Port,
		EnvVars:     []string{"PORT"},
	},
	&cli.StringFlag{
		Name:        "db-uri",
		Usage:       "Database URI for the postgres state store",
		Destination: &config.DbUri,
		EnvVars:     []string{"DB_URI"},
	},
}

var coordinatorFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    "sweep-period-ms",
		Value:   config.SchedulerSweepPeriodMs,
		Usage:   "Scheduler sweep period in milliseconds",
		EnvVars: []string{"SCHEDULER_SWEEP_PERIOD_MS"},
	},
	&cli.IntFlag{
		Name:    "heartbeat-timeout-ms",
		Value:   config.SchedulerHeartbeatTimeoutMs,
		Usage:   "Worker heartbeat timeout in milliseconds before it is marked OFFLINE",
		EnvVars: []string{"SCHEDULER_HEARTBEAT_TIMEOUT_MS"},
	},
	&cli.StringFlag{
		Name:    "state-store",
		Value:   config.StateStoreType,
		Usage:   "State persistence backend: memory or postgres",
		EnvVars: []string{"STATE_STORE_TYPE"},
	},
}

func RunCoordinator(ctx *cli.Context) error {
	sweepPeriod := time.Duration(ctx.Int("sweep-period-ms")) * time.Millisecond
	heartbeatTimeout := time.Duration(ctx.Int("heartbeat-timeout-ms")) * time.Millisecond
	stateStoreType := ctx.String("state-store")

	store, err := newStateStore(stateStoreType)
	if err != nil {
		return fmt.Errorf("coordinator: failed to initialize state store: %w", err)
	}
	persister := statestore.NewAdapter(store)

	state := corestate.New(persister, nil)
	if err := persister.Load(context.Background(), state); err != nil {
		logging.Log.WithError(err).Error("coordinator: failed to load persisted state, starting empty")
	}

	api := coordinator.New(state)
	sched := scheduler.New(state, scheduler.Config{
		SweepPeriod:      sweepPeriod,
		HeartbeatTimeout: heartbeatTimeout,
	})
	persistWorker := persistence.New(state)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(runCtx)
	go persistWorker.Run(runCtx)

	mux := http.NewServeMux()
	handlers.NewCoordinatorHandler(api).Register(mux)
	mux.Handle("/api/v1/ws", channel.NewPushServer(api))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf(":%d", config.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	serverErrCh := make(chan error, 1)
	go func() {
		logging.Log.WithField("addr", addr).Info("coordinator: listening")
		serverErrCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Log.WithField("signal", sig).Info("coordinator: shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func newStateStore(kind string) (statestore.StateStore, error) {
	switch kind {
	case "postgres":
		return statestore.NewPostgres(config.DbUri)
	case "memory", "":
		return statestore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state store type %q", kind)
	}
}
