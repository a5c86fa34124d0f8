package config

import (
	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// DbUri is the database connection string
	DbUri string

	// Port is the HTTP server port
	Port int

	// CommitOnSuccess determines if transactions should be committed on successful responses (2xx status)
	// Default is true, but can be set to false for testing environments
	CommitOnSuccess = env.GetEnvAsBoolOrDefault("COMMIT_ON_SUCCESS", "true")

	// Corndogs integration
	CornDogsBaseURL = env.GetEnvOrDefault("CORNDOGS_BASE_URL", "http://corndogs:8080")
	CornDogsAPIKey  = env.GetEnvOrDefault("CORNDOGS_API_KEY", "")

	// Default queue settings
	DefaultQueueName = env.GetEnvOrDefault("DEFAULT_QUEUE_NAME", "reactorcide-jobs")
	DefaultTimeout   = env.GetEnvAsIntOrDefault("DEFAULT_TIMEOUT", "3600")

	// Default user for API token auth
	// NOTE: If DEFAULT_USER_ID is a valid UUID and doesn't exist in the DB,
	// we'll create a dummy user with an API token that can be retrieved from
	// the DB later. This is for convenience - proper user auth/management
	// will be implemented later.
	DefaultUserID = env.GetEnvOrDefault("DEFAULT_USER_ID", "") // UUID of default user

	// Object store configuration
	ObjectStoreType     = env.GetEnvOrDefault("OBJECT_STORE_TYPE", "filesystem") // s3, gcs, filesystem, memory
	ObjectStoreBucket   = env.GetEnvOrDefault("OBJECT_STORE_BUCKET", "reactorcide-objects")
	ObjectStoreBasePath = env.GetEnvOrDefault("OBJECT_STORE_BASE_PATH", "./objects") // for filesystem
	ObjectStorePrefix   = env.GetEnvOrDefault("OBJECT_STORE_PREFIX", "reactorcide/") // for s3/gcs

	// VCS Integration configuration
	VCSGitHubToken     = env.GetEnvOrDefault("VCS_GITHUB_TOKEN", "")
	VCSGitHubSecret    = env.GetEnvOrDefault("VCS_GITHUB_SECRET", "")
	VCSGitLabToken     = env.GetEnvOrDefault("VCS_GITLAB_TOKEN", "")
	VCSGitLabSecret    = env.GetEnvOrDefault("VCS_GITLAB_SECRET", "")
	VCSWebhookSecret   = env.GetEnvOrDefault("VCS_WEBHOOK_SECRET", "") // Shared secret for all providers
	VCSEnabled         = env.GetEnvAsBoolOrDefault("VCS_ENABLED", "false")
	VCSBaseURL         = env.GetEnvOrDefault("VCS_BASE_URL", "https://reactorcide.example.com") // Base URL for status links

	// Scheduler sweep tunables (coordinator side)
	SchedulerSweepPeriodMs       = env.GetEnvAsIntOrDefault("SCHEDULER_SWEEP_PERIOD_MS", "5000")
	SchedulerHeartbeatTimeoutMs  = env.GetEnvAsIntOrDefault("SCHEDULER_HEARTBEAT_TIMEOUT_MS", "30000")
	SchedulerCooldownMs          = env.GetEnvAsIntOrDefault("SCHEDULER_COOLDOWN_MS", "30000")
	SchedulerMaxCPUUsagePercent  = env.GetEnvAsIntOrDefault("SCHEDULER_MAX_CPU_USAGE_PERCENT", "90")

	// Job defaults. corestate.SubmitJob does not read these variables: it
	// applies its own fixed defaults (300000 ms timeout, 1 CPU, 256 MB RAM to
	// unset fields, and 3 retries only when MaxRetries is negative).
	JobDefaultTimeoutMs = env.GetEnvAsIntOrDefault("JOB_DEFAULT_TIMEOUT_MS", "300000")
	JobDefaultCPU       = env.GetEnvAsIntOrDefault("JOB_DEFAULT_CPU", "1")
	JobDefaultRAMMb     = env.GetEnvAsIntOrDefault("JOB_DEFAULT_RAM_MB", "256")
	JobDefaultMaxRetries = env.GetEnvAsIntOrDefault("JOB_DEFAULT_MAX_RETRIES", "3")

	// Worker Agent identity and polling tunables
	WorkerID                = env.GetEnvOrDefault("WORKER_ID", "")
	WorkerServerURL          = env.GetEnvOrDefault("WORKER_SERVER_URL", "http://localhost:8080")
	WorkerTransport          = env.GetEnvOrDefault("WORKER_TRANSPORT", "poll") // poll, push
	WorkerHeartbeatIntervalMs = env.GetEnvAsIntOrDefault("WORKER_HEARTBEAT_INTERVAL_MS", "10000")
	WorkerPollIntervalMs     = env.GetEnvAsIntOrDefault("WORKER_POLL_INTERVAL_MS", "5000")
	WorkerMaxParallelJobs    = env.GetEnvAsIntOrDefault("WORKER_MAX_PARALLEL_JOBS", "4")
	WorkerWorkspaceBaseDir   = env.GetEnvOrDefault("WORKER_WORKSPACE_BASE_DIR", "/tmp/arashi-workspaces")

	// Sandbox isolation tunables (worker side)
	SandboxEnabled           = env.GetEnvAsBoolOrDefault("SANDBOX_ENABLED", "true")
	SandboxRuntime           = env.GetEnvOrDefault("SANDBOX_RUNTIME", "docker") // docker, containerd, kubernetes
	SandboxDefaultImage      = env.GetEnvOrDefault("SANDBOX_DEFAULT_IMAGE", "alpine:3.19")
	SandboxTimeoutMs         = env.GetEnvAsIntOrDefault("SANDBOX_TIMEOUT_MS", "300000")
	SandboxMemoryLimitMb     = env.GetEnvAsIntOrDefault("SANDBOX_MEMORY_LIMIT_MB", "512")
	SandboxCPULimit          = env.GetEnvAsIntOrDefault("SANDBOX_CPU_LIMIT", "1")
	SandboxTmpfsMb           = env.GetEnvAsIntOrDefault("SANDBOX_TMPFS_MB", "256")
	SandboxMaxProcesses      = env.GetEnvAsIntOrDefault("SANDBOX_MAX_PROCESSES", "32")
	SandboxImagePullTimeoutMs = env.GetEnvAsIntOrDefault("SANDBOX_IMAGE_PULL_TIMEOUT_MS", "600000")

	// Rate limiting (per-client token bucket, ambient concern retained even
	// though spec.md's Non-goals exclude rate limiting as a product feature)
	RateLimitPerSecond = env.GetEnvAsIntOrDefault("RATE_LIMIT_PER_SECOND", "20")
	RateLimitBurst     = env.GetEnvAsIntOrDefault("RATE_LIMIT_BURST", "40")

	// StateStoreType selects the corestate.Persister backend: "memory" or
	// "postgres". Memory is the default so the coordinator runs standalone
	// without a database for local development and tests.
	StateStoreType = env.GetEnvOrDefault("STATE_STORE_TYPE", "memory")
)
