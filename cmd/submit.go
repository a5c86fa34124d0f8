package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// SubmitCommand submits a job (a shell command plus a reference to an
// already-uploaded input archive) to a remote coordinator.
var SubmitCommand = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a job to a remote coordinator",
	ArgsUsage: "<command>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "api-url",
			Aliases: []string{"u"},
			Usage:   "Coordinator API URL (e.g., http://localhost:8080)",
			EnvVars: []string{"ARASHI_API_URL"},
		},
		&cli.StringFlag{
			Name:    "archive-ref",
			Aliases: []string{"a"},
			Usage:   "Reference (URL or object store key) to the input archive",
			EnvVars: []string{"ARASHI_ARCHIVE_REF"},
		},
		&cli.StringFlag{
			Name:  "filename",
			Usage: "Original filename of the archive, for worker-side extraction",
		},
		&cli.IntFlag{
			Name:  "cpu",
			Value: 1,
			Usage: "CPU cores required",
		},
		&cli.IntFlag{
			Name:  "ram-mb",
			Value: 512,
			Usage: "RAM in MB required",
		},
		&cli.Int64Flag{
			Name:  "timeout-ms",
			Value: 300000,
			Usage: "Job execution timeout in milliseconds",
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Value: 2,
			Usage: "Maximum retry attempts on worker failure",
		},
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait for job to complete and show final status",
		},
		&cli.IntFlag{
			Name:  "poll-interval",
			Value: 5,
			Usage: "Polling interval in seconds when using --wait",
		},
	},
	Action: submitAction,
}

type submitJobRequest struct {
	Command       string `json:"command"`
	ArchiveRef    string `json:"archiveRef"`
	Filename      string `json:"filename"`
	RequiredCPU   int    `json:"requiredCpu"`
	RequiredRAMMb int    `json:"requiredRamMb"`
	TimeoutMs     int64  `json:"timeoutMs"`
	MaxRetries    int    `json:"maxRetries"`
}

type jobStatusResponse struct {
	JobID        string `json:"JobID"`
	Status       string `json:"Status"`
	ExitCode     int    `json:"ExitCode"`
	HasExitCode  bool   `json:"HasExitCode"`
	ErrorMessage string `json:"ErrorMessage"`
}

func submitAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: arashi submit <command>")
	}

	apiURL := strings.TrimSuffix(ctx.String("api-url"), "/")
	if apiURL == "" {
		return fmt.Errorf("coordinator API URL is required (use --api-url or ARASHI_API_URL)")
	}
	archiveRef := ctx.String("archive-ref")
	if archiveRef == "" {
		return fmt.Errorf("--archive-ref is required")
	}

	req := submitJobRequest{
		Command:       strings.Join(ctx.Args().Slice(), " "),
		ArchiveRef:    archiveRef,
		Filename:      ctx.String("filename"),
		RequiredCPU:   ctx.Int("cpu"),
		RequiredRAMMb: ctx.Int("ram-mb"),
		TimeoutMs:     ctx.Int64("timeout-ms"),
		MaxRetries:    ctx.Int("max-retries"),
	}

	jobID, err := submitJobToAPI(apiURL, req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	fmt.Printf("Job submitted: %s\n", jobID)

	if !ctx.Bool("wait") {
		return nil
	}

	fmt.Fprintln(os.Stderr, "waiting for completion...")
	job, err := waitForJobCompletion(apiURL, jobID, ctx.Int("poll-interval"))
	if err != nil {
		return fmt.Errorf("failed while waiting for job: %w", err)
	}

	fmt.Printf("Status: %s\n", job.Status)
	if job.HasExitCode {
		fmt.Printf("Exit code: %d\n", job.ExitCode)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", job.ErrorMessage)
	}
	if job.Status != "COMPLETED" {
		return cli.Exit("", 1)
	}
	return nil
}

func submitJobToAPI(apiURL string, req submitJobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	resp, err := http.Post(apiURL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("coordinator responded %d: %s", resp.StatusCode, string(data))
	}

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func fetchJobStatus(apiURL, jobID string) (*jobStatusResponse, error) {
	resp, err := http.Get(apiURL + "/api/v1/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator responded %d: %s", resp.StatusCode, string(data))
	}

	var job jobStatusResponse
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func waitForJobCompletion(apiURL, jobID string, pollIntervalSeconds int) (*jobStatusResponse, error) {
	lastStatus := ""
	for {
		job, err := fetchJobStatus(apiURL, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status != lastStatus {
			fmt.Fprintf(os.Stderr, "  status: %s\n", job.Status)
			lastStatus = job.Status
		}
		switch job.Status {
		case "COMPLETED", "FAILED":
			return job, nil
		}
		time.Sleep(time.Duration(pollIntervalSeconds) * time.Second)
	}
}
