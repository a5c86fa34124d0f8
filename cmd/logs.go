package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

// LogsCommand fetches a job's accumulated stdout/stderr from a remote
// coordinator. Output streams are buffered on the Job record itself
// (corestate.MaxBufferBytes per stream), not shipped to a separate log
// store, so this is just a job-status fetch filtered to the output fields.
var LogsCommand = &cli.Command{
	Name:      "logs",
	Usage:     "Get accumulated stdout/stderr for a job from a remote coordinator",
	ArgsUsage: "<job-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "api-url",
			Aliases: []string{"u"},
			Usage:   "Coordinator API URL (e.g., http://localhost:8080)",
			EnvVars: []string{"ARASHI_API_URL"},
		},
		&cli.StringFlag{
			Name:    "stream",
			Aliases: []string{"s"},
			Value:   "combined",
			Usage:   "Log stream to retrieve: stdout, stderr, or combined (default)",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output file (default: stdout)",
		},
	},
	Action: logsAction,
}

type jobLogsResponse struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

func logsAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: arashi logs <job-id>")
	}

	jobID := ctx.Args().Get(0)
	apiURL := strings.TrimSuffix(ctx.String("api-url"), "/")
	if apiURL == "" {
		return fmt.Errorf("coordinator API URL is required (use --api-url or ARASHI_API_URL)")
	}
	stream := ctx.String("stream")
	if stream != "stdout" && stream != "stderr" && stream != "combined" {
		return fmt.Errorf("invalid stream value: %s (must be stdout, stderr, or combined)", stream)
	}

	job, err := fetchJobLogs(apiURL, jobID)
	if err != nil {
		return fmt.Errorf("failed to fetch logs: %w", err)
	}

	var out string
	switch stream {
	case "stdout":
		out = job.Stdout
	case "stderr":
		out = job.Stderr
	default:
		out = job.Stdout + job.Stderr
	}

	if outputFile := ctx.String("output"); outputFile != "" {
		if err := os.WriteFile(outputFile, []byte(out), 0644); err != nil {
			return fmt.Errorf("failed to write logs to file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "logs written to: %s\n", outputFile)
	} else {
		fmt.Print(out)
	}

	if job.StdoutTruncated || job.StderrTruncated {
		fmt.Fprintln(os.Stderr, "warning: output was truncated at the per-stream buffer cap")
	}
	return nil
}

func fetchJobLogs(apiURL, jobID string) (*jobLogsResponse, error) {
	resp, err := http.Get(apiURL + "/api/v1/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator responded %d: %s", resp.StatusCode, string(data))
	}

	var job jobLogsResponse
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
