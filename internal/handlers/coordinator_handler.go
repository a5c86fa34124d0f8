package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/arashi-run/coordinator/internal/corestate"
	"github.com/arashi-run/coordinator/internal/coordinator"
	"github.com/arashi-run/coordinator/internal/metrics"
)

// CoordinatorHandler adapts coordinator.API to net/http. This transport
// binding is explicitly out of scope for the core (spec.md §1 excludes
// HTTP/WebSocket framing from the platform's contract), but is included as
// one concrete, swappable surface — hand-routed on a plain http.ServeMux
// rather than via a router package.
type CoordinatorHandler struct {
	BaseHandler
	api coordinator.API
}

func NewCoordinatorHandler(api coordinator.API) *CoordinatorHandler {
	return &CoordinatorHandler{api: api}
}

// Register mounts every coordinator route onto mux.
func (h *CoordinatorHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/jobs", h.handleJobsCollection)
	mux.HandleFunc("/api/v1/jobs/", h.handleJobsItem)
	mux.HandleFunc("/api/v1/workers/register", h.handleRegisterWorker)
	mux.HandleFunc("/api/v1/workers/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/api/v1/workers/", h.handleWorkerClaim)
}

func (h *CoordinatorHandler) respondCoordinatorError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	errType := "internal_error"

	var opErr *corestate.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(err, corestate.ErrNotFound):
			code, errType = http.StatusNotFound, "not_found"
		case errors.Is(err, corestate.ErrInvalidArgument):
			code, errType = http.StatusBadRequest, "invalid_input"
		case errors.Is(err, corestate.ErrConflictingState):
			code, errType = http.StatusConflict, "conflicting_state"
		}
	}

	h.respondWithJSON(w, code, ErrorResponse{Error: errType, Message: err.Error()})
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

type submitJobResponse struct {
	JobID string `json:"jobId"`
}

func (h *CoordinatorHandler) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: "malformed JSON body"})
			return
		}
		jobID, err := h.api.SubmitJob(corestate.SubmitJobParams{
			Command:       req.Command,
			ArchiveRef:    req.ArchiveRef,
			Filename:      req.Filename,
			RequiredCPU:   req.RequiredCPU,
			RequiredRAMMb: req.RequiredRAMMb,
			TimeoutMs:     req.TimeoutMs,
			MaxRetries:    req.MaxRetries,
		})
		if err != nil {
			h.respondCoordinatorError(w, err)
			return
		}
		metrics.RecordJobSubmission("default", "api")
		h.respondWithJSON(w, http.StatusCreated, submitJobResponse{JobID: jobID})

	case http.MethodGet:
		filter := corestate.JobFilter{
			Status:          corestate.JobStatus(r.URL.Query().Get("status")),
			AssignedAgentID: r.URL.Query().Get("assignedAgentId"),
		}
		jobs := h.api.ListJobs(filter)
		h.respondWithJSON(w, http.StatusOK, jobs)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleJobsItem dispatches every /api/v1/jobs/{id}[/action] route: plain
// GET/cancel for clients, and logs/cancel-check/result/failure for the
// worker-facing Poller binding, which addresses all of these by jobID
// rather than workerID.
func (h *CoordinatorHandler) handleJobsItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	jobID := parts[0]

	if len(parts) == 1 && r.Method == http.MethodGet {
		job, err := h.api.GetJobStatus(jobID)
		if err != nil {
			h.respondCoordinatorError(w, err)
			return
		}
		h.respondWithJSON(w, http.StatusOK, job)
		return
	}

	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := h.api.CancelJob(jobID); err != nil {
			h.respondCoordinatorError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "logs":
		h.handleAppendOutput(w, r, jobID)

	case "cancel-check":
		h.handleCheckCancel(w, r, jobID)

	case "result":
		h.handleSubmitResult(w, r, jobID)

	case "failure":
		h.handleReportFailure(w, r, jobID)

	default:
		http.NotFound(w, r)
	}
}

func (h *CoordinatorHandler) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p corestate.RegisterWorkerParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: "malformed JSON body"})
		return
	}
	if err := h.api.RegisterWorker(p); err != nil {
		h.respondCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CoordinatorHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p corestate.HeartbeatParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: "malformed JSON body"})
		return
	}
	if err := h.api.Heartbeat(p); err != nil {
		h.respondCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkerClaim serves /api/v1/workers/{id}/claim; any other action
// under a worker ID is a 404. Job output, result and failure are routed by
// job ID through handleJobsItem.
func (h *CoordinatorHandler) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/workers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	workerID, action := parts[0], parts[1]

	switch action {
	case "claim":
		job, err := h.api.ClaimNext(workerID)
		if err != nil {
			h.respondCoordinatorError(w, err)
			return
		}
		h.respondWithJSON(w, http.StatusOK, struct {
			Job *corestate.Job `json:"job"`
		}{job})

	default:
		http.NotFound(w, r)
	}
}

// handleAppendOutput, handleCheckCancel, handleSubmitResult, and
// handleReportFailure implement the worker-facing, jobID-keyed routes
// dispatched from handleJobsItem, mirroring the wire messages in
// internal/channel.
type appendOutputRequest struct {
	WorkerID string `json:"workerId"`
	Stream   string `json:"stream"`
	Data     string `json:"data"`
}

func (h *CoordinatorHandler) handleAppendOutput(w http.ResponseWriter, r *http.Request, jobID string) {
	var req appendOutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_input"})
		return
	}
	if err := h.api.AppendOutput(jobID, req.WorkerID, req.Stream, req.Data); err != nil {
		h.respondCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CoordinatorHandler) handleCheckCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	cancelled, err := h.api.CheckCancel(jobID)
	if err != nil {
		h.respondCoordinatorError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, struct {
		CancelRequested bool `json:"cancelRequested"`
	}{cancelled})
}

type submitResultRequest struct {
	WorkerID string `json:"workerId"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func (h *CoordinatorHandler) handleSubmitResult(w http.ResponseWriter, r *http.Request, jobID string) {
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_input"})
		return
	}
	if err := h.api.SubmitResult(jobID, req.WorkerID, req.Stdout, req.Stderr, req.ExitCode); err != nil {
		h.respondCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reportFailureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
}

func (h *CoordinatorHandler) handleReportFailure(w http.ResponseWriter, r *http.Request, jobID string) {
	var req reportFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_input"})
		return
	}
	if err := h.api.ReportFailure(jobID, req.WorkerID, req.ErrorMessage); err != nil {
		h.respondCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
