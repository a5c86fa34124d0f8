package statestore

import (
	"encoding/json"
	"time"

	"github.com/arashi-run/coordinator/internal/corestate"
)

// legacyStatusMap handles documents written by an earlier schema, per the
// legacy-data-normalization design note: lower-case status values instead
// of the current upper-case state names.
var legacyStatusMap = map[string]corestate.JobStatus{
	"pending":   corestate.JobQueued,
	"queued":    corestate.JobQueued,
	"assigned":  corestate.JobAssigned,
	"running":   corestate.JobRunning,
	"completed": corestate.JobCompleted,
	"failed":    corestate.JobFailed,
}

// plausibleMaxMb is the upper bound past which a RAM field is assumed to
// actually be bytes rather than megabytes, per the normalization rule.
const plausibleMaxMb = 1 << 20 // 1,048,576 MB == 1 TiB

// rawJobDoc mirrors the on-disk shape loosely: legacy documents may use
// workerId instead of assignedAgentId, and RAM fields in bytes instead of
// MB, so this is decoded permissively rather than directly into Job.
type rawJobDoc struct {
	JobID           string          `json:"jobId"`
	Command         string          `json:"command"`
	ArchiveRef      string          `json:"archiveRef"`
	Filename        string          `json:"filename"`
	RequiredCPU     int             `json:"requiredCpu"`
	RequiredRAMMb   json.Number     `json:"requiredRamMb"`
	TimeoutMs       int64           `json:"timeoutMs"`
	MaxRetries      int             `json:"maxRetries"`
	ContainerImage  string          `json:"containerImage"`
	WorkDir         string          `json:"workDir"`
	Status          string          `json:"status"`
	AssignedAgentID string          `json:"assignedAgentId"`
	WorkerID        string          `json:"workerId"` // legacy field name
	CancelRequested bool            `json:"cancelRequested"`
	Attempts        int             `json:"attempts"`
	Stdout          string          `json:"stdout"`
	Stderr          string          `json:"stderr"`
	StdoutTruncated bool            `json:"stdoutTruncated"`
	StderrTruncated bool            `json:"stderrTruncated"`
	ExitCode        *int            `json:"exitCode"`
	ErrorMessage    string          `json:"errorMessage"`
	CreatedAt       time.Time       `json:"createdAt"`
	QueuedAt        time.Time       `json:"queuedAt"`
	AssignedAt      time.Time       `json:"assignedAt"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     time.Time       `json:"completedAt"`
	_               json.RawMessage
}

func normalizeJob(raw json.RawMessage) (*corestate.Job, error) {
	var doc rawJobDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	status := corestate.JobStatus(doc.Status)
	if mapped, ok := legacyStatusMap[doc.Status]; ok {
		status = mapped
	}

	assignedAgentID := doc.AssignedAgentID
	if assignedAgentID == "" && doc.WorkerID != "" {
		assignedAgentID = doc.WorkerID
	}

	requiredRAMMb := 256
	if doc.RequiredRAMMb != "" {
		if f, err := doc.RequiredRAMMb.Float64(); err == nil {
			requiredRAMMb = normalizeRAMValue(f)
		}
	}

	job := &corestate.Job{
		JobID:           doc.JobID,
		Command:         doc.Command,
		ArchiveRef:      doc.ArchiveRef,
		Filename:        doc.Filename,
		RequiredCPU:     orDefaultInt(doc.RequiredCPU, 1),
		RequiredRAMMb:   requiredRAMMb,
		TimeoutMs:       orDefaultInt64(doc.TimeoutMs, 300000),
		MaxRetries:      orDefaultInt(doc.MaxRetries, 3),
		ContainerImage:  doc.ContainerImage,
		WorkDir:         doc.WorkDir,
		Status:          status,
		AssignedAgentID: assignedAgentID,
		CancelRequested: doc.CancelRequested,
		Attempts:        doc.Attempts,
		Stdout:          doc.Stdout,
		Stderr:          doc.Stderr,
		StdoutTruncated: doc.StdoutTruncated,
		StderrTruncated: doc.StderrTruncated,
		ErrorMessage:    doc.ErrorMessage,
		CreatedAt:       doc.CreatedAt,
		QueuedAt:        doc.QueuedAt,
		AssignedAt:      doc.AssignedAt,
		StartedAt:       doc.StartedAt,
		CompletedAt:     doc.CompletedAt,
	}
	if doc.ExitCode != nil {
		job.ExitCode = *doc.ExitCode
		job.HasExitCode = true
	}
	return job, nil
}

type rawWorkerDoc struct {
	WorkerID      string      `json:"workerId"`
	Hostname      string      `json:"hostname"`
	OS            string      `json:"os"`
	CPUCount      int         `json:"cpuCount"`
	CPUUsage      float64     `json:"cpuUsage"`
	RAMTotalMb    json.Number `json:"ramTotalMb"`
	RAMFreeMb     json.Number `json:"ramFreeMb"`
	Status        string      `json:"status"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	RegisteredAt  time.Time   `json:"registeredAt"`
	CurrentJobIDs []string    `json:"currentJobIds"`
	ReservedCPU   int         `json:"reservedCpu"`
	ReservedRAMMb json.Number `json:"reservedRamMb"`
	CooldownUntil time.Time   `json:"cooldownUntil"`
	HealthReason  string      `json:"healthReason"`
	Version       string      `json:"version"`
}

func normalizeWorker(raw json.RawMessage) (*corestate.Worker, error) {
	var doc rawWorkerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	jobIDs := make(map[string]struct{}, len(doc.CurrentJobIDs))
	for _, id := range doc.CurrentJobIDs {
		jobIDs[id] = struct{}{}
	}

	w := &corestate.Worker{
		WorkerID:      doc.WorkerID,
		Hostname:      doc.Hostname,
		OS:            doc.OS,
		CPUCount:      doc.CPUCount,
		CPUUsage:      doc.CPUUsage,
		RAMTotalMb:    normalizeRAMNumber(doc.RAMTotalMb, 0),
		RAMFreeMb:     normalizeRAMNumber(doc.RAMFreeMb, 0),
		Status:        corestate.WorkerStatus(doc.Status),
		LastHeartbeat: doc.LastHeartbeat,
		RegisteredAt:  doc.RegisteredAt,
		CurrentJobIDs: jobIDs,
		ReservedCPU:   doc.ReservedCPU,
		ReservedRAMMb: normalizeRAMNumber(doc.ReservedRAMMb, 0),
		CooldownUntil: doc.CooldownUntil,
		HealthReason:  doc.HealthReason,
		Version:       doc.Version,
	}
	if w.Status == "" {
		w.Status = corestate.WorkerOffline
	}
	return w, nil
}

// normalizeRAMValue converts a byte-denominated value to MB when it falls
// outside a plausible MB range, per the legacy-data-normalization design
// note (does not attempt to distinguish KB from bytes: the source schema
// only ever used bytes or MB).
func normalizeRAMValue(v float64) int {
	if v > plausibleMaxMb {
		v = v / 1048576
	}
	return int(v)
}

func normalizeRAMNumber(n json.Number, def int) int {
	if n == "" {
		return def
	}
	f, err := n.Float64()
	if err != nil {
		return def
	}
	return normalizeRAMValue(f)
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
