package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Poller implements WorkerChannel as REST polling against the coordinator's
// HTTP adapter. It is the default binding named in spec.md §4.2 (claim
// every 5s, cancel-check every 2s) — this type itself performs one request
// per call; the agent owns the polling intervals.
type Poller struct {
	BaseURL string
	Client  *http.Client
}

func NewPoller(baseURL string) *Poller {
	return &Poller{BaseURL: baseURL, Client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *Poller) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, p.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("coordinator responded %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *Poller) Register(msg RegisterMsg) error {
	return p.do(http.MethodPost, "/api/v1/workers/register", msg, nil)
}

func (p *Poller) Heartbeat(msg HeartbeatMsg) error {
	return p.do(http.MethodPost, "/api/v1/workers/heartbeat", msg, nil)
}

func (p *Poller) ClaimNext(workerID string) (*JobAssign, error) {
	var out struct {
		Job *JobAssign `json:"job"`
	}
	if err := p.do(http.MethodPost, "/api/v1/workers/"+workerID+"/claim", nil, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

func (p *Poller) AppendOutput(chunk LogChunk) error {
	return p.do(http.MethodPost, "/api/v1/jobs/"+chunk.JobID+"/logs", chunk, nil)
}

func (p *Poller) CheckCancel(jobID string) (bool, error) {
	var out struct {
		CancelRequested bool `json:"cancelRequested"`
	}
	if err := p.do(http.MethodGet, "/api/v1/jobs/"+jobID+"/cancel-check", nil, &out); err != nil {
		return false, err
	}
	return out.CancelRequested, nil
}

func (p *Poller) SubmitResult(msg ResultMsg) error {
	return p.do(http.MethodPost, "/api/v1/jobs/"+msg.JobID+"/result", msg, nil)
}

func (p *Poller) ReportFailure(msg FailureMsg) error {
	return p.do(http.MethodPost, "/api/v1/jobs/"+msg.JobID+"/failure", msg, nil)
}

var _ WorkerChannel = (*Poller)(nil)
