package channel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/arashi-run/coordinator/internal/coordinator"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PushServer is the coordinator-side counterpart to Push: it upgrades an
// HTTP connection to a WebSocket, dispatches every envelope it receives to
// a coordinator.API, and separately pushes job-assign envelopes the moment
// ClaimNext has something for the connection's worker.
type PushServer struct {
	api          coordinator.API
	pollInterval time.Duration
}

func NewPushServer(api coordinator.API) *PushServer {
	return &PushServer{api: api, pollInterval: 500 * time.Millisecond}
}

// ServeHTTP upgrades the connection and serves one worker's session until
// it disconnects. The worker identifies itself via its first "register"
// envelope; until then, ClaimNext pushes are not attempted.
func (s *PushServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("push server: upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu writeLock
	workerID := make(chan string, 1)
	done := make(chan struct{})

	go s.pushAssignments(conn, &writeMu, workerID, done)
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.dispatch(conn, &writeMu, env, workerID)
	}
}

// writeLock serializes concurrent writers (the read loop's replies and the
// assignment-push goroutine) onto one websocket connection.
type writeLock struct{ mu sync.Mutex }

func (s *PushServer) writeEnvelope(conn *websocket.Conn, lock *writeLock, env envelope) error {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *PushServer) dispatch(conn *websocket.Conn, lock *writeLock, env envelope, workerIDCh chan string) {
	reply := func(payload interface{}) {
		body, _ := json.Marshal(payload)
		_ = s.writeEnvelope(conn, lock, envelope{Type: env.Type, ReqID: env.ReqID, Payload: body})
	}

	switch env.Type {
	case "register":
		var msg RegisterMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if err := s.api.RegisterWorker(toRegisterParams(msg)); err != nil {
			logging.Log.WithError(err).Warn("push server: register failed")
			return
		}
		select {
		case workerIDCh <- msg.WorkerID:
		default:
		}
		reply(struct{}{})

	case "heartbeat":
		var msg HeartbeatMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		_ = s.api.Heartbeat(toHeartbeatParams(msg))
		reply(struct{}{})

	case "log-chunk":
		var msg LogChunk
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		_ = s.api.AppendOutput(msg.JobID, msg.WorkerID, msg.Stream, msg.Data)
		reply(struct{}{})

	case "check-cancel":
		var req struct {
			JobID string `json:"jobId"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		cancelled, _ := s.api.CheckCancel(req.JobID)
		reply(struct {
			CancelRequested bool `json:"cancelRequested"`
		}{cancelled})

	case "result":
		var msg ResultMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		_ = s.api.SubmitResult(msg.JobID, msg.WorkerID, msg.Stdout, msg.Stderr, msg.ExitCode)
		reply(struct{}{})

	case "failure":
		var msg FailureMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		_ = s.api.ReportFailure(msg.JobID, msg.WorkerID, msg.ErrorMessage)
		reply(struct{}{})
	}
}

// pushAssignments polls ClaimNext on the connection's worker once it has
// identified itself, forwarding anything found as an unsolicited
// "job-assign" envelope.
func (s *PushServer) pushAssignments(conn *websocket.Conn, lock *writeLock, workerIDCh chan string, done chan struct{}) {
	var workerID string
	select {
	case workerID = <-workerIDCh:
	case <-done:
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			job, err := s.api.ClaimNext(workerID)
			if err != nil || job == nil {
				continue
			}
			payload, _ := json.Marshal(JobAssign{
				JobID:          job.JobID,
				Command:        job.Command,
				ArchiveRef:     job.ArchiveRef,
				Filename:       job.Filename,
				RequiredCPU:    job.RequiredCPU,
				RequiredRAMMb:  job.RequiredRAMMb,
				TimeoutMs:      job.TimeoutMs,
				ContainerImage: job.ContainerImage,
				WorkDir:        job.WorkDir,
			})
			_ = s.writeEnvelope(conn, lock, envelope{Type: "job-assign", Payload: payload})
		}
	}
}
