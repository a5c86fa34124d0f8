package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gorilla/websocket"
)

// envelope frames every message with a type tag so one socket can carry all
// six wire messages plus their request/reply pairs.
type envelope struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"reqId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Push implements WorkerChannel over a persistent gorilla/websocket
// connection: job-assign arrives asynchronously as a server push instead of
// being polled, per the "push channel ... if push is not provided" design
// note in spec.md §6/§9.
type Push struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	pending   map[string]chan envelope
	pendingMu sync.Mutex
	assigns   chan *JobAssign
}

func DialPush(url string) (*Push, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("push channel dial: %w", err)
	}
	p := &Push{
		conn:    conn,
		pending: make(map[string]chan envelope),
		assigns: make(chan *JobAssign, 8),
	}
	go p.readLoop()
	return p, nil
}

func (p *Push) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			logging.Log.WithError(err).Warn("push channel read loop exiting")
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == "job-assign" {
			var assign JobAssign
			if err := json.Unmarshal(env.Payload, &assign); err == nil {
				p.assigns <- &assign
			}
			continue
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[env.ReqID]
		p.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (p *Push) call(msgType string, payload interface{}) (envelope, error) {
	reqID := fmt.Sprintf("%s-%d", msgType, time.Now().UnixNano())
	body, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	env := envelope{Type: msgType, ReqID: reqID, Payload: body}
	replyCh := make(chan envelope, 1)
	p.pendingMu.Lock()
	p.pending[reqID] = replyCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, reqID)
		p.pendingMu.Unlock()
	}()

	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, err
	}
	p.mu.Lock()
	err = p.conn.WriteMessage(websocket.TextMessage, data)
	p.mu.Unlock()
	if err != nil {
		return envelope{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(15 * time.Second):
		return envelope{}, fmt.Errorf("push channel: timed out waiting for %s reply", msgType)
	}
}

func (p *Push) Register(msg RegisterMsg) error {
	_, err := p.call("register", msg)
	return err
}

func (p *Push) Heartbeat(msg HeartbeatMsg) error {
	_, err := p.call("heartbeat", msg)
	return err
}

// ClaimNext drains one already-pushed assignment if present; the Worker
// Agent still calls this to honor its own parallelism cap even though
// assignments arrive unsolicited.
func (p *Push) ClaimNext(workerID string) (*JobAssign, error) {
	select {
	case assign := <-p.assigns:
		return assign, nil
	default:
		return nil, nil
	}
}

func (p *Push) AppendOutput(chunk LogChunk) error {
	_, err := p.call("log-chunk", chunk)
	return err
}

func (p *Push) CheckCancel(jobID string) (bool, error) {
	env, err := p.call("check-cancel", struct {
		JobID string `json:"jobId"`
	}{jobID})
	if err != nil {
		return false, err
	}
	var out struct {
		CancelRequested bool `json:"cancelRequested"`
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return false, err
	}
	return out.CancelRequested, nil
}

func (p *Push) SubmitResult(msg ResultMsg) error {
	_, err := p.call("result", msg)
	return err
}

func (p *Push) ReportFailure(msg FailureMsg) error {
	_, err := p.call("failure", msg)
	return err
}

func (p *Push) Close() error {
	return p.conn.Close()
}

var _ WorkerChannel = (*Push)(nil)
