// Package stream relays job log lines from workers to subscribed clients
// over WebSocket connections.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// defaultBacklogLines bounds how many recent lines are replayed to a new
// subscriber per job when no cap is configured.
const defaultBacklogLines = 1000

// finishedGrace is how long a job's finished marker is kept so that late
// subscribers still get an immediate eof.
const finishedGrace = 1 * time.Hour

// LogLine is one line of job output.
type LogLine struct {
	JobID     string    `json:"job_id"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the envelope sent to subscribers.
type Message struct {
	Type string   `json:"type"` // "log", "eof"
	Line *LogLine `json:"line,omitempty"`
}

type clientConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Relay fans job log lines out to WebSocket subscribers. Lines arrive from
// workers via Publish; each job keeps a bounded backlog so late subscribers
// see recent output.
type Relay struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	backlogLines int

	mu          sync.RWMutex
	subscribers map[string]map[string]*clientConn // job_id -> conn_id -> conn
	backlog     map[string][]LogLine
	finished    map[string]time.Time // job_id -> when Finish was called
}

// New creates a Relay. backlogLines caps the per-job replay buffer; values
// <= 0 use the default.
func New(logger *slog.Logger, allowedOrigins []string, backlogLines int) *Relay {
	if backlogLines <= 0 {
		backlogLines = defaultBacklogLines
	}
	return &Relay{
		logger:       logger.With("component", "stream"),
		upgrader:     makeUpgrader(allowedOrigins),
		backlogLines: backlogLines,
		subscribers:  make(map[string]map[string]*clientConn),
		backlog:      make(map[string][]LogLine),
		finished:     make(map[string]time.Time),
	}
}

// Publish appends a line to the job's backlog and forwards it to all
// subscribers.
func (r *Relay) Publish(line LogLine) {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}

	r.mu.Lock()
	if _, done := r.finished[line.JobID]; done {
		r.mu.Unlock()
		return
	}
	buf := append(r.backlog[line.JobID], line)
	if len(buf) > r.backlogLines {
		buf = buf[len(buf)-r.backlogLines:]
	}
	r.backlog[line.JobID] = buf

	subs := r.subscribers[line.JobID]
	conns := make([]*clientConn, 0, len(subs))
	for _, cc := range subs {
		conns = append(conns, cc)
	}
	r.mu.Unlock()

	msg := Message{Type: "log", Line: &line}
	for _, cc := range conns {
		r.send(cc, msg)
	}
}

// Finish marks a job's stream complete: subscribers get an eof message and
// the backlog is dropped. The finished marker itself is kept for a grace
// period, then swept so the map does not grow with every job ever finished.
func (r *Relay) Finish(jobID string) {
	now := time.Now()
	r.mu.Lock()
	r.finished[jobID] = now
	delete(r.backlog, jobID)
	for id, at := range r.finished {
		if now.Sub(at) > finishedGrace {
			delete(r.finished, id)
		}
	}
	subs := r.subscribers[jobID]
	conns := make([]*clientConn, 0, len(subs))
	for _, cc := range subs {
		conns = append(conns, cc)
	}
	r.mu.Unlock()

	for _, cc := range conns {
		r.send(cc, Message{Type: "eof"})
	}
}

// HandleLogsWS upgrades the request and streams a job's log lines to the
// client until it disconnects. Authorization happens before this is called.
func (r *Relay) HandleLogsWS(w http.ResponseWriter, req *http.Request, jobID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("log websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	cc := &clientConn{id: connID, conn: conn}

	r.mu.Lock()
	replay := append([]LogLine(nil), r.backlog[jobID]...)
	_, done := r.finished[jobID]
	if !done {
		if r.subscribers[jobID] == nil {
			r.subscribers[jobID] = make(map[string]*clientConn)
		}
		r.subscribers[jobID][connID] = cc
	}
	r.mu.Unlock()

	r.logger.Info("log subscriber connected", "job_id", jobID, "conn_id", connID)

	for i := range replay {
		r.send(cc, Message{Type: "log", Line: &replay[i]})
	}
	if done {
		r.send(cc, Message{Type: "eof"})
		return
	}

	defer func() {
		r.mu.Lock()
		if subs, ok := r.subscribers[jobID]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.subscribers, jobID)
			}
		}
		r.mu.Unlock()
		r.logger.Info("log subscriber disconnected", "job_id", jobID, "conn_id", connID)
	}()

	// Drain the connection; subscribers don't send anything we act on.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) send(cc *clientConn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.conn.WriteMessage(websocket.TextMessage, data)
}
