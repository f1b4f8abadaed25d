package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestRelay(t *testing.T) (*Relay, *httptest.Server) {
	t.Helper()
	relay := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job")
		relay.HandleLogsWS(w, r, jobID)
	}))
	t.Cleanup(srv.Close)
	return relay, srv
}

func dial(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?job=" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestPublishReachesSubscriber(t *testing.T) {
	relay, srv := newTestRelay(t)
	conn := dial(t, srv, "job-1")

	// Give the server a moment to register the subscriber.
	waitForSubscriber(t, relay, "job-1")

	relay.Publish(LogLine{JobID: "job-1", Stream: "stdout", Line: "building..."})

	msg := readMessage(t, conn)
	if msg.Type != "log" || msg.Line == nil || msg.Line.Line != "building..." {
		t.Fatalf("got %+v", msg)
	}
	if msg.Line.Stream != "stdout" {
		t.Errorf("stream = %q", msg.Line.Stream)
	}
}

func TestBacklogReplayedToLateSubscriber(t *testing.T) {
	relay, srv := newTestRelay(t)

	relay.Publish(LogLine{JobID: "job-2", Stream: "stdout", Line: "line one"})
	relay.Publish(LogLine{JobID: "job-2", Stream: "stderr", Line: "line two"})

	conn := dial(t, srv, "job-2")
	first := readMessage(t, conn)
	second := readMessage(t, conn)
	if first.Line.Line != "line one" || second.Line.Line != "line two" {
		t.Errorf("replay order wrong: %q, %q", first.Line.Line, second.Line.Line)
	}
}

func TestFinishSendsEOF(t *testing.T) {
	relay, srv := newTestRelay(t)
	conn := dial(t, srv, "job-3")
	waitForSubscriber(t, relay, "job-3")

	relay.Finish("job-3")

	msg := readMessage(t, conn)
	if msg.Type != "eof" {
		t.Fatalf("got %+v, want eof", msg)
	}

	// A subscriber arriving after the job finished gets eof immediately.
	late := dial(t, srv, "job-3")
	msg = readMessage(t, late)
	if msg.Type != "eof" {
		t.Fatalf("late subscriber got %+v, want eof", msg)
	}

	// Publishing after finish is a no-op.
	relay.Publish(LogLine{JobID: "job-3", Line: "stray"})
}

func TestJobsAreIsolated(t *testing.T) {
	relay, srv := newTestRelay(t)
	connA := dial(t, srv, "job-a")
	connB := dial(t, srv, "job-b")
	waitForSubscriber(t, relay, "job-a")
	waitForSubscriber(t, relay, "job-b")

	relay.Publish(LogLine{JobID: "job-a", Stream: "stdout", Line: "for A only"})

	msg := readMessage(t, connA)
	if msg.Line.Line != "for A only" {
		t.Fatalf("got %+v", msg)
	}

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("subscriber of job-b received job-a output")
	}
}

func TestBacklogHonorsConfiguredCap(t *testing.T) {
	relay := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 3)
	for i := 0; i < 5; i++ {
		relay.Publish(LogLine{JobID: "job-cap", Stream: "stdout", Line: fmt.Sprintf("line %d", i)})
	}

	relay.mu.RLock()
	buf := append([]LogLine(nil), relay.backlog["job-cap"]...)
	relay.mu.RUnlock()

	if len(buf) != 3 {
		t.Fatalf("backlog length = %d, want 3", len(buf))
	}
	if buf[0].Line != "line 2" || buf[2].Line != "line 4" {
		t.Errorf("kept wrong lines: %q .. %q", buf[0].Line, buf[2].Line)
	}
}

func TestStaleFinishedMarkersEvicted(t *testing.T) {
	relay := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 0)
	relay.Finish("job-old")

	relay.mu.Lock()
	relay.finished["job-old"] = time.Now().Add(-2 * finishedGrace)
	relay.mu.Unlock()

	relay.Finish("job-new")

	relay.mu.RLock()
	_, oldKept := relay.finished["job-old"]
	_, newKept := relay.finished["job-new"]
	relay.mu.RUnlock()

	if oldKept {
		t.Error("finished marker for old job survived the sweep")
	}
	if !newKept {
		t.Error("finished marker for just-finished job missing")
	}
}

func waitForSubscriber(t *testing.T, relay *Relay, jobID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		relay.mu.RLock()
		n := len(relay.subscribers[jobID])
		relay.mu.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no subscriber registered for %s", jobID)
}
