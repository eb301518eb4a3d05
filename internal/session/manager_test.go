package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// analysisServer is a scripted stand-in for the analysis endpoint
type analysisServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	// closeCodes receives the close code the client sent, if any
	closeCodes chan int
}

func newAnalysisServer(t *testing.T, onMessage func(conn *websocket.Conn, msg map[string]interface{})) *analysisServer {
	t.Helper()
	srv := &analysisServer{
		conns:      make(chan *websocket.Conn, 4),
		closeCodes: make(chan int, 4),
	}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		srv.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					srv.closeCodes <- ce.Code
				}
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) == nil && onMessage != nil {
				onMessage(conn, msg)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *analysisServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitForStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s, currently %s", want, m.Status())
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		SessionID:            "sess-1",
		URL:                  url,
		KeepAliveInterval:    time.Hour, // Keep pings out of scripted exchanges
		MaxReconnectAttempts: 2,
		ReconnectBackoff:     10 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(m.Disconnect)
	return m
}

func TestManager_AppliesProgressUpdates(t *testing.T) {
	srv := newAnalysisServer(t, nil)
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	conn := <-srv.conns
	err := conn.WriteJSON(map[string]interface{}{
		"type":       "progress_update",
		"session_id": "sess-1",
		"step":       StageVision,
		"progress":   42.0,
		"status":     "processing",
		"data":       map[string]interface{}{"detail": "contours"},
	})
	if err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, ok := m.Snapshot()[StageVision]; ok {
			if p.Status != "processing" || p.Percent != 42.0 {
				t.Errorf("Expected processing at 42%%, got %+v", p)
			}
			if p.Payload["detail"] != "contours" {
				t.Errorf("Expected payload preserved, got %+v", p.Payload)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for progress update")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Snapshot is a copy; mutating it must not leak into the manager
	snap := m.Snapshot()
	snap[StageVision].Payload["detail"] = "mutated"
	if m.Snapshot()[StageVision].Payload["detail"] != "contours" {
		t.Error("Expected Snapshot to deep copy stage payloads")
	}
}

func TestManager_StoresUnknownStages(t *testing.T) {
	srv := newAnalysisServer(t, nil)
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	conn := <-srv.conns
	conn.WriteJSON(map[string]interface{}{
		"type":     "progress_update",
		"step":     "quality_check",
		"progress": 10.0,
		"status":   "pending",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Snapshot()["quality_check"]; ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected unknown stage stored in snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_MergesStatusReport(t *testing.T) {
	srv := newAnalysisServer(t, func(conn *websocket.Conn, msg map[string]interface{}) {
		if msg["type"] == CommandGetSessionStatus {
			conn.WriteJSON(map[string]interface{}{
				"type": "session_status",
				"data": map[string]interface{}{
					StageVision:        map[string]interface{}{"status": "completed", "progress": 100.0},
					StageTranscription: map[string]interface{}{"status": "processing", "progress": 55.0},
				},
			})
		}
	})
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	if err := m.RequestStatus(); err != nil {
		t.Fatalf("RequestStatus failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := m.Snapshot()
		if len(snap) == 2 {
			if snap[StageVision].Status != "completed" || snap[StageTranscription].Percent != 55.0 {
				t.Errorf("Expected merged status report, got %+v", snap)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status report, have %+v", m.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_ServerErrorDoesNotDisconnect(t *testing.T) {
	srv := newAnalysisServer(t, nil)
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	conn := <-srv.conns
	conn.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": "vision service unavailable",
	})

	deadline := time.Now().Add(2 * time.Second)
	for m.LastError() == "" {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for server error")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if m.LastError() != "vision service unavailable" {
		t.Errorf("Expected recorded error, got %q", m.LastError())
	}
	if m.Status() != StatusConnected {
		t.Errorf("Expected connection to survive a server error, got %s", m.Status())
	}
}

func TestManager_SendIncludesSessionEnvelope(t *testing.T) {
	received := make(chan map[string]interface{}, 4)
	srv := newAnalysisServer(t, func(conn *websocket.Conn, msg map[string]interface{}) {
		received <- msg
	})
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	if err := m.StartCompleteAnalysis(); err != nil {
		t.Fatalf("StartCompleteAnalysis failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg["type"] != CommandStartCompleteAnalysis {
			t.Errorf("Expected start_complete_analysis, got %v", msg["type"])
		}
		if msg["session_id"] != "sess-1" {
			t.Errorf("Expected session id in envelope, got %v", msg["session_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestManager_SendFailsWhileDisconnected(t *testing.T) {
	srv := newAnalysisServer(t, nil)
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	m.Disconnect()
	if err := m.StartTranscription(); err == nil {
		t.Error("Expected Send to fail after Disconnect")
	}
}

func TestManager_DisconnectIsIdempotentAndFinal(t *testing.T) {
	srv := newAnalysisServer(t, nil)
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)
	<-srv.conns

	m.Disconnect()
	m.Disconnect() // Second call is a no-op

	select {
	case code := <-srv.closeCodes:
		if code != websocket.CloseNormalClosure {
			t.Errorf("Expected normal closure, got code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close frame")
	}

	// No reconnect after an intentional disconnect
	time.Sleep(100 * time.Millisecond)
	select {
	case <-srv.conns:
		t.Error("Expected no reconnect after Disconnect")
	default:
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("Expected disconnected status, got %s", m.Status())
	}
}

func TestManager_KeepAlivePulse(t *testing.T) {
	pings := make(chan map[string]interface{}, 32)
	srv := newAnalysisServer(t, func(conn *websocket.Conn, msg map[string]interface{}) {
		if msg["type"] == "ping" {
			pings <- msg
			conn.WriteJSON(map[string]interface{}{"type": "pong"})
		}
	})

	m := NewManager(ManagerConfig{
		SessionID:         "sess-1",
		URL:               srv.wsURL(),
		KeepAliveInterval: 20 * time.Millisecond,
		ReconnectBackoff:  10 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(m.Disconnect)
	waitForStatus(t, m, StatusConnected)

	select {
	case msg := <-pings:
		if msg["session_id"] != "sess-1" {
			t.Errorf("Expected ping to carry the session envelope, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a keep-alive ping")
	}

	// The pulse stops with the connection
	m.Disconnect()
	time.Sleep(60 * time.Millisecond)
	for len(pings) > 0 {
		<-pings
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(pings); n != 0 {
		t.Errorf("Expected no pings after Disconnect, got %d", n)
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("Expected disconnected status, got %s", m.Status())
	}
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	srv := newAnalysisServer(t, nil)
	m := newTestManager(t, srv.wsURL())
	waitForStatus(t, m, StatusConnected)

	// Drop the connection server-side; the manager should dial again
	first := <-srv.conns
	first.Close()

	select {
	case <-srv.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a reconnect after server drop")
	}
	waitForStatus(t, m, StatusConnected)
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	// Dial a server that immediately goes away
	srv := newAnalysisServer(t, nil)
	url := srv.wsURL()
	srv.Close()

	m := newTestManager(t, url)
	waitForStatus(t, m, StatusDisconnected)

	if m.LastError() == "" {
		t.Error("Expected a recorded connection error")
	}
}

func TestAnalysisURL(t *testing.T) {
	got := AnalysisURL("ws://localhost:8000/", "abc-123", "tok en")
	want := "ws://localhost:8000/ws/analysis/abc-123?token=tok+en"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	got = AnalysisURL("ws://localhost:8000", "abc-123", "")
	want = "ws://localhost:8000/ws/analysis/abc-123"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
