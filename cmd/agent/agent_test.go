package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/session"
	"github.com/histolab/capture-agent/internal/workflow"
)

var commandUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// commandServer captures the command envelopes the agent sends over the
// progress connection
func commandServer(t *testing.T) (*httptest.Server, chan map[string]interface{}) {
	t.Helper()
	commands := make(chan map[string]interface{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := commandUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			commands <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return srv, commands
}

func newCommandAgent(t *testing.T) (*Agent, chan map[string]interface{}) {
	t.Helper()
	srv, commands := commandServer(t)

	manager := session.NewManager(session.ManagerConfig{
		SessionID: "sess-7",
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, zerolog.Nop())
	t.Cleanup(manager.Disconnect)

	deadline := time.Now().Add(2 * time.Second)
	for manager.Status() != session.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for connection, status %s", manager.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &Agent{
		orch:     workflow.NewOrchestrator(nil, 0.7, "S-1", zerolog.Nop()),
		progress: manager,
		logger:   zerolog.Nop(),
	}, commands
}

func TestHandleRemoteAnalysis(t *testing.T) {
	a, commands := newCommandAgent(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/analyze/remote",
		strings.NewReader(`{"scope":"vision"}`))
	a.handleRemoteAnalysis(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case msg := <-commands:
		if msg["type"] != session.CommandStartVisionAnalysis {
			t.Errorf("Expected %s command, got %+v", session.CommandStartVisionAnalysis, msg)
		}
		if msg["session_id"] != "sess-7" {
			t.Errorf("Expected session envelope, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the analysis command")
	}
}

func TestHandleRemoteAnalysis_DefaultsToComplete(t *testing.T) {
	a, commands := newCommandAgent(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/analyze/remote", strings.NewReader(`{}`))
	a.handleRemoteAnalysis(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case msg := <-commands:
		if msg["type"] != session.CommandStartCompleteAnalysis {
			t.Errorf("Expected %s command, got %+v", session.CommandStartCompleteAnalysis, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the analysis command")
	}
}

func TestHandleRemoteAnalysis_RejectsUnknownScope(t *testing.T) {
	a, _ := newCommandAgent(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/analyze/remote",
		strings.NewReader(`{"scope":"everything"}`))
	a.handleRemoteAnalysis(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown scope, got %d", rec.Code)
	}
}
