package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uesteibar/ralphd/internal/daemon"
	"github.com/uesteibar/ralphd/internal/server"
	"github.com/uesteibar/ralphd/internal/store"
)

func newTestServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()
	srv, err := server.New("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("starting server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewWSMessage_MarshalsPayload(t *testing.T) {
	payload := map[string]string{"repo": "octo/widgets", "status": "queued"}
	msg, err := server.NewWSMessage(server.MsgTaskTransition, payload)
	if err != nil {
		t.Fatalf("NewWSMessage error: %v", err)
	}

	if msg.Type != server.MsgTaskTransition {
		t.Fatalf("expected type %q, got %q", server.MsgTaskTransition, msg.Type)
	}
	if msg.Timestamp == "" {
		t.Fatal("expected non-empty timestamp")
	}

	var decoded map[string]string
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if decoded["repo"] != "octo/widgets" {
		t.Fatalf("expected payload repo 'octo/widgets', got %q", decoded["repo"])
	}
}

func TestNewWSMessage_InvalidPayload_ReturnsError(t *testing.T) {
	_, err := server.NewWSMessage("test", make(chan int))
	if err == nil {
		t.Fatal("expected error for non-marshalable payload")
	}
}

func TestHub_Broadcast_DeliversToClient(t *testing.T) {
	hub := server.NewHub(nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	time.Sleep(50 * time.Millisecond)

	hub.Publish(server.MsgCheckpoint, map[string]string{"checkpoint": "after-plan"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var received server.WSMessage
	if err := json.Unmarshal(raw, &received); err != nil {
		t.Fatalf("failed to unmarshal received message: %v", err)
	}
	if received.Type != server.MsgCheckpoint {
		t.Fatalf("expected type %q, got %q", server.MsgCheckpoint, received.Type)
	}
}

func TestHub_ClientDisconnect_Unregisters(t *testing.T) {
	hub := server.NewHub(nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial ws: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after disconnect, got %d", hub.ClientCount())
	}
}

func TestHub_Broadcast_NoClients_NoPanic(t *testing.T) {
	hub := server.NewHub(nil)
	hub.Publish(server.MsgReconcilePass, map[string]int{"updated": 3})
}

func TestServer_Status(t *testing.T) {
	srv := newTestServer(t, server.Config{
		DaemonID:  "d-1",
		StartedAt: time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC),
		Tasks: func() ([]store.Task, error) {
			return []store.Task{
				{Repo: "octo/widgets", IssueNumber: 1, Status: "queued"},
				{Repo: "octo/widgets", IssueNumber: 2, Status: "queued"},
				{Repo: "octo/widgets", IssueNumber: 3, Status: "in-progress"},
			}, nil
		},
		Control: func() (daemon.Control, error) {
			return daemon.Control{Mode: daemon.ModeDraining}, nil
		},
	})

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	var st server.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if st.SchemaVersion != 1 || st.DaemonID != "d-1" {
		t.Errorf("status = %+v", st)
	}
	if st.Mode != daemon.ModeDraining {
		t.Errorf("mode = %q, want draining", st.Mode)
	}
	if st.Tasks["queued"] != 2 || st.Tasks["in-progress"] != 1 {
		t.Errorf("task counts = %v", st.Tasks)
	}
}

func TestServer_WSEndpoint_WithHub(t *testing.T) {
	hub := server.NewHub(nil)
	srv := newTestServer(t, server.Config{Hub: hub})

	wsURL := "ws://" + srv.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect to /ws: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Publish(server.MsgRunCompleted, map[string]string{"run_id": "run-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read from /ws: %v", err)
	}
	var received server.WSMessage
	if err := json.Unmarshal(raw, &received); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if received.Type != server.MsgRunCompleted {
		t.Fatalf("expected type %q, got %q", server.MsgRunCompleted, received.Type)
	}
}

func TestServer_WSEndpoint_WithoutHub_Returns404(t *testing.T) {
	srv := newTestServer(t, server.Config{})

	resp, err := http.Get("http://" + srv.Addr() + "/ws")
	if err != nil {
		t.Fatalf("GET /ws failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when hub is nil, got %d", resp.StatusCode)
	}
}
