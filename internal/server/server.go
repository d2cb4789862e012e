// Package server exposes the daemon's read-only observability surface: a
// /status JSON snapshot and a /ws WebSocket stream of task, checkpoint,
// and reconcile events.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/uesteibar/ralphd/internal/daemon"
	"github.com/uesteibar/ralphd/internal/store"
)

// Status is the /status response body.
type Status struct {
	SchemaVersion int            `json:"schema_version"`
	DaemonID      string         `json:"daemon_id"`
	Mode          string         `json:"mode"`
	StartedAt     string         `json:"started_at"`
	Tasks         map[string]int `json:"tasks"`
	WSClients     int            `json:"ws_clients"`
}

// Config wires the server to the daemon's state.
type Config struct {
	DaemonID  string
	StartedAt time.Time
	// Hub, when non-nil, registers the /ws endpoint.
	Hub *Hub
	// Tasks supplies the task rows summarized by /status.
	Tasks func() ([]store.Task, error)
	// Control supplies the current control document.
	Control func() (daemon.Control, error)
}

// Server is the local observability listener.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New binds the listener (e.g. "127.0.0.1:7931"). Call Serve to start.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the listener closes.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	s.mux.HandleFunc("GET /status", handleStatus(cfg))
	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /ws", cfg.Hub.ServeWS)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

func handleStatus(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			SchemaVersion: 1,
			DaemonID:      cfg.DaemonID,
			StartedAt:     cfg.StartedAt.UTC().Format(time.RFC3339),
			Mode:          daemon.ModeRunning,
			Tasks:         map[string]int{},
		}
		if cfg.Control != nil {
			if ctl, err := cfg.Control(); err == nil {
				st.Mode = ctl.Mode
			}
		}
		if cfg.Tasks != nil {
			tasks, err := cfg.Tasks()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			for _, t := range tasks {
				st.Tasks[t.Status]++
			}
		}
		if cfg.Hub != nil {
			st.WSClients = cfg.Hub.ClientCount()
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
