package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/agentrun"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
)

// Server is the HTTP API server
type Server struct {
	store    *store.Store
	agents   *agentrun.Orchestrator
	pipeline *pipeline.Orchestrator
	mux      *http.ServeMux
	sseHub   *sseHub
	wsHub    *WSHub
	httpSrv  *http.Server
}

// NewServer creates a new API server
func NewServer(st *store.Store, agents *agentrun.Orchestrator, pl *pipeline.Orchestrator, addr string) *Server {
	s := &Server{
		store:    st,
		agents:   agents,
		pipeline: pl,
		mux:      http.NewServeMux(),
		sseHub:   newSSEHub(),
		wsHub:    NewWSHub(),
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/projects", s.projectsHandler())

	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runActionHandler())

	s.mux.HandleFunc("/api/validations", s.validationsHandler())
	s.mux.HandleFunc("/api/validations/", s.validationActionHandler())

	s.mux.HandleFunc("/api/webhooks/pull-request", s.pullRequestWebhookHandler())

	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Start runs the websocket hub and serves HTTP until Shutdown
func (s *Server) Start() error {
	go s.wsHub.Run()
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Broadcast sends an event to all SSE and websocket clients
func (s *Server) Broadcast(event Event) {
	s.sseHub.broadcast(event)
	s.wsHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
