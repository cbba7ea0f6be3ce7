// Package httpapi exposes the engine's service surface: turn
// execution, scenario upload/download, session reset and inspection, the
// global intent-mapping table, and the ping/pong liveness channel.
package httpapi

import (
	"net/http"
	"sync"

	"dialogflow/internal/engine"
	"dialogflow/internal/scenario"
)

// Server exposes HTTP endpoints for the dialog engine.
type Server struct {
	engine    *engine.Engine
	scenarios *scenario.Repository
	mux       *http.ServeMux

	// uploads maps a session id handed out by the upload endpoint to the
	// repository key of the scenario uploaded under it.
	mu      sync.RWMutex
	uploads map[string]scenarioRef
}

type scenarioRef struct {
	botID      string
	botVersion string
}

// NewServer creates the HTTP API server wired to the engine.
func NewServer(eng *engine.Engine, scenarios *scenario.Repository) *Server {
	s := &Server{
		engine:    eng,
		scenarios: scenarios,
		mux:       http.NewServeMux(),
		uploads:   make(map[string]scenarioRef),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/dialog/execute", s.handleExecute)

	s.mux.HandleFunc("POST /api/v1/dialog/scenarios", s.handleUploadScenario)
	s.mux.HandleFunc("GET /api/v1/dialog/scenarios/{sessionID}", s.handleDownloadScenario)

	s.mux.HandleFunc("GET /api/v1/dialog/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/v1/dialog/sessions/{sessionID}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/v1/dialog/sessions/{sessionID}/reset", s.handleResetSession)

	s.mux.HandleFunc("PUT /api/v1/dialog/intent-mapping", s.handleUpdateIntentMapping)

	s.mux.HandleFunc("POST /api/v1/dialog/events", s.handleEvent)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}
