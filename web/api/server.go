// Package api exposes the operator surface of the control process: a JSON
// API over the queue and results, an SSE event stream, and the worker
// WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/turnstile-dev/turnstile/internal/statestore"
)

// Controller is the slice of the orchestrator the API drives
type Controller interface {
	Start() error
	Stop() error
}

// Server is the HTTP API server
type Server struct {
	store     *statestore.Store
	control   Controller
	workerWS  http.HandlerFunc
	exportDir string
	addr      string
	mux       *http.ServeMux
	sseHub    *SSEHub
	http      *http.Server
}

// NewServer creates a new API server. workerWS may be nil when the worker
// endpoint is served elsewhere.
func NewServer(store *statestore.Store, control Controller, workerWS http.HandlerFunc, exportDir, addr string) *Server {
	s := &Server{
		store:     store,
		control:   control,
		workerWS:  workerWS,
		exportDir: exportDir,
		addr:      addr,
		mux:       http.NewServeMux(),
		sseHub:    NewSSEHub(),
	}
	s.setupRoutes()
	s.http = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/batches", s.listBatchesHandler())
	s.mux.HandleFunc("/api/batches/", s.batchItemHandler())
	s.mux.HandleFunc("/api/results", s.listResultsHandler())
	s.mux.HandleFunc("/api/start", s.startHandler())
	s.mux.HandleFunc("/api/stop", s.stopHandler())
	s.mux.HandleFunc("/api/export", s.exportHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())

	if s.workerWS != nil {
		s.mux.HandleFunc("/ws", s.workerWS)
	}
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		s.http.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// Handler exposes the mux for tests
func (s *Server) Handler() http.Handler {
	return s.mux
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
