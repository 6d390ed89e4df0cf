// Package api serves run status over HTTP while a phase is running.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/workspace"
	"github.com/reloquent/tableshift/internal/ws"
)

// Server is the status API.
type Server struct {
	ws      workspace.Dir
	hub     *ws.Hub
	logger  *slog.Logger
	addr    string
	server  *http.Server
	devMode bool

	mu   sync.RWMutex
	last map[string]orchestrator.Event
}

// Option configures the API server.
type Option func(*Server)

// WithDevMode enables CORS for development.
func WithDevMode(dev bool) Option {
	return func(s *Server) {
		s.devMode = dev
	}
}

// WithHub sets the WebSocket hub.
func WithHub(hub *ws.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// New creates a status server for the migration directory dir.
func New(dir workspace.Dir, logger *slog.Logger, addr string, opts ...Option) *Server {
	s := &Server{
		ws:     dir,
		logger: logger,
		addr:   addr,
		last:   make(map[string]orchestrator.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub != nil {
		s.hub.SetStateProvider(s.statusJSON)
	}
	return s
}

// Notify records the latest event per phase and forwards it to the hub. It
// fits orchestrator.StatusCallback.
func (s *Server) Notify(e orchestrator.Event) {
	s.mu.Lock()
	s.last[e.Phase] = e
	s.mu.Unlock()
	if s.hub != nil {
		s.hub.Notify(e)
	}
}

// NotifyError pushes an error that stopped a phase to websocket clients.
func (s *Server) NotifyError(err error) {
	if err == nil || s.hub == nil {
		return
	}
	s.hub.BroadcastError(err.Error())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if s.devMode {
		handler = s.corsMiddleware(handler)
	}
	return requestLogger(s.logger, handler)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting status server", "addr", s.addr, "dev_mode", s.devMode)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/batches", s.handleBatches)
	mux.HandleFunc("GET /api/report", s.handleReport)

	if s.hub != nil {
		mux.HandleFunc("/api/ws", s.hub.HandleWebSocket)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
