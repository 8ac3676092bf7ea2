package sim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/provana/cascata/internal/api"
)

const defaultHeartbeat = 30 * time.Second

// ServerOption configures the HTTP surface.
type ServerOption func(*Server)

// WithHeartbeat sets the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server exposes the engine over the cascade backend's HTTP contract.
type Server struct {
	engine    *Engine
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewServer wraps an engine.
func NewServer(engine *Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:    engine,
		logger:    slog.Default(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/cascade/trigger", s.handleTrigger)
	r.Get("/cascade/progress", s.handleProgress)
	r.Get("/cascade/report", s.handleReport)
	r.Get("/cascade/stream", s.handleStream)
	r.Get("/catalogue", s.handleCatalogue)
	r.Get("/suppliers", s.handleSuppliers)
	r.Get("/agents", s.handleAgents)

	return r
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req api.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.engine.Trigger(req); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Cascade already running"})
		return
	}

	writeJSON(w, http.StatusOK, api.TriggerResponse{Status: "started", Intent: req.Intent})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Progress())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.engine.Report()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No report available yet"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(report)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.engine.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("failed to marshal event", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "data: {\"type\": \"heartbeat\"}\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleCatalogue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Catalogue())
}

func (s *Server) handleSuppliers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Suppliers())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Agents())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
