// Package api implements the daemon's HTTP surface: a converse endpoint
// that runs one turn, plus health and metrics introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/buildinfo"
	"github.com/hearthd/hearth/internal/metrics"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen  string
	agent   *agent.Agent
	metrics *metrics.Metrics
	history *metrics.History
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the API server. history may be nil.
func NewServer(listen string, ag *agent.Agent, m *metrics.Metrics, history *metrics.History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:  listen,
		agent:   ag,
		metrics: m,
		history: history,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the server's routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/converse", s.handleConverse)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // turns can take a while
	}
	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ConverseRequest is the wire shape of one user turn.
type ConverseRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Text           string `json:"text"`
}

// ConverseResponse is the finalized turn outcome.
type ConverseResponse struct {
	Text       string `json:"text"`
	Speech     string `json:"speech"`
	FollowUp   bool   `json:"follow_up"`
	Aborted    bool   `json:"aborted,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Iterations int    `json:"iterations"`
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req ConverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	resp, err := s.agent.Converse(r.Context(), agent.Request{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Text:           req.Text,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		// Converse already sanitized the user-facing text; the raw
		// error stays in logs.
		s.logger.Error("converse failed", "conversation", req.ConversationID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ConverseResponse{
		Text:       resp.Text,
		Speech:     resp.Speech,
		FollowUp:   resp.FollowUp,
		Aborted:    resp.Aborted,
		Cancelled:  resp.Cancelled,
		Iterations: resp.Iterations,
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.metrics.Snapshot(), s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusNotFound, "history not configured")
		return
	}
	entries, err := s.history.Recent(r.Context(), 50)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "history read failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, entries, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "hearth",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    fmt.Sprintf("%d", code),
		},
	}, s.logger)
}
