package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"sanctuary/internal/session"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// History paging bounds
const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxBodyBytes        = 1 << 20
)

// Sessions is the session lifecycle the API drives
type Sessions interface {
	CreateSession(ctx context.Context, name, ownerID string) (*session.Created, error)
	GetSession(ctx context.Context, sessionID string) (*session.Summary, error)
	ListActiveSessions(ctx context.Context) ([]*session.Summary, error)
	EndSession(ctx context.Context, sessionID string) error
	UpdateState(ctx context.Context, sessionID string, patch types.SessionPatch) (*types.Session, error)
}

// LiveState is the read side of the session state repository plus event
// ingestion
type LiveState interface {
	GetSession(ctx context.Context, sessionID string) *types.Session
	GetOverview(ctx context.Context, sessionID string) *types.Overview
	AppendAnalyticsEvent(ctx context.Context, sessionID string, event types.AnalyticsEvent) (*types.AnalyticsEvent, error)
}

// Registry reports gateway sizes for health checks
type Registry interface {
	Stats() map[string]int
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Config holds the API's own settings
type Config struct {
	AdminKey   string
	CORSOrigin string
	Metrics    http.Handler
	Checks     map[string]HealthCheck
}

// Server is the HTTP surface for administrative flows, dashboards and
// health probes. It holds no business logic.
type Server struct {
	sessions Sessions
	state    LiveState
	messages interfaces.MessageStore
	registry Registry
	cfg      Config
	logger   *slog.Logger
	started  time.Time
	router   *http.ServeMux
}

// NewServer wires the routes
func NewServer(sessions Sessions, state LiveState, messages interfaces.MessageStore, registry Registry, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	s := &Server{
		sessions: sessions,
		state:    state,
		messages: messages,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return api(s.adminOnly(h))
	}

	s.router.Handle("POST /api/sessions", admin(s.createSession))
	s.router.Handle("GET /api/sessions", api(s.listSessions))
	s.router.Handle("GET /api/sessions/{id}", api(s.getSession))
	s.router.Handle("DELETE /api/sessions/{id}", admin(s.endSession))
	s.router.Handle("GET /api/sessions/{id}/overview", admin(s.getOverview))
	s.router.Handle("PATCH /api/sessions/{id}/state", admin(s.patchState))
	s.router.Handle("POST /api/sessions/{id}/analytics", admin(s.ingestAnalytics))
	s.router.Handle("GET /api/sessions/{id}/messages", admin(s.getMessages))
	s.router.Handle("OPTIONS /api/", s.corsMiddleware(http.NotFoundHandler()))
	s.router.Handle("GET /health", api(s.healthCheck))
	if s.cfg.Metrics != nil {
		s.router.Handle("GET /metrics", s.cfg.Metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type CreateSessionRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

type ListSessionsResponse struct {
	Sessions []*session.Summary `json:"sessions"`
}

type IngestRequest struct {
	Type          string                 `json:"type"`
	ParticipantID string                 `json:"participant_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

type MessagesResponse struct {
	SessionID string               `json:"session_id"`
	Messages  []*types.ChatMessage `json:"messages"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Components  map[string]string      `json:"components"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	created, err := s.sessions.CreateSession(r.Context(), req.Name, req.OwnerID)
	if err != nil {
		s.sendFailure(w, err, "Failed to create session")
		return
	}
	s.send(w, http.StatusCreated, created)
}

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.sessions.ListActiveSessions(r.Context())
	if err != nil {
		s.sendFailure(w, err, "Failed to list sessions")
		return
	}
	s.send(w, http.StatusOK, ListSessionsResponse{Sessions: summaries})
}

// GET /api/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFailure(w, err, "Failed to get session")
		return
	}
	s.send(w, http.StatusOK, summary)
}

// DELETE /api/sessions/{id}
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.EndSession(r.Context(), r.PathValue("id")); err != nil {
		s.sendFailure(w, err, "Failed to end session")
		return
	}
	s.send(w, http.StatusOK, map[string]string{"message": "Session ended successfully"})
}

// GET /api/sessions/{id}/overview; unknown sessions yield an empty overview
func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !types.IsValidSessionID(sessionID) {
		s.sendError(w, types.ErrInvalidSessionID.Error(), http.StatusBadRequest)
		return
	}
	s.send(w, http.StatusOK, s.state.GetOverview(r.Context(), sessionID))
}

// PATCH /api/sessions/{id}/state
func (s *Server) patchState(w http.ResponseWriter, r *http.Request) {
	var patch types.SessionPatch
	if !s.decode(w, r, &patch) {
		return
	}
	updated, err := s.sessions.UpdateState(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.sendFailure(w, err, "Failed to update session state")
		return
	}
	s.send(w, http.StatusOK, updated)
}

// POST /api/sessions/{id}/analytics
func (s *Server) ingestAnalytics(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !types.IsValidAnalyticsKind(req.Type) {
		s.sendError(w, types.ErrInvalidEventKind.Error(), http.StatusBadRequest)
		return
	}
	if req.ParticipantID != "" && !types.IsValidUserID(req.ParticipantID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	live := s.state.GetSession(r.Context(), sessionID)
	if live == nil || live.Status == types.SessionStatusEnded {
		s.sendError(w, "Session not live", http.StatusNotFound)
		return
	}

	event, err := s.state.AppendAnalyticsEvent(r.Context(), sessionID, types.AnalyticsEvent{
		Type:          req.Type,
		ParticipantID: req.ParticipantID,
		Data:          req.Data,
	})
	if err != nil {
		s.sendFailure(w, err, "Failed to record analytics event")
		return
	}
	s.send(w, http.StatusAccepted, event)
}

// GET /api/sessions/{id}/messages?limit=N
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !types.IsValidSessionID(sessionID) {
		s.sendError(w, types.ErrInvalidSessionID.Error(), http.StatusBadRequest)
		return
	}
	if s.messages == nil {
		s.sendError(w, "Message history not configured", http.StatusNotImplemented)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			s.sendError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := s.messages.GetSessionHistory(r.Context(), sessionID, limit)
	if err != nil {
		s.sendFailure(w, err, "Failed to load messages")
		return
	}
	s.send(w, http.StatusOK, MessagesResponse{SessionID: sessionID, Messages: messages})
}

// GET /health returns 503 when any dependency check fails
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := make(map[string]string, len(s.cfg.Checks))
	for name, check := range s.cfg.Checks {
		if err := check(ctx); err != nil {
			status = "unhealthy"
			components[name] = "error: " + err.Error()
			continue
		}
		components[name] = "healthy"
	}

	var connections map[string]int
	if s.registry != nil {
		connections = s.registry.Stats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.send(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Components:  components,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// sendFailure maps domain errors to status codes; anything unrecognized is
// logged and reported as fallback
func (s *Server) sendFailure(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		s.sendError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrSessionAlreadyEnded):
		s.sendError(w, "Session already ended", http.StatusConflict)
	case errors.Is(err, types.ErrInvalidSessionName),
		errors.Is(err, session.ErrInvalidOwner),
		errors.Is(err, session.ErrInvalidStatus):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrStoreUnavailable):
		s.logger.Warn(fallback, "error", err)
		s.sendError(w, "Live state temporarily unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error(fallback, "error", err)
		s.sendError(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) send(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response not written", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.send(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// adminOnly requires X-Admin-Key when an admin key is configured
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey != "" {
			presented := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminKey)) != 1 {
				s.sendError(w, "Admin key required", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
