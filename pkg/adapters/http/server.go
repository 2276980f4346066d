package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/loader"
	"github.com/aretw0/parley/pkg/session"
	"github.com/aretw0/parley/pkg/widget"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// maxNotificationSize bounds a single widget notification.
const maxNotificationSize = 64 << 10

// ScriptSource serves the shared widget script.
type ScriptSource interface {
	EnsureLoaded(ctx context.Context) error
	Script() ([]byte, bool)
	Status() loader.LoadStatus
}

// ElementSource returns the widget element mounted for a session.
type ElementSource interface {
	Element(sessionID string) (widget.Element, bool)
}

// Publisher puts widget notifications on the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Server exposes the session manager over HTTP.
type Server struct {
	sessions *session.Manager
	script   ScriptSource
	elements ElementSource
	bus      Publisher
	streams  *StreamManager
	metrics  http.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Option configures the Server.
type Option func(*Server)

// WithScript serves /widget.js from src.
func WithScript(src ScriptSource) Option {
	return func(s *Server) { s.script = src }
}

// WithElements serves mounted elements from src.
func WithElements(src ElementSource) Option {
	return func(s *Server) { s.elements = src }
}

// WithPublisher enables /bus and /bridge.
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.bus = p }
}

// WithStreams enables the per-session SSE endpoint. The manager's hooks must
// already feed streams.
func WithStreams(streams *StreamManager) Option {
	return func(s *Server) { s.streams = streams }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a Server over sessions.
func NewServer(sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		logger:   logging.NewNop(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(rawSpec)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.script != nil {
		r.Get("/widget.js", s.GetWidgetScript)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.ListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetSession)
			r.Post("/activate", s.ActivateSession)
			r.Post("/deactivate", s.DeactivateSession)
			r.Post("/retry", s.RetrySession)
			if s.elements != nil {
				r.Get("/element", s.GetSessionElement)
			}
			if s.streams != nil {
				r.Get("/events", s.SubscribeEvents)
			}
		})
	})

	if s.bus != nil {
		r.Post("/bus/{channel}", s.PublishNotification)
		r.Get("/bridge", s.Bridge)
	}

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}

// writeError maps lifecycle errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var se *domain.SessionError
	if errors.As(err, &se) {
		resp.Kind = se.Kind
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSession),
		errors.Is(err, domain.ErrRetryRequired),
		errors.Is(err, domain.ErrNotInErrorState),
		errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrActivationCancelled),
		errors.Is(err, session.ErrClosed):
		status = http.StatusConflict
	case se != nil:
		// The widget or its script failed; the fault is upstream.
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "err", err)
	}
	s.writeJSON(w, status, resp)
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type infoResponse struct {
	App           string             `json:"app"`
	Version       string             `json:"version"`
	APIVersion    string             `json:"api_version"`
	ActiveSession string             `json:"active_session,omitempty"`
	Script        *loader.LoadStatus `json:"script,omitempty"`
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		App:        "parley-http",
		Version:    parley.Release(),
		APIVersion: "unknown",
	}
	if doc, err := Spec(); err == nil && doc.Info != nil {
		resp.APIVersion = doc.Info.Version
	}
	if id, held, err := s.sessions.ActiveSession(r.Context()); err != nil {
		s.logger.Warn("Info: failed to read lock owner", "err", err)
	} else if held {
		resp.ActiveSession = id
	}
	if s.script != nil {
		st := s.script.Status()
		resp.Script = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetWidgetScript handles GET /widget.js. The first request triggers the load.
func (s *Server) GetWidgetScript(w http.ResponseWriter, r *http.Request) {
	if err := s.script.EnsureLoaded(r.Context()); err != nil {
		s.logger.Warn("Widget script unavailable", "err", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Kind: domain.KindScriptLoad})
		return
	}
	body, _ := s.script.Script()
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(body)
}

// ListSessions handles GET /sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.List())
}

// GetSession handles GET /sessions/{id}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	c, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c.Snapshot())
}

// ActivateSession handles POST /sessions/{id}/activate. It blocks until the
// session is active or the activation fails.
func (s *Server) ActivateSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusOK, (*session.Controller).Activate)
}

// DeactivateSession handles POST /sessions/{id}/deactivate.
func (s *Server) DeactivateSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusOK, (*session.Controller).Deactivate)
}

// RetrySession handles POST /sessions/{id}/retry. The activation itself runs
// after the backoff, so success is 202.
func (s *Server) RetrySession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, http.StatusAccepted, (*session.Controller).Retry)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, okStatus int, op func(*session.Controller, context.Context) error) {
	c, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := op(c, r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, okStatus, c.Snapshot())
}

// GetSessionElement handles GET /sessions/{id}/element.
func (s *Server) GetSessionElement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	el, ok := s.elements.Element(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no widget mounted for %q", id)})
		return
	}
	html, err := el.Render()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, string(html))
}

// PublishNotification handles POST /bus/{channel}.
func (s *Server) PublishNotification(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationSize+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}
	if len(body) > maxNotificationSize {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "notification too large"})
		return
	}
	if len(body) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty notification"})
		return
	}
	if err := s.bus.Publish(r.Context(), channel, body); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SubscribeEvents handles GET /sessions/{id}/events (SSE).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	ch, cancel := s.streams.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Info("SSE: Subscribing to session events", "session_id", id)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE Client Disconnected", "session_id", id)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			flusher.Flush()
		}
	}
}
