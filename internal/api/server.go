package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flitsinc/otomanus/internal/chat"
	"github.com/flitsinc/otomanus/internal/eventbus"
	"github.com/flitsinc/otomanus/internal/registry"
	"github.com/flitsinc/otomanus/internal/schema"
	"github.com/flitsinc/otomanus/internal/tasks"
)

type Server struct {
	Chat        *chat.Service
	Runs        *tasks.Supervisor
	Bus         *eventbus.Bus
	CORSOrigins []string
	StartedAt   time.Time
	Info        DiagnosticsInfo
	// UI, when set, serves the browser client for paths outside /api and /ws.
	UI http.Handler
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	origins := s.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errNotFound("route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/diagnostics", s.handleDiagnostics)

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", s.handleStartChat)
		r.Get("/{sessionID}", s.handleGetChat)
		r.Post("/{sessionID}/stop", s.handleStopChat)
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/search", s.handleSearchSessions)
		r.Get("/stats", s.handleSessionStats)
		r.Delete("/{sessionID}", s.handleDeleteSession)
	})

	r.Get("/ws/{sessionID}", s.handleSessionWS)

	if s.UI != nil {
		r.Handle("/*", s.UI)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().UTC()})
}

type startChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.Chat.StartChat(r.Context(), req.Prompt, req.SessionID, requestMeta(r, schema.SourceHTTP))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Chat.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopChat(w http.ResponseWriter, r *http.Request) {
	res, err := s.Chat.StopChat(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), registry.DefaultListLimit)
	offset := parseInt(r.URL.Query().Get("offset"), 0)
	writeJSON(w, http.StatusOK, s.Chat.ListSessions(limit, offset))
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Chat.SearchSessions(r.URL.Query().Get("q")))
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Chat.Stats())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Chat.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func requestMeta(r *http.Request, source string) map[string]any {
	return schema.Merge(nil, map[string]any{
		schema.MetaSource:     source,
		schema.MetaRemoteAddr: r.RemoteAddr,
		schema.MetaUserAgent:  r.UserAgent(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
