// Package control serves the HTTP API that creates and drives playback
// sessions.
package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zsiec/avsync/internal/backend"
	"github.com/zsiec/avsync/internal/player"
	"github.com/zsiec/avsync/internal/session"
)

// Config configures the control server.
type Config struct {
	Addr     string
	Sessions *session.Manager
	// CaptureDir receives capture files requested over the API. Empty
	// disables capture requests.
	CaptureDir string
	// TLS, when set, serves HTTPS.
	TLS *tls.Config
	Log *slog.Logger
}

// Server is the control API.
type Server struct {
	cfg    Config
	log    *slog.Logger
	router chi.Router
}

// New builds the router. It does not listen.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: log.With("component", "control"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/backends", s.handleBackends)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Post("/seek", s.handleSeek)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
			})
		})
	})
	s.router = r
	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	scheme := "http"
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
		scheme = "https"
	}
	s.log.Info("control API listening", "addr", ln.Addr().String(), "scheme", scheme)
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type createRequest struct {
	Source string `json:"source"`
	// Capture is a file name inside the capture directory.
	Capture string `json:"capture,omitempty"`
	StartMs int64  `json:"startMs,omitempty"`
}

type seekRequest struct {
	PositionMs *int64 `json:"positionMs"`
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"backends": backend.Names()})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.cfg.Sessions.List()
	resp := make([]session.Status, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sess.Status(false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.StartMs < 0 {
		writeError(w, http.StatusBadRequest, "startMs must not be negative")
		return
	}
	sreq := session.Request{
		Source: req.Source,
		Start:  time.Duration(req.StartMs) * time.Millisecond,
	}
	if req.Capture != "" {
		path, err := s.capturePath(req.Capture)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sreq.Capture = path
	}

	sess, err := s.cfg.Sessions.Create(r.Context(), sreq)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, sess.Status(false))
}

// capturePath confines a requested capture name to the capture directory.
func (s *Server) capturePath(name string) (string, error) {
	if s.cfg.CaptureDir == "" {
		return "", errors.New("capture is disabled")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("capture name %q must be a plain file name", name)
	}
	return filepath.Join(s.cfg.CaptureDir, name), nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.cfg.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Status(true))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Sessions.Remove(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeSessionError(w, err)
			return
		}
		s.log.Warn("session stop reported an error", "session", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PositionMs == nil || *req.PositionMs < 0 {
		writeError(w, http.StatusBadRequest, "positionMs is required and must not be negative")
		return
	}
	if err := sess.Seek(r.Context(), time.Duration(*req.PositionMs)*time.Millisecond); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status(false))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Pause(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status(false))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Resume(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status(false))
}

// writeSessionError maps engine errors to status codes.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrLimit):
		code = http.StatusTooManyRequests
	case errors.Is(err, session.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrUnsupported):
		code = http.StatusBadRequest
	case errors.Is(err, player.ErrOpen):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, player.ErrState), errors.Is(err, backend.ErrNotSeekable):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
