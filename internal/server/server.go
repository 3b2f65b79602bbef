// Package server exposes a small read-only HTTP status surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// History is the read side of the ledger.
type History interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
	Totals(ctx context.Context) (ledger.Totals, error)
}

// StatusSource reports live pipeline state.
type StatusSource interface {
	// Sessions maps channel id to supervisor state name.
	Sessions() map[string]string
	// Tracked is the number of files settling, queued or in progress.
	Tracked() int
	// Channels maps channel id to its current enabled flag.
	Channels() map[string]bool
}

type Config struct {
	Listen  string
	Status  StatusSource
	History History       // optional
	Events  *bus.EventBus // optional
	Metrics http.Handler  // optional
	Logger  *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
}

type StatusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Tracked       int               `json:"tracked"`
	Channels      map[string]bool   `json:"channels"`
	Sessions      map[string]string `json:"sessions"`
	Totals        *ledger.Totals    `json:"totals,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger, startedAt: time.Now()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	r.Get("/events", s.handleEvents)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Channels:      map[string]bool{},
		Sessions:      map[string]string{},
	}
	if s.cfg.Status != nil {
		resp.Tracked = s.cfg.Status.Tracked()
		resp.Channels = s.cfg.Status.Channels()
		resp.Sessions = s.cfg.Status.Sessions()
	}
	for _, state := range resp.Sessions {
		if state == "degraded" {
			resp.Status = "degraded"
		}
	}
	if s.cfg.History != nil {
		totals, err := s.cfg.History.Totals(r.Context())
		if err != nil {
			s.logger.Error("ledger totals", "error", err)
		} else {
			resp.Totals = &totals
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.writeError(w, http.StatusNotFound, "ledger disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.cfg.History.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("ledger recent", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		s.writeJSON(w, http.StatusOK, []bus.Event{})
		return
	}
	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a positive duration like 15m")
			return
		}
		since = time.Now().Add(-d)
	}
	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = "*"
	}
	events := s.cfg.Events.Replay(typ, since)
	if events == nil {
		events = []bus.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
