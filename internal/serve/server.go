// Package serve exposes daemon metrics and status over HTTP.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
)

// Config configures the HTTP endpoint.
type Config struct {
	Addr    string
	Metrics *metrics.Collector
	// Status returns the value served at /status.
	Status func() any
	// Healthy reports whether /healthz should answer 200; nil means always.
	Healthy func() bool
	Logger  *slog.Logger
}

// Server serves /metrics, /metrics/summary, /status and /healthz.
type Server struct {
	cfg    Config
	router chi.Router
	server *http.Server
	ready  chan net.Addr
}

// New creates a server.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, ready: make(chan net.Addr, 1)}
	s.router = s.buildRouter()
	return s
}

func (s *Server) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/summary", s.handleSummary)
	return r
}

// Start listens on the configured address and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.ready <- ln.Addr()
	s.logger().Info("[Serve] listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr waits for Start to bind and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-s.ready:
		s.ready <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger().Error("[Serve] panic recovered", "panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger().Debug("[Serve] request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Healthy != nil && !s.cfg.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}
	v := s.cfg.Status()
	if v == nil {
		writeError(w, http.StatusServiceUnavailable, "no cycle completed yet")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.cfg.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, s.cfg.Metrics.Snapshot())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.cfg.Metrics.WriteSummary(w); err != nil {
		s.logger().Warn("[Serve] summary write failed", "error", err)
	}
}
