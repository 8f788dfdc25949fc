package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/roomrelay/internal/connection"
	"github.com/rickgao/roomrelay/internal/logging"
	"github.com/rickgao/roomrelay/internal/metrics"
	"github.com/rickgao/roomrelay/internal/room"
	"github.com/rickgao/roomrelay/internal/version"
)

// Pinger checks connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the HTTP surface.
type Config struct {
	ListenAddr        string
	WSPath            string
	MetricsPath       string
	HealthTimeout     time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8081",
		WSPath:            "/ws",
		MetricsPath:       "/metrics",
		HealthTimeout:     5 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Deps are the components the server routes to. Database and Metrics may be nil.
type Deps struct {
	Bus      Pinger
	Database Pinger
	Registry room.Registry
	Manager  connection.Manager
	Metrics  *metrics.Metrics
}

// Server is the relay's HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router chi.Router
	http   *http.Server
}

// New builds the router. Call Run to start serving.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultConfig().WSPath
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultConfig().HealthTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLog)
	r.Use(chimiddleware.Recoverer)

	r.Get(s.cfg.WSPath, s.deps.Manager.ServeHTTP)
	r.Get("/health", s.health)
	r.Get("/debug/rooms", s.debugRooms)

	if s.deps.Metrics != nil && s.cfg.MetricsPath != "" {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on cfg.ListenAddr and serves until ctx is cancelled, then
// shuts down HTTP and closes every WebSocket session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("http server listening",
		"addr", ln.Addr().String(),
		"ws_path", s.cfg.WSPath,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, then closes the WebSocket sessions,
// which http.Server.Shutdown does not track once hijacked.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")

	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
		s.logger.Warn("http shutdown incomplete", "error", httpErr)
	}

	if err := s.deps.Manager.Stop(ctx); err != nil {
		return fmt.Errorf("stop sessions: %w", err)
	}
	if errors.Is(httpErr, http.ErrServerClosed) {
		return nil
	}
	return httpErr
}

// requestLog logs completed requests. WebSocket requests are logged when
// the session ends.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"remote", r.RemoteAddr,
			"request_id", chimiddleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Components map[string]any `json:"components"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     "healthy",
		Version:    version.Version,
		Components: make(map[string]any),
	}

	if err := s.deps.Bus.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Components["bus"] = map[string]string{
			"status": "disconnected",
			"error":  err.Error(),
		}
		s.logger.Warn("health check: bus unreachable", "error", logging.WrapError(err, "bus ping"))
	} else {
		resp.Components["bus"] = "connected"
	}

	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(ctx); err != nil {
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
			resp.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			resp.Components["timescaledb"] = "connected"
		}
	}

	stats := s.deps.Registry.Stats()
	resp.Components["rooms"] = map[string]any{
		"active":          stats.Rooms,
		"subscribers":     stats.Subscribers,
		"bridges_running": stats.BridgesRunning,
	}
	if stats.BridgesRunning < stats.Rooms && resp.Status == "healthy" {
		resp.Status = "degraded"
	}
	resp.Components["sessions"] = s.deps.Manager.Stats()

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) debugRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.deps.Registry.Rooms()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(rooms),
		"rooms":    rooms,
		"stats":    s.deps.Registry.Stats(),
		"sessions": s.deps.Manager.Sessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
