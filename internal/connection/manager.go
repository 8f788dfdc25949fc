package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rickgao/roomrelay/internal/metrics"
	"github.com/rickgao/roomrelay/internal/room"
)

// Manager accepts WebSocket clients and owns their sessions.
type Manager interface {
	// ServeHTTP upgrades the request and serves the session until it ends.
	http.Handler

	// Stop closes every session and waits for their rooms to be released.
	Stop(ctx context.Context) error

	// Stats returns current session statistics.
	Stats() ManagerStats

	// Sessions returns a snapshot of connected clients.
	Sessions() []SessionInfo
}

// manager implements the Manager interface.
type manager struct {
	cfg      Config
	registry room.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	stopped  bool

	total atomic.Uint64
}

// NewManager creates a Connection Manager serving rooms from registry.
func NewManager(cfg Config, registry room.Registry, logger *slog.Logger, m *metrics.Metrics) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &manager{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	mgr.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return mgr
}

// ServeHTTP upgrades the connection and runs the session.
func (m *manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		m.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(conn, m.cfg, m.registry, m.logger, m.metrics)
	m.add(s)
	defer m.remove(s)

	if err := s.Run(m.ctx); err != nil {
		s.logger.Debug("session ended", "error", err)
	}
}

func (m *manager) add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.total.Add(1)
}

func (m *manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("stopping connection manager", "sessions", active)
	m.cancel()

	// Wait for sessions with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, sessions still closing")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := ManagerStats{
		ActiveSessions: len(m.sessions),
		TotalSessions:  m.total.Load(),
	}
	for _, s := range m.sessions {
		st.Subscriptions += s.Rooms()
	}
	return st
}

// Sessions returns a snapshot of connected clients, oldest first.
func (m *manager) Sessions() []SessionInfo {
	m.mu.RLock()
	result := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// originChecker allows every origin when allowed is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
