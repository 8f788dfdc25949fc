package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/roomrelay/internal/metrics"
	"github.com/rickgao/roomrelay/internal/protocol"
	"github.com/rickgao/roomrelay/internal/room"
)

const (
	msgRateLimited    = "Rate limit exceeded"
	msgTooManyErrors  = "Too many malformed messages"
	closeWriteTimeout = time.Second
)

// Session is one connected client. Its read loop is the only goroutine that
// changes the subscription set until teardown.
type Session struct {
	id          string
	cfg         Config
	conn        *websocket.Conn
	registry    room.Registry
	out         *outbound
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[string]*forwarder
	closeCode int
	closeText string
	closeSet  bool

	decodeErrors int
}

func newSession(conn *websocket.Conn, cfg Config, registry room.Registry, logger *slog.Logger, m *metrics.Metrics) *Session {
	id := uuid.NewString()

	s := &Session{
		id:          id,
		cfg:         cfg,
		conn:        conn,
		registry:    registry,
		logger:      logger.With("session", id),
		metrics:     m,
		connectedAt: time.Now(),
		subs:        make(map[string]*forwarder),
		closeCode:   websocket.CloseNormalClosure,
	}
	s.out = newOutbound(conn, cfg.OutboundQueueSize, cfg.WriteTimeout, s.logger)
	if cfg.MaxFramesPerSecond > 0 {
		burst := cfg.FrameBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFramesPerSecond), burst)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.subs))
	for name := range s.subs {
		rooms = append(rooms, name)
	}
	s.mu.Unlock()
	sort.Strings(rooms)

	return SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.conn.RemoteAddr().String(),
		Rooms:       rooms,
		ConnectedAt: s.connectedAt,
	}
}

// Rooms returns the number of rooms the session is subscribed to.
func (s *Session) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Run serves the session until the client leaves, the transport fails, or
// ctx is cancelled. Every held room is released before Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	go s.out.run()

	s.conn.SetReadLimit(s.cfg.ReadLimit)
	s.extendDeadline()
	s.conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		// A pong that cannot be written ends the session.
		return s.out.control(websocket.PongMessage, []byte(data))
	})
	s.conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	s.conn.SetCloseHandler(func(code int, text string) error {
		s.logger.Info("client sent close message", "code", code)
		s.setClose(code, "")
		return nil
	})

	var wg sync.WaitGroup
	if s.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.keepalive()
		}()
	}

	// Shutdown unblocks the read loop by closing the connection.
	stop := context.AfterFunc(ctx, func() {
		s.setClose(websocket.CloseGoingAway, "server shutting down")
		s.out.close(websocket.CloseGoingAway, "server shutting down", closeWriteTimeout)
		s.conn.Close()
	})
	defer stop()

	s.metrics.SessionOpened()
	s.logger.Info("client connected", "remote", s.conn.RemoteAddr().String())

	err := s.readLoop()

	s.teardown()
	wg.Wait()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		err = nil
	}
	return err
}

// readLoop dispatches inbound frames until an error ends the session.
func (s *Session) readLoop() error {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.extendDeadline()

		switch kind {
		case websocket.TextMessage:
			if err := s.handleText(data); err != nil {
				return err
			}
		case websocket.BinaryMessage:
			s.logger.Warn("unexpected binary message from client", "bytes", len(data))
			s.metrics.ProtocolError("binary")
		}
	}
}

// handleText processes one text frame. A non-nil error ends the session.
func (s *Session) handleText(data []byte) error {
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.ProtocolError("rate_limited")
		s.logger.Warn("client exceeded frame rate, closing")
		s.sendError(msgRateLimited)
		s.setClose(websocket.ClosePolicyViolation, msgRateLimited)
		return errors.New(msgRateLimited)
	}

	req, err := protocol.Decode(data)
	if err != nil {
		s.decodeErrors++
		s.metrics.ProtocolError("malformed")
		s.logger.Warn("failed to parse client message", "error", err)
		s.sendError(protocol.ParseErrorText(err))

		if s.cfg.MaxDecodeErrors > 0 && s.decodeErrors >= s.cfg.MaxDecodeErrors {
			s.setClose(websocket.ClosePolicyViolation, msgTooManyErrors)
			return errors.New(msgTooManyErrors)
		}
		return nil
	}
	s.decodeErrors = 0

	switch r := req.(type) {
	case protocol.Subscribe:
		s.subscribe(r.Room)
	case protocol.Unsubscribe:
		s.unsubscribe(r.Room)
	case protocol.SendMessage:
		s.publish(r.Room, r.Message)
	}
	return nil
}

// subscribe joins room unless the session already has it.
func (s *Session) subscribe(name string) {
	s.mu.Lock()
	_, exists := s.subs[name]
	s.mu.Unlock()
	if exists {
		s.logger.Info("client already subscribed to room", "room", name)
		return
	}

	rx, created, err := s.registry.Acquire(s.ctx, name)
	if err != nil {
		s.logger.Error("failed to subscribe client to room", "room", name, "error", err)
		s.sendError(fmt.Sprintf("Failed to subscribe to room '%s': %v", name, err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	f := &forwarder{
		room:   name,
		rx:     rx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[name] = f
	s.mu.Unlock()

	go s.forward(ctx, f)

	s.logger.Info("client subscribed to room", "room", name, "created", created)
}

// unsubscribe stops the room's forwarding task, then releases the room.
func (s *Session) unsubscribe(name string) {
	s.mu.Lock()
	f, ok := s.subs[name]
	if ok {
		delete(s.subs, name)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Info("client not subscribed to room", "room", name)
		return
	}

	f.cancel()
	<-f.done
	s.registry.Release(name)

	s.logger.Info("client unsubscribed from room", "room", name)
}

// publish sends message to room through the bus.
func (s *Session) publish(name, message string) {
	if err := s.registry.Publish(s.ctx, name, message); err != nil {
		s.logger.Error("failed to send message to room", "room", name, "error", err)
		s.sendError(fmt.Sprintf("Failed to send message to room '%s': %v", name, err))
		return
	}
	s.logger.Debug("client message published", "room", name)
}

// sendError queues an error envelope.
func (s *Session) sendError(msg string) {
	if err := s.out.Send(s.ctx, protocol.EncodeError(msg)); err != nil {
		s.logger.Debug("failed to send error to client", "error", err)
	}
}

// teardown cancels every forwarding task, waits for them, releases each
// held room once, and closes the connection.
func (s *Session) teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*forwarder)
	code, text := s.closeCode, s.closeText
	s.mu.Unlock()

	for _, f := range subs {
		f.cancel()
	}
	for name, f := range subs {
		<-f.done
		s.registry.Release(name)
	}

	s.out.close(code, text, closeWriteTimeout)
	s.cancel()
	s.conn.Close()

	s.metrics.SessionClosed()
	s.logger.Info("client disconnected", "rooms_released", len(subs))
}

// keepalive pings the client until the session ends.
func (s *Session) keepalive() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.out.Done():
			return
		case <-ticker.C:
			if err := s.out.control(websocket.PingMessage, []byte("keepalive")); err != nil {
				return
			}
		}
	}
}

// setClose records the close frame sent at teardown. The first reason wins.
func (s *Session) setClose(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeSet {
		return
	}
	s.closeSet = true
	s.closeCode, s.closeText = code, text
}

func (s *Session) extendDeadline() {
	if s.cfg.PongTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	}
}
