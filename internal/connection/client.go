package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/roomrelay/internal/protocol"
)

// Client is a WebSocket connection to a relay, as seen by an end user.
type Client interface {
	// Connect dials the relay. A client connects at most once.
	Connect(ctx context.Context) error

	// Close sends a normal close frame and drops the connection.
	Close() error

	// Subscribe joins room.
	Subscribe(room string) error

	// Unsubscribe leaves room.
	Unsubscribe(room string) error

	// Publish sends message to room.
	Publish(room, message string) error

	// Send writes a raw text frame.
	Send(data []byte) error

	// Messages delivers every envelope the relay sends.
	Messages() <-chan Envelope

	// Errors reports the error that ended the connection, or ErrStale.
	Errors() <-chan error

	// IsConnected reports whether the connection is open.
	IsConnected() bool
}

type clientState int

const (
	clientIdle clientState = iota
	clientOpen
	clientClosed
)

type relayClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	envelopes chan Envelope
	failures  chan error
	quit      chan struct{}

	mu       sync.RWMutex
	state    clientState
	dropped  bool // read side ended; Send fails
	heardAt  time.Time
	received uint64
}

// NewClient creates a relay client. Call Connect before sending.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultClientConfig().WriteTimeout
	}

	return &relayClient{
		cfg:       cfg,
		logger:    logger.With("relay", cfg.URL),
		envelopes: make(chan Envelope, cfg.BufferSize),
		failures:  make(chan error, 1),
		quit:      make(chan struct{}),
	}
}

func (c *relayClient) Connect(ctx context.Context) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	switch state {
	case clientClosed:
		return ErrAlreadyClosed
	case clientOpen:
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	if c.state == clientClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.state = clientOpen
	c.heardAt = time.Now()
	c.mu.Unlock()

	conn.SetPingHandler(c.answerPing)

	go c.receive()
	if c.cfg.PingTimeout > 0 {
		go c.watchdog()
	}

	c.logger.Debug("connected to relay")
	return nil
}

// answerPing replies to a relay keepalive. gorilla calls it from the read
// goroutine, so the pong shares writeMu with Send.
func (c *relayClient) answerPing(data string) error {
	c.touch()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
}

func (c *relayClient) Close() error {
	c.mu.Lock()
	if c.state == clientClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.state = clientClosed
	c.mu.Unlock()

	close(c.quit)
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *relayClient) Subscribe(room string) error {
	return c.request(protocol.Subscribe{Room: room})
}

func (c *relayClient) Unsubscribe(room string) error {
	return c.request(protocol.Unsubscribe{Room: room})
}

func (c *relayClient) Publish(room, message string) error {
	return c.request(protocol.SendMessage{Room: room, Message: message})
}

func (c *relayClient) request(req protocol.Request) error {
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *relayClient) Send(data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *relayClient) Messages() <-chan Envelope {
	return c.envelopes
}

func (c *relayClient) Errors() <-chan error {
	return c.failures
}

func (c *relayClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == clientOpen && !c.dropped
}

func (c *relayClient) touch() {
	c.mu.Lock()
	c.heardAt = time.Now()
	c.mu.Unlock()
}

// report hands err to Errors unless one is already pending or the client
// was closed on purpose.
func (c *relayClient) report(err error) {
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.failures <- err:
	default:
	}
}

// receive turns relay frames into envelopes until the connection ends.
func (c *relayClient) receive() {
	defer func() {
		c.mu.Lock()
		c.dropped = true
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.report(err)
			return
		}
		at := time.Now()
		c.touch()

		env, err := decodeEnvelope(data, at)
		if err != nil {
			c.logger.Warn("unparseable frame from relay", "error", err)
			continue
		}

		c.mu.Lock()
		c.received++
		c.mu.Unlock()

		select {
		case c.envelopes <- env:
		case <-c.quit:
			return
		default:
			c.logger.Warn("envelope buffer full, dropping", "room", env.Room)
		}
	}
}

// decodeEnvelope accepts both relay frame shapes: {"room","data"} and {"error"}.
func decodeEnvelope(data []byte, at time.Time) (Envelope, error) {
	var wire struct {
		Room  string `json:"room"`
		Data  string `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Room:       wire.Room,
		Data:       wire.Data,
		Error:      wire.Error,
		ReceivedAt: at,
	}, nil
}

// watchdog reports ErrStale once nothing (frames or pings) has arrived for
// PingTimeout.
func (c *relayClient) watchdog() {
	check := c.cfg.PingTimeout / 3
	if check <= 0 {
		check = time.Second
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		heard, received := c.heardAt, c.received
		c.mu.RUnlock()

		if silent := time.Since(heard); silent > c.cfg.PingTimeout {
			c.logger.Warn("relay went quiet, connection stale",
				"silent_for", silent,
				"timeout", c.cfg.PingTimeout,
				"envelopes_received", received,
			)
			c.report(ErrStale)
			return
		}
	}
}
