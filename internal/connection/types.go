package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrStale         = errors.New("connection stale (no ping)")
	ErrWriterClosed  = errors.New("outbound writer closed")
	ErrAlreadyClosed = errors.New("already closed")
	ErrShuttingDown  = errors.New("relay shutting down")
)

// Config configures client sessions.
type Config struct {
	ReadLimit          int64         // Max inbound frame size in bytes
	WriteTimeout       time.Duration // Write deadline per frame
	PingInterval       time.Duration // Server keepalive ping period (0 = off)
	PongTimeout        time.Duration // Read deadline, refreshed by any inbound frame (0 = off)
	OutboundQueueSize  int           // Frames queued ahead of the writer
	MaxFramesPerSecond float64       // Inbound token bucket rate (0 = unlimited)
	FrameBurst         int           // Inbound token bucket size
	MaxDecodeErrors    int           // Consecutive malformed frames before close (0 = unlimited)
	AllowedOrigins     []string      // Empty or "*" allows every origin
	HandshakeTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReadLimit:          64 * 1024,
		WriteTimeout:       5 * time.Second,
		PingInterval:       30 * time.Second,
		PongTimeout:        60 * time.Second,
		OutboundQueueSize:  256,
		MaxFramesPerSecond: 50,
		FrameBurst:         100,
		MaxDecodeErrors:    10,
		HandshakeTimeout:   10 * time.Second,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	ActiveSessions int    `json:"active_sessions"`
	TotalSessions  uint64 `json:"total_sessions"`
	Subscriptions  int    `json:"subscriptions"`
}

// SessionInfo describes one connected client.
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Rooms       []string  `json:"rooms"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Envelope is a frame received by Client: either a room message or an
// error report.
type Envelope struct {
	Room       string
	Data       string
	Error      string
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a relay client.
type ClientConfig struct {
	URL          string        // Relay WebSocket URL (e.g., ws://localhost:8081/ws)
	PingTimeout  time.Duration // Max time without a server ping before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Envelope channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:          "ws://127.0.0.1:8081/ws",
		PingTimeout:  90 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}
