package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	kind int
	data []byte
}

// outbound is the single writer for one connection. Every frame, control
// frames included, goes through its queue, so at most one write is in
// flight and frames from one producer leave in the order they were queued.
type outbound struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	queue chan frame

	// closing is closed once a close frame is queued; dead once the
	// writer goroutine has exited.
	closing   chan struct{}
	closeOnce sync.Once
	dead      chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func newOutbound(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *outbound {
	if queueSize < 1 {
		queueSize = 1
	}
	return &outbound{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		queue:        make(chan frame, queueSize),
		closing:      make(chan struct{}),
		dead:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
}

// run writes queued frames until a close frame is written or a write fails.
// A failed write closes the connection so the read side notices.
func (o *outbound) run() {
	defer close(o.dead)

	for {
		var f frame
		select {
		case f = <-o.queue:
		case <-o.stop:
			return
		}

		if o.writeTimeout > 0 {
			o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		}
		if err := o.conn.WriteMessage(f.kind, f.data); err != nil {
			o.mu.Lock()
			o.err = err
			o.mu.Unlock()
			o.logger.Debug("write failed", "error", err)
			o.conn.Close()
			return
		}
		if f.kind == websocket.CloseMessage {
			return
		}
	}
}

// Send queues a text frame, blocking while the queue is full.
func (o *outbound) Send(ctx context.Context, data []byte) error {
	return o.enqueue(ctx, frame{kind: websocket.TextMessage, data: data})
}

// control queues a ping or pong frame.
func (o *outbound) control(kind int, data []byte) error {
	return o.enqueue(context.Background(), frame{kind: kind, data: data})
}

func (o *outbound) enqueue(ctx context.Context, f frame) error {
	select {
	case <-o.dead:
		return ErrWriterClosed
	case <-o.closing:
		return ErrWriterClosed
	default:
	}

	select {
	case o.queue <- f:
		return nil
	case <-o.dead:
		return ErrWriterClosed
	case <-o.closing:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close queues a close frame behind everything already queued, waits up to
// timeout for the writer to flush it, then stops the writer.
func (o *outbound) close(code int, text string, timeout time.Duration) {
	o.closeOnce.Do(func() {
		close(o.closing)

		msg := websocket.FormatCloseMessage(code, text)
		select {
		case o.queue <- frame{kind: websocket.CloseMessage, data: msg}:
		case <-o.dead:
		case <-time.After(timeout):
		}
	})

	select {
	case <-o.dead:
	case <-time.After(timeout):
		o.logger.Debug("writer did not drain before close")
	}

	o.stopOnce.Do(func() { close(o.stop) })
	<-o.dead
}

// Err returns the write error that stopped the writer, if any.
func (o *outbound) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done is closed when the writer has exited.
func (o *outbound) Done() <-chan struct{} {
	return o.dead
}
