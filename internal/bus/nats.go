package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATS is a Bus backed by NATS core subjects. Room channel keys are used as
// subjects verbatim.
type NATS struct {
	conn       *nats.Conn
	bufferSize int
	logger     *slog.Logger

	// closed is closed by the connection's ClosedHandler, ending every
	// subscription with ErrDisconnected.
	closed chan struct{}
}

// NewNATS connects to the NATS server at cfg.URL.
func NewNATS(cfg NATSConfig, bufferSize int, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &NATS{
		bufferSize: bufferSize,
		logger:     logger,
		closed:     make(chan struct{}),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(b.closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	b.conn = conn

	logger.Debug("nats bus connected", "url", conn.ConnectedUrl())
	return b, nil
}

// Publish sends payload on the subject named channel.
func (b *NATS) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(channel, []byte(payload)); err != nil {
		return fmt.Errorf("publish to nats subject '%s': %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to the subject named channel and flushes so the
// server has registered interest before returning.
func (b *NATS) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	msgs := make(chan *nats.Msg, b.bufferSize)
	natsSub, err := b.conn.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to nats subject '%s': %w", channel, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		natsSub.Unsubscribe()
		return nil, fmt.Errorf("flush nats subscription '%s': %w", channel, err)
	}

	sub := newSubscription(b.bufferSize, func() error {
		err := natsSub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil
		}
		return err
	})
	sub.start(func(ctx context.Context) (string, error) {
		select {
		case msg := <-msgs:
			return string(msg.Data), nil
		case <-b.closed:
			return "", nats.ErrConnectionClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	return sub, nil
}

// Ping round-trips to the server.
func (b *NATS) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return ErrDisconnected
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains nothing and closes the connection.
func (b *NATS) Close() error {
	b.conn.Close()
	return nil
}
