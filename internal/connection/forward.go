package connection

import (
	"context"
	"errors"

	"github.com/rickgao/roomrelay/internal/fanout"
	"github.com/rickgao/roomrelay/internal/protocol"
)

// forwarder is the forwarding task for one (session, room) subscription.
type forwarder struct {
	room   string
	rx     *fanout.Receiver[string]
	cancel context.CancelFunc
	done   chan struct{}
}

// forward copies room messages to the client until cancelled, the room
// closes, or a write fails.
func (s *Session) forward(ctx context.Context, f *forwarder) {
	defer close(f.done)
	defer f.rx.Close()

	logger := s.logger.With("room", f.room)

	for {
		payload, err := f.rx.Recv(ctx)
		if err != nil {
			if n, ok := fanout.IsLag(err); ok {
				logger.Warn("client lagged, messages dropped", "skipped", n)
				s.metrics.Lagged(n)
				continue
			}
			if errors.Is(err, fanout.ErrClosed) {
				logger.Debug("room channel closed")
			}
			return
		}

		data, err := protocol.EncodeServerMessage(f.room, payload)
		if err != nil {
			logger.Error("failed to encode server message", "error", err)
			continue
		}

		if err := s.out.Send(ctx, data); err != nil {
			if ctx.Err() == nil {
				logger.Debug("forwarding stopped, write failed", "error", err)
			}
			return
		}
		s.metrics.Delivered()
	}
}
