package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/fanout"
	"github.com/rickgao/roomrelay/internal/metrics"
)

// bridge pumps one bus subscription into a room's fan-out channel.
type bridge struct {
	key     string
	sub     bus.Subscription
	channel *fanout.Channel[string]
	logger  *slog.Logger
	metrics *metrics.Metrics

	// onFailure runs once if the bus ends the subscription.
	onFailure func(err error)

	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// startBridge subscribes to key and begins forwarding. It returns only after
// the bus confirmed the subscription.
func startBridge(ctx context.Context, b bus.Bus, key string, ch *fanout.Channel[string], logger *slog.Logger, m *metrics.Metrics, onFailure func(error)) (*bridge, error) {
	sub, err := b.Subscribe(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("subscribe to channel '%s': %w", key, err)
	}

	br := &bridge{
		key:       key,
		sub:       sub,
		channel:   ch,
		logger:    logger,
		metrics:   m,
		onFailure: onFailure,
		done:      make(chan struct{}),
	}
	br.running.Store(true)
	m.BridgeStarted()

	go br.run()

	logger.Debug("bridge started", "channel", key)
	return br, nil
}

func (br *bridge) run() {
	defer close(br.done)
	defer func() {
		br.running.Store(false)
		br.metrics.BridgeStopped()
	}()

	for payload := range br.sub.Messages() {
		br.channel.Send(payload)
	}

	if br.stopping.Load() {
		return
	}
	if err := br.sub.Err(); err != nil {
		br.logger.Warn("bridge stopped by bus", "channel", br.key, "error", err)
		br.metrics.BridgeFailed()
		if br.onFailure != nil {
			br.onFailure(err)
		}
	}
}

// stop unsubscribes and waits for the forwarding goroutine. Safe to call
// more than once.
func (br *bridge) stop() {
	br.stopOnce.Do(func() {
		br.stopping.Store(true)
		if err := br.sub.Close(); err != nil {
			br.logger.Warn("unsubscribe failed", "channel", br.key, "error", err)
		}
		<-br.done
		br.logger.Debug("bridge stopped", "channel", br.key)
	})
}

// isRunning reports whether the bridge is still forwarding.
func (br *bridge) isRunning() bool {
	return br.running.Load()
}
