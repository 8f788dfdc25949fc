package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/fanout"
	"github.com/rickgao/roomrelay/internal/metrics"
)

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg     Config
	bus     bus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	state *registryState
	group singleflight.Group

	// Bridges live under ctx, not under the context of the Acquire call
	// that happened to start them.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a Room Registry on top of b.
func NewRegistry(cfg Config, b bus.Bus, logger *slog.Logger, m *metrics.Metrics) Registry {
	return newRegistry(cfg, b, logger, m)
}

func newRegistry(cfg Config, b bus.Bus, logger *slog.Logger, m *metrics.Metrics) *registryImpl {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChannelCapacity < 1 {
		cfg.ChannelCapacity = fanout.DefaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &registryImpl{
		cfg:     cfg,
		bus:     b,
		logger:  logger,
		metrics: m,
		state:   newState(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Acquire adds one subscriber to room.
func (r *registryImpl) Acquire(ctx context.Context, room string) (*fanout.Receiver[string], bool, error) {
	if room == "" {
		return nil, false, ErrEmptyRoom
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		if rx, ok, err := r.join(room); err != nil || ok {
			return rx, false, err
		}

		resCh := r.group.DoChan(room, func() (any, error) {
			return r.create(room)
		})

		var res singleflight.Result
		select {
		case res = <-resCh:
		case <-ctx.Done():
			go r.abandon(room, resCh)
			return nil, false, ctx.Err()
		}
		if res.Err != nil {
			return nil, false, res.Err
		}

		e := res.Val.(*roomEntry)
		if e.claimed.CompareAndSwap(false, true) {
			return e.firstRx, true, nil
		}
		// Another caller owns the creating slot; join as a regular subscriber.
	}
}

// abandon waits out a create whose caller gave up. If nobody else claimed
// the entry's first receiver, it is closed and its count released, so the
// room does not outlive its subscribers.
func (r *registryImpl) abandon(room string, resCh <-chan singleflight.Result) {
	res := <-resCh
	if res.Err != nil {
		return
	}
	e := res.Val.(*roomEntry)
	if e.claimed.CompareAndSwap(false, true) {
		e.firstRx.Close()
		r.Release(room)
		r.logger.Debug("abandoned room subscription released", "room", room)
	}
}

// join increments an existing room. ok is false if the room does not exist.
func (r *registryImpl) join(room string) (*fanout.Receiver[string], bool, error) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()

	if r.state.closed {
		return nil, false, ErrClosed
	}
	e, exists := r.state.rooms[room]
	if !exists {
		return nil, false, nil
	}
	e.count++
	return e.channel.Subscribe(), true, nil
}

// create starts a bridge for room and inserts it with count 1. It runs at
// most once per room at a time.
func (r *registryImpl) create(room string) (*roomEntry, error) {
	r.state.mu.Lock()
	if r.state.closed {
		r.state.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.state.rooms[room]; ok {
		// Created between join and Do.
		r.state.mu.Unlock()
		return e, nil
	}
	r.state.mu.Unlock()

	key := bus.ChannelKey(r.cfg.ChannelPrefix, room)
	logger := r.logger.With("room", room)

	ch := fanout.New[string](r.cfg.ChannelCapacity)
	firstRx := ch.Subscribe()

	subCtx := r.ctx
	if r.cfg.SubscribeTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(r.ctx, r.cfg.SubscribeTimeout)
		defer cancel()
	}

	br, err := startBridge(subCtx, r.bus, key, ch, logger, r.metrics, func(error) {
		r.state.mu.Lock()
		r.state.failures++
		r.state.mu.Unlock()
	})
	if err != nil {
		ch.Close()
		r.metrics.SubscribeFailed()
		logger.Warn("room bridge failed to start", "error", err)
		return nil, err
	}

	e := &roomEntry{
		name:      room,
		key:       key,
		channel:   ch,
		bridge:    br,
		count:     1,
		createdAt: time.Now(),
		firstRx:   firstRx,
	}

	r.state.mu.Lock()
	if r.state.closed {
		r.state.mu.Unlock()
		br.stop()
		ch.Close()
		return nil, ErrClosed
	}
	r.state.rooms[room] = e
	r.state.created++
	r.state.mu.Unlock()

	r.metrics.RoomOpened()
	logger.Info("room created", "channel", key)
	return e, nil
}

// Release drops one subscriber from room.
func (r *registryImpl) Release(room string) {
	r.state.mu.Lock()
	e, ok := r.state.rooms[room]
	if !ok {
		r.state.mu.Unlock()
		r.logger.Info("release of unknown room ignored", "room", room)
		return
	}

	e.count--
	if e.count > 0 {
		r.state.mu.Unlock()
		return
	}

	delete(r.state.rooms, room)
	r.state.removed++
	r.state.mu.Unlock()

	r.destroy(e)
	r.logger.Info("room removed", "room", room)
}

// destroy stops the bridge and closes the fan-out channel.
func (r *registryImpl) destroy(e *roomEntry) {
	e.bridge.stop()
	e.channel.Close()
	r.metrics.RoomClosed()
}

// Publish sends payload to room through the bus.
func (r *registryImpl) Publish(ctx context.Context, room, payload string) error {
	if room == "" {
		return ErrEmptyRoom
	}

	if r.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PublishTimeout)
		defer cancel()
	}

	key := bus.ChannelKey(r.cfg.ChannelPrefix, room)
	if err := r.bus.Publish(ctx, key, payload); err != nil {
		r.metrics.PublishFailed()
		return fmt.Errorf("publish to room '%s': %w", room, err)
	}

	r.state.mu.Lock()
	r.state.published++
	r.state.mu.Unlock()
	r.metrics.Published()
	return nil
}

// Rooms returns a snapshot of every room.
func (r *registryImpl) Rooms() []Info {
	return r.state.snapshot()
}

// Stats returns registry-wide counters.
func (r *registryImpl) Stats() Stats {
	return r.state.stats()
}

// Close stops every bridge. Receivers see ErrClosed once drained.
func (r *registryImpl) Close(ctx context.Context) error {
	r.state.mu.Lock()
	if r.state.closed {
		r.state.mu.Unlock()
		return nil
	}
	r.state.closed = true
	entries := make([]*roomEntry, 0, len(r.state.rooms))
	for name, e := range r.state.rooms {
		entries = append(entries, e)
		delete(r.state.rooms, name)
	}
	r.state.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e *roomEntry) {
				defer wg.Done()
				r.destroy(e)
			}(e)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("room registry stopped", "rooms", len(entries))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
