package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus. Publishes are serialized, so every subscriber
// of a channel observes the same order. It also lets tests inject failures.
type Memory struct {
	mu           sync.Mutex
	subs         map[string]map[*memorySub]struct{}
	closed       bool
	subscribeErr error
	bufferSize   int

	published int64
}

type memorySub struct {
	*subscription
	channel string
	inbox   chan string
	kill    chan error
}

// NewMemory creates an empty in-process bus.
func NewMemory(bufferSize int) *Memory {
	if bufferSize < 1 {
		bufferSize = DefaultConfig().BufferSize
	}
	return &Memory{
		subs:       make(map[string]map[*memorySub]struct{}),
		bufferSize: bufferSize,
	}
}

// Publish delivers payload to every current subscriber of channel.
func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.published++

	for sub := range m.subs[channel] {
		select {
		case sub.inbox <- payload:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber on channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	sub := &memorySub{
		channel: channel,
		inbox:   make(chan string, m.bufferSize),
		kill:    make(chan error, 1),
	}
	sub.subscription = newSubscription(m.bufferSize, func() error {
		m.remove(sub)
		return nil
	})

	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	sub.start(func(ctx context.Context) (string, error) {
		select {
		case payload := <-sub.inbox:
			return payload, nil
		case err := <-sub.kill:
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	return sub, nil
}

func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.channel)
		}
	}
}

// Ping fails once the bus is closed.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Disconnect(ErrClosed)
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// Published returns the number of Publish calls accepted.
func (m *Memory) Published() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// SetSubscribeError makes every Subscribe fail with err until reset with nil.
func (m *Memory) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Disconnect terminates every live subscription with cause, as a dropped
// bus connection would.
func (m *Memory) Disconnect(cause error) {
	m.mu.Lock()
	var victims []*memorySub
	for _, set := range m.subs {
		for sub := range set {
			victims = append(victims, sub)
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, sub := range victims {
		select {
		case sub.kill <- cause:
		default:
		}
	}
}
