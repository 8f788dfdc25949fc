package bus

import (
	"context"
	"fmt"
	"sync"
)

// subscription is the Subscription shared by every backend. A single pump
// goroutine owns the output channel and is the only one that closes it.
type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	out      chan string
	finished chan struct{}

	closeOnce   sync.Once
	closeErr    error
	unsubscribe func() error

	mu  sync.Mutex
	err error
}

func newSubscription(bufferSize int, unsubscribe func() error) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		ctx:         ctx,
		cancel:      cancel,
		out:         make(chan string, bufferSize),
		finished:    make(chan struct{}),
		unsubscribe: unsubscribe,
	}
}

// Messages returns the payload stream.
func (s *subscription) Messages() <-chan string {
	return s.out
}

// Err returns the terminal error, nil after an owner Close.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and waits for the pump to exit.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.unsubscribe != nil {
			s.closeErr = s.unsubscribe()
		}
	})
	<-s.finished
	return s.closeErr
}

// start launches the pump. next blocks until the backend yields a payload or
// fails; it must return promptly once ctx is done.
func (s *subscription) start(next func(ctx context.Context) (string, error)) {
	go s.pump(next)
}

func (s *subscription) pump(next func(ctx context.Context) (string, error)) {
	var terminal error
	defer func() {
		s.mu.Lock()
		s.err = terminal
		s.mu.Unlock()
		close(s.out)
		close(s.finished)
	}()

	for {
		payload, err := next(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				terminal = fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			return
		}

		select {
		case s.out <- payload:
		case <-s.ctx.Done():
			return
		}
	}
}
