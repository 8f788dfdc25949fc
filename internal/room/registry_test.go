package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/fanout"
)

func newTestRegistry(t *testing.T, cfg Config) (*registryImpl, *bus.Memory) {
	t.Helper()

	b := bus.NewMemory(16)
	r := newRegistry(cfg, b, nil, nil)
	t.Cleanup(func() {
		r.Close(context.Background())
		b.Close()
	})
	return r, b
}

func recvWithin(t *testing.T, rx *fanout.Receiver[string]) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rx.Recv(ctx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestAcquire_EmptyRoom(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	if _, _, err := r.Acquire(context.Background(), ""); !errors.Is(err, ErrEmptyRoom) {
		t.Errorf("Acquire(\"\") error = %v, want ErrEmptyRoom", err)
	}
}

func TestAcquire_CreateAndJoin(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	rxA, created, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !created {
		t.Error("first Acquire created = false, want true")
	}

	rxB, created, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if created {
		t.Error("second Acquire created = true, want false")
	}

	if got := r.state.count("btc"); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	if got := b.Subscribers("btc"); got != 1 {
		t.Errorf("bus subscribers = %d, want 1", got)
	}

	if err := r.Publish(ctx, "btc", "hello"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for name, rx := range map[string]*fanout.Receiver[string]{"A": rxA, "B": rxB} {
		got, err := recvWithin(t, rx)
		if err != nil {
			t.Fatalf("%s Recv() error = %v", name, err)
		}
		if got != "hello" {
			t.Errorf("%s Recv() = %q, want %q", name, got, "hello")
		}
	}
}

func TestRelease_RemovesAtZero(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	rxA, _, _ := r.Acquire(ctx, "btc")
	rxB, _, _ := r.Acquire(ctx, "btc")

	rxA.Close()
	r.Release("btc")
	if got := r.state.count("btc"); got != 1 {
		t.Errorf("count after one release = %d, want 1", got)
	}
	if got := b.Subscribers("btc"); got != 1 {
		t.Errorf("bus subscribers = %d, want 1", got)
	}

	r.Release("btc")
	if got := len(r.Rooms()); got != 0 {
		t.Errorf("len(Rooms()) = %d, want 0", got)
	}
	if got := b.Subscribers("btc"); got != 0 {
		t.Errorf("bus subscribers after last release = %d, want 0", got)
	}

	if _, err := recvWithin(t, rxB); !errors.Is(err, fanout.ErrClosed) {
		t.Errorf("Recv() after removal error = %v, want fanout.ErrClosed", err)
	}

	st := r.Stats()
	if st.RoomsCreated != 1 || st.RoomsRemoved != 1 {
		t.Errorf("Stats() created/removed = %d/%d, want 1/1", st.RoomsCreated, st.RoomsRemoved)
	}
}

func TestRelease_UnknownRoom(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	r.Release("nope")

	if got := len(r.Rooms()); got != 0 {
		t.Errorf("len(Rooms()) = %d, want 0", got)
	}
}

func TestRelease_Recreate(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	rx, _, _ := r.Acquire(ctx, "btc")
	rx.Close()
	r.Release("btc")

	rx, created, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer rx.Close()
	if !created {
		t.Error("Acquire after removal created = false, want true")
	}
	if got := b.Subscribers("btc"); got != 1 {
		t.Errorf("bus subscribers = %d, want 1", got)
	}
}

func TestAcquire_SubscribeFailure(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	injected := errors.New("bus unreachable")
	b.SetSubscribeError(injected)

	rx, _, err := r.Acquire(ctx, "btc")
	if !errors.Is(err, injected) {
		t.Fatalf("Acquire() error = %v, want %v", err, injected)
	}
	if rx != nil {
		t.Error("Acquire() returned a receiver on failure")
	}
	if got := len(r.Rooms()); got != 0 {
		t.Errorf("len(Rooms()) = %d, want 0", got)
	}

	b.SetSubscribeError(nil)
	if _, created, err := r.Acquire(ctx, "btc"); err != nil || !created {
		t.Errorf("Acquire() after recovery = (created %v, err %v), want (true, nil)", created, err)
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := r.Acquire(ctx, "btc")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if c {
				created++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("Acquire() errors: %v", errs)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if got := r.state.count("btc"); got != n {
		t.Errorf("count = %d, want %d", got, n)
	}
	if got := b.Subscribers("btc"); got != 1 {
		t.Errorf("bus subscribers = %d, want 1", got)
	}

	for i := 0; i < n; i++ {
		r.Release("btc")
	}
	if got := len(r.Rooms()); got != 0 {
		t.Errorf("len(Rooms()) = %d, want 0", got)
	}
}

func TestBridge_BusFailureLeavesRoomStale(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	rx, _, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	b.Disconnect(errors.New("connection reset"))

	waitFor(t, "bridge to stop", func() bool {
		rooms := r.Rooms()
		return len(rooms) == 1 && !rooms[0].BridgeRunning
	})

	if got := r.Stats().BridgeFailures; got != 1 {
		t.Errorf("BridgeFailures = %d, want 1", got)
	}
	// The room stays until its subscribers leave.
	if got := r.state.count("btc"); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	rx.Close()
	r.Release("btc")

	rx, created, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer rx.Close()
	if !created {
		t.Error("Acquire after stale removal created = false, want true")
	}
	if rooms := r.Rooms(); len(rooms) != 1 || !rooms[0].BridgeRunning {
		t.Errorf("Rooms() = %+v, want one running bridge", rooms)
	}
}

func TestPublish_UsesChannelPrefix(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ChannelPrefix = "relay:"
	r, b := newTestRegistry(t, cfg)

	rx, _, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer rx.Close()

	if got := b.Subscribers("relay:btc"); got != 1 {
		t.Errorf("bus subscribers on relay:btc = %d, want 1", got)
	}

	// A publish from another process lands on the prefixed channel.
	if err := b.Publish(ctx, "relay:btc", "remote"); err != nil {
		t.Fatalf("bus Publish() error = %v", err)
	}
	got, err := recvWithin(t, rx)
	if err != nil || got != "remote" {
		t.Errorf("Recv() = (%q, %v), want (%q, nil)", got, err, "remote")
	}

	info := r.Rooms()[0]
	if info.ChannelKey != "relay:btc" {
		t.Errorf("ChannelKey = %q, want %q", info.ChannelKey, "relay:btc")
	}
}

func TestPublish_NoLocalSubscribers(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	if err := r.Publish(ctx, "btc", "x"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := b.Published(); got != 1 {
		t.Errorf("bus Published() = %d, want 1", got)
	}
	if got := r.Stats().Published; got != 1 {
		t.Errorf("Stats().Published = %d, want 1", got)
	}
}

func TestPublish_BusError(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())
	b.Close()

	if err := r.Publish(ctx, "btc", "x"); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Publish() error = %v, want bus.ErrClosed", err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	r, b := newTestRegistry(t, DefaultConfig())

	rxA, _, _ := r.Acquire(ctx, "btc")
	rxB, _, _ := r.Acquire(ctx, "eth")

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, rx := range []*fanout.Receiver[string]{rxA, rxB} {
		if _, err := recvWithin(t, rx); !errors.Is(err, fanout.ErrClosed) {
			t.Errorf("Recv() after Close error = %v, want fanout.ErrClosed", err)
		}
	}
	if got := b.Subscribers("btc") + b.Subscribers("eth"); got != 0 {
		t.Errorf("bus subscribers after Close = %d, want 0", got)
	}
	if _, _, err := r.Acquire(ctx, "btc"); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after Close error = %v, want ErrClosed", err)
	}

	// Releases racing with Close are harmless.
	r.Release("btc")
}

func TestRooms_ReportsChannelCounters(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ChannelCapacity = 2
	r, _ := newTestRegistry(t, cfg)

	rx, _, err := r.Acquire(ctx, "btc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer rx.Close()

	for i := 0; i < 5; i++ {
		if err := r.Publish(ctx, "btc", "tick"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	waitFor(t, "bridged messages", func() bool {
		rooms := r.Rooms()
		return len(rooms) == 1 && rooms[0].Messages == 5
	})

	_, err = recvWithin(t, rx)
	if n, ok := fanout.IsLag(err); !ok || n != 3 {
		t.Fatalf("Recv() error = %v, want lag of 3", err)
	}

	info := r.Rooms()[0]
	if info.Messages != 5 {
		t.Errorf("Messages = %d, want 5", info.Messages)
	}
	if info.Lagged != 3 {
		t.Errorf("Lagged = %d, want 3", info.Lagged)
	}
}

// gatedBus holds every Subscribe until gate is closed.
type gatedBus struct {
	*bus.Memory
	gate chan struct{}
}

func (g *gatedBus) Subscribe(ctx context.Context, channel string) (bus.Subscription, error) {
	<-g.gate
	return g.Memory.Subscribe(ctx, channel)
}

func TestAcquire_CancelledDuringCreate(t *testing.T) {
	mem := bus.NewMemory(16)
	gb := &gatedBus{Memory: mem, gate: make(chan struct{})}

	cfg := DefaultConfig()
	cfg.SubscribeTimeout = time.Minute
	r := newRegistry(cfg, gb, nil, nil)
	t.Cleanup(func() {
		r.Close(context.Background())
		mem.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := r.Acquire(ctx, "btc")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Acquire() returned after %v, want it to follow the caller's context", elapsed)
	}

	close(gb.gate)

	waitFor(t, "abandoned room removed", func() bool {
		return r.Stats().Rooms == 0 && r.Stats().RoomsRemoved == 1
	})
	waitFor(t, "bus unsubscribe", func() bool {
		return mem.Subscribers("btc") == 0
	})

	if _, created, err := r.Acquire(context.Background(), "btc"); err != nil || !created {
		t.Errorf("Acquire() after abandon = (created %v, err %v), want (true, nil)", created, err)
	}
}
