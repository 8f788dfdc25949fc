package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/room"
)

type relayHarness struct {
	bus      *bus.Memory
	registry room.Registry
	mgr      Manager
	server   *httptest.Server
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.MaxFramesPerSecond = 0
	return cfg
}

func newHarness(t *testing.T, cfg Config) *relayHarness {
	t.Helper()

	b := bus.NewMemory(64)
	reg := room.NewRegistry(room.DefaultConfig(), b, nil, nil)
	mgr := NewManager(cfg, reg, nil, nil)
	srv := httptest.NewServer(mgr)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Stop(ctx)
		srv.Close()
		reg.Close(ctx)
		b.Close()
	})

	return &relayHarness{bus: b, registry: reg, mgr: mgr, server: srv}
}

func (h *relayHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *relayHarness) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "subscriber count", func() bool {
		return h.registry.Stats().Subscribers == n
	})
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

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func subscribeFrame(room string) string {
	return `{"type":"SUBSCRIBE","payload":{"room":"` + room + `"}}`
}

func unsubscribeFrame(room string) string {
	return `{"type":"UNSUBSCRIBE","payload":{"room":"` + room + `"}}`
}

func messageFrame(room, msg string) string {
	return `{"type":"SEND_MESSAGE","payload":{"room":"` + room + `","message":"` + msg + `"}}`
}

// wireEnvelope covers both server frame shapes.
type wireEnvelope struct {
	Room  string `json:"room"`
	Data  string `json:"data"`
	Error string `json:"error"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return env
}

// expectSilence must be the last read on conn: a timed-out read breaks it.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("unexpected frame %s", data)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			t.Logf("frame before close: %s", data)
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Errorf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func TestSession_SubscribeAndReceive(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)
	b := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	send(t, b, subscribeFrame("btc"))
	h.waitSubscribers(t, 2)

	if got := h.bus.Subscribers("btc"); got != 1 {
		t.Errorf("bus subscribers = %d, want 1", got)
	}

	send(t, a, messageFrame("btc", "hello"))

	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b} {
		env := readEnvelope(t, conn)
		if env.Room != "btc" || env.Data != "hello" {
			t.Errorf("%s got %+v, want room btc data hello", name, env)
		}
	}
}

func TestSession_RoomIsolation(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)
	b := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	send(t, b, subscribeFrame("eth"))
	h.waitSubscribers(t, 2)

	send(t, a, messageFrame("btc", "only btc"))

	if env := readEnvelope(t, a); env.Room != "btc" || env.Data != "only btc" {
		t.Errorf("A got %+v, want room btc data %q", env, "only btc")
	}
	expectSilence(t, b)
}

func TestSession_TransportLossWhileStreaming(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streaming := make(chan struct{})
	go func() {
		defer close(streaming)
		for ctx.Err() == nil {
			h.bus.Publish(ctx, "btc", "tick")
			time.Sleep(time.Millisecond)
		}
	}()

	if env := readEnvelope(t, a); env.Room != "btc" {
		t.Fatalf("got %+v before drop, want a btc envelope", env)
	}

	// Drop the TCP connection without a close handshake.
	a.UnderlyingConn().Close()

	waitFor(t, "room release after transport loss", func() bool {
		return h.registry.Stats().Subscribers == 0 && len(h.registry.Rooms()) == 0
	})
	waitFor(t, "bus unsubscribe", func() bool {
		return h.bus.Subscribers("btc") == 0
	})
	waitFor(t, "session removal", func() bool {
		return h.mgr.Stats().ActiveSessions == 0
	})

	cancel()
	<-streaming
}

func TestSession_DeliveryOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	want := []string{"1", "2", "3", "4", "5"}
	for _, m := range want {
		send(t, a, messageFrame("btc", m))
	}
	for _, m := range want {
		if env := readEnvelope(t, a); env.Data != m {
			t.Errorf("Data = %q, want %q", env.Data, m)
		}
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)
	b := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	send(t, b, subscribeFrame("btc"))
	h.waitSubscribers(t, 2)

	send(t, a, unsubscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	send(t, b, messageFrame("btc", "x"))
	if env := readEnvelope(t, b); env.Data != "x" {
		t.Errorf("B Data = %q, want %q", env.Data, "x")
	}
	expectSilence(t, a)
}

func TestSession_LastUnsubscribeRemovesRoom(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	send(t, a, unsubscribeFrame("btc"))
	waitFor(t, "room removal", func() bool {
		return len(h.registry.Rooms()) == 0
	})

	if got := h.bus.Subscribers("btc"); got != 0 {
		t.Errorf("bus subscribers = %d, want 0", got)
	}
}

func TestSession_UnsubscribeUnknownRoom(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, unsubscribeFrame("never"))
	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	send(t, a, messageFrame("btc", "still here"))
	if env := readEnvelope(t, a); env.Data != "still here" {
		t.Errorf("Data = %q, want %q", env.Data, "still here")
	}
}

func TestSession_IdempotentSubscribe(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	send(t, a, subscribeFrame("btc"))
	send(t, a, messageFrame("btc", "once"))

	if env := readEnvelope(t, a); env.Data != "once" {
		t.Errorf("Data = %q, want %q", env.Data, "once")
	}
	if got := h.registry.Stats().Subscribers; got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}
	expectSilence(t, a)
}

func TestSession_MalformedFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"invalid json", `not json`},
		{"unknown type", `{"type":"JOIN","payload":{"room":"btc"}}`},
		{"missing payload", `{"type":"SUBSCRIBE"}`},
		{"empty room", `{"type":"SUBSCRIBE","payload":{"room":""}}`},
		{"missing message", `{"type":"SEND_MESSAGE","payload":{"room":"btc"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			a := h.dial(t)

			send(t, a, tt.frame)
			env := readEnvelope(t, a)
			if !strings.HasPrefix(env.Error, "Failed to parse message: ") {
				t.Errorf("Error = %q, want parse error", env.Error)
			}

			// The session keeps working.
			send(t, a, subscribeFrame("btc"))
			send(t, a, messageFrame("btc", "ok"))
			if env := readEnvelope(t, a); env.Data != "ok" {
				t.Errorf("Data = %q, want %q", env.Data, "ok")
			}
		})
	}
}

func TestSession_BinaryIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	if err := a.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	send(t, a, subscribeFrame("btc"))
	send(t, a, messageFrame("btc", "after binary"))

	if env := readEnvelope(t, a); env.Data != "after binary" {
		t.Errorf("Data = %q, want %q", env.Data, "after binary")
	}
}

func TestSession_SendWithoutSubscribing(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)
	b := h.dial(t)

	send(t, b, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	send(t, a, messageFrame("btc", "from outside"))
	if env := readEnvelope(t, b); env.Data != "from outside" {
		t.Errorf("Data = %q, want %q", env.Data, "from outside")
	}
	expectSilence(t, a)
}

func TestSession_RemotePublish(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	// Another relay process publishing straight to the bus.
	if err := h.bus.Publish(context.Background(), "btc", "remote"); err != nil {
		t.Fatalf("bus publish failed: %v", err)
	}
	if env := readEnvelope(t, a); env.Room != "btc" || env.Data != "remote" {
		t.Errorf("got %+v, want room btc data remote", env)
	}
}

func TestSession_SubscribeFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.bus.SetSubscribeError(errors.New("bus unreachable"))
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	env := readEnvelope(t, a)
	if !strings.HasPrefix(env.Error, "Failed to subscribe to room 'btc': ") {
		t.Errorf("Error = %q, want subscribe failure", env.Error)
	}
	if got := len(h.registry.Rooms()); got != 0 {
		t.Errorf("rooms = %d, want 0", got)
	}

	// A later attempt succeeds once the bus recovers.
	h.bus.SetSubscribeError(nil)
	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)
}

func TestSession_DisconnectReleasesRooms(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)
	b := h.dial(t)

	for _, r := range []string{"r1", "r2", "r3"} {
		send(t, a, subscribeFrame(r))
	}
	send(t, b, subscribeFrame("r1"))
	h.waitSubscribers(t, 4)

	a.Close()

	waitFor(t, "rooms released", func() bool {
		return h.registry.Stats().Subscribers == 1
	})
	if got := len(h.registry.Rooms()); got != 1 {
		t.Errorf("rooms = %d, want 1", got)
	}
	for _, r := range []string{"r2", "r3"} {
		if got := h.bus.Subscribers(r); got != 0 {
			t.Errorf("bus subscribers on %s = %d, want 0", r, got)
		}
	}
	waitFor(t, "session removal", func() bool {
		return h.mgr.Stats().ActiveSessions == 1
	})
}

func TestSession_CloseHandshake(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := a.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("write close failed: %v", err)
	}

	expectClose(t, a, websocket.CloseNormalClosure)
	waitFor(t, "room removal", func() bool {
		return len(h.registry.Rooms()) == 0
	})
}

func TestSession_PingPong(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	pong := make(chan string, 1)
	a.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})

	if err := a.WriteMessage(websocket.PingMessage, []byte("are you there")); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}

	// Pong handlers run inside ReadMessage.
	go func() {
		a.SetReadDeadline(time.Now().Add(time.Second))
		a.ReadMessage()
	}()

	select {
	case got := <-pong:
		if got != "are you there" {
			t.Errorf("pong payload = %q, want %q", got, "are you there")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pong")
	}
}

func TestSession_KeepalivePing(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	h := newHarness(t, cfg)
	a := h.dial(t)

	ping := make(chan struct{}, 1)
	a.SetPingHandler(func(string) error {
		select {
		case ping <- struct{}{}:
		default:
		}
		return nil
	})

	go func() {
		a.SetReadDeadline(time.Now().Add(time.Second))
		a.ReadMessage()
	}()

	select {
	case <-ping:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for keepalive ping")
	}
}

func TestSession_MaxDecodeErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDecodeErrors = 2
	h := newHarness(t, cfg)
	a := h.dial(t)

	send(t, a, `nope`)
	send(t, a, `still nope`)

	for i := 0; i < 2; i++ {
		if env := readEnvelope(t, a); env.Error == "" {
			t.Errorf("frame %d: want error envelope, got %+v", i, env)
		}
	}
	expectClose(t, a, websocket.ClosePolicyViolation)
}

func TestSession_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFramesPerSecond = 1
	cfg.FrameBurst = 1
	h := newHarness(t, cfg)
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	send(t, a, subscribeFrame("eth"))

	env := readEnvelope(t, a)
	if env.Error != msgRateLimited {
		t.Errorf("Error = %q, want %q", env.Error, msgRateLimited)
	}
	expectClose(t, a, websocket.ClosePolicyViolation)

	waitFor(t, "rooms released", func() bool {
		return len(h.registry.Rooms()) == 0
	})
}

func TestManager_Stop(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)

	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	expectClose(t, a, websocket.CloseGoingAway)
	if got := len(h.registry.Rooms()); got != 0 {
		t.Errorf("rooms after Stop = %d, want 0", got)
	}

	// New clients are turned away.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h.server), nil)
	if err == nil {
		t.Fatal("dial after Stop succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("dial after Stop response = %v, want 503", resp)
	}
}

func TestManager_Sessions(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.dial(t)
	h.dial(t)

	send(t, a, subscribeFrame("eth"))
	send(t, a, subscribeFrame("btc"))
	h.waitSubscribers(t, 2)

	waitFor(t, "sessions", func() bool {
		return h.mgr.Stats().ActiveSessions == 2
	})

	st := h.mgr.Stats()
	if st.Subscriptions != 2 {
		t.Errorf("Subscriptions = %d, want 2", st.Subscriptions)
	}
	if st.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", st.TotalSessions)
	}

	var withRooms *SessionInfo
	for _, s := range h.mgr.Sessions() {
		if len(s.Rooms) > 0 {
			s := s
			withRooms = &s
		}
	}
	if withRooms == nil {
		t.Fatal("no session with rooms")
	}
	if strings.Join(withRooms.Rooms, ",") != "btc,eth" {
		t.Errorf("Rooms = %v, want [btc eth]", withRooms.Rooms)
	}
	if withRooms.ID == "" {
		t.Error("session ID is empty")
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(r); got != tt.want {
				t.Errorf("originChecker(%v)(%q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}
