package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wsFrame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	mu      sync.Mutex
	writes  []wsFrame
	inbound chan wsFrame
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wsFrame, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection reset")
	}
	return frame.messageType, frame.data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, wsFrame{messageType, data})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type fakeDialer struct {
	mu        sync.Mutex
	urls      []string
	conns     []*fakeConn
	fail      bool
	failFirst int
}

func (d *fakeDialer) dial(rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.fail {
		return nil, errors.New("dial refused")
	}
	if d.failFirst > 0 {
		d.failFirst--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:8000", "localhost:8000"},
		{"ws://localhost:8000", "localhost:8000"},
		{"wss://agent.example.com/", "agent.example.com"},
		{"http://agent.example.com:9000", "agent.example.com:9000"},
		{"https://agent.example.com", "agent.example.com"},
		{"  agent.example.com/  ", "agent.example.com"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeHost(tc.in); got != tc.want {
			t.Errorf("normalizeHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestManagerConnectBuildsURL(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(Options{Dialer: dialer.dial, Logger: zap.NewNop()})

	m.Connect("https://agent.example.com:9000", "user-1", "sess-1")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	want := "ws://agent.example.com:9000/ws/user-1/sess-1"
	if m.URL() != want {
		t.Errorf("URL = %q, want %q", m.URL(), want)
	}

	secure := NewManager(Options{Dialer: dialer.dial, Secure: true, Logger: zap.NewNop()})
	secure.Connect("agent.example.com", "u", "s")
	waitFor(t, "secure connected", func() bool { return secure.State() == StateConnected })
	if got, want := secure.URL(), "wss://agent.example.com/ws/u/s"; got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestManagerDropsSendsWhenNotOpen(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(Options{Dialer: dialer.dial, Logger: zap.NewNop()})

	// No connection yet: both sends must be silent no-ops.
	m.SendBinary([]byte{1, 2, 3})
	m.SendText("hello")

	m.Connect("localhost:8000", "u", "s")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	m.SendBinary([]byte{1, 2})
	m.SendText("hi")
	conn := dialer.lastConn()
	waitFor(t, "writes", func() bool { return conn.writeCount() == 2 })

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.writes[0].messageType != websocket.BinaryMessage {
		t.Errorf("first write type = %d, want binary", conn.writes[0].messageType)
	}
	if conn.writes[1].messageType != websocket.TextMessage {
		t.Errorf("second write type = %d, want text", conn.writes[1].messageType)
	}
	if got, want := string(conn.writes[1].data), `{"type":"text","text":"hi"}`; got != want {
		t.Errorf("text frame = %s, want %s", got, want)
	}
}

func TestManagerDeliversTextFramesInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(Options{Dialer: dialer.dial, Logger: zap.NewNop()})

	var mu sync.Mutex
	var got []string
	m.SetHandlers(Handlers{OnMessage: func(text []byte) {
		mu.Lock()
		got = append(got, string(text))
		mu.Unlock()
	}})

	m.Connect("localhost:8000", "u", "s")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	conn := dialer.lastConn()
	conn.inbound <- wsFrame{websocket.TextMessage, []byte("one")}
	conn.inbound <- wsFrame{websocket.BinaryMessage, []byte{9}}
	conn.inbound <- wsFrame{websocket.TextMessage, []byte("two")}

	waitFor(t, "messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "one" || got[1] != "two" {
		t.Errorf("messages = %v, want [one two]", got)
	}
}

func TestManagerReconnectsAfterUnexpectedClose(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := NewManager(Options{Dialer: dialer.dial, Clock: mock, Logger: zap.NewNop()})

	m.Connect("localhost:8000", "u", "s")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	dialer.lastConn().Close()
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	mock.Add(DefaultReconnectDelay)
	waitFor(t, "re-dial", func() bool { return dialer.dialCount() == 2 })
	waitFor(t, "reconnected", func() bool { return m.State() == StateConnected })
}

func TestManagerDisconnectCancelsScheduledReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := NewManager(Options{Dialer: dialer.dial, Clock: mock, Logger: zap.NewNop()})

	m.Connect("localhost:8000", "u", "s")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	dialer.lastConn().Close()
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	// Manual disconnect races the scheduled reopen and must win.
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}

	mock.Add(10 * DefaultReconnectDelay)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1 (no reopen after disconnect)", dialer.dialCount())
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}

func TestManagerDialFailureEntersErrorThenReconnecting(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	mock := clock.NewMock()
	m := NewManager(Options{Dialer: dialer.dial, Clock: mock, Logger: zap.NewNop()})

	var mu sync.Mutex
	var states []State
	m.SetHandlers(Handlers{OnStateChange: func(next State) {
		mu.Lock()
		states = append(states, next)
		mu.Unlock()
	}})

	m.Connect("localhost:8000", "u", "s")
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateError, StateReconnecting}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestManagerRecoversAfterFailedDial(t *testing.T) {
	dialer := &fakeDialer{failFirst: 1}
	mock := clock.NewMock()
	m := NewManager(Options{Dialer: dialer.dial, Clock: mock, Logger: zap.NewNop()})

	m.Connect("localhost:8000", "u", "s")
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	mock.Add(DefaultReconnectDelay)
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	if count := dialer.dialCount(); count != 2 {
		t.Errorf("dial count = %d, want 2", count)
	}

	// The recovered connection is fully usable.
	m.SendText("back")
	conn := dialer.lastConn()
	waitFor(t, "text frame written", func() bool { return conn.writeCount() == 1 })
}
