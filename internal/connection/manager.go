package connection

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is how long the manager waits before re-dialing
// after an unexpected close.
const DefaultReconnectDelay = 1 * time.Second

// Conn is the subset of a websocket connection the manager needs.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a websocket connection to the given URL.
type Dialer func(rawURL string) (Conn, error)

func defaultDialer(rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handlers receive manager notifications. Both callbacks are invoked
// serially from the manager's goroutines and must not call back into
// the manager synchronously.
type Handlers struct {
	OnStateChange func(next State)
	OnMessage     func(text []byte)
}

// Options configures a Manager. Zero values select production defaults.
type Options struct {
	Dialer         Dialer
	Secure         bool // wss when true, ws otherwise
	Clock          clock.Clock
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Manager owns one duplex websocket connection to the agent backend,
// applies the connection state machine, and reconnects with a fixed
// delay after unexpected closes.
type Manager struct {
	dialer         Dialer
	secure         bool
	clk            clock.Clock
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu               sync.Mutex
	state            State
	conn             Conn
	reconnectEnabled bool
	host             string
	userID           string
	sessionID        string
	currentURL       string
	generation       int

	handlers Handlers
}

// NewManager creates a Manager. Options with zero values fall back to
// the real dialer, the wall clock, and a 1 second reconnect delay.
func NewManager(opts Options) *Manager {
	m := &Manager{
		dialer:         opts.Dialer,
		secure:         opts.Secure,
		clk:            opts.Clock,
		reconnectDelay: opts.ReconnectDelay,
		logger:         opts.Logger,
		state:          StateDisconnected,
	}
	if m.dialer == nil {
		m.dialer = defaultDialer
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if m.reconnectDelay == 0 {
		m.reconnectDelay = DefaultReconnectDelay
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// SetHandlers replaces the notification callbacks. Call before Connect.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// Connect stores the target parameters, enables reconnection, and opens
// the connection. It returns immediately; progress is reported through
// OnStateChange.
func (m *Manager) Connect(host, userID, sessionID string) {
	m.mu.Lock()
	m.host = host
	m.userID = userID
	m.sessionID = sessionID
	m.reconnectEnabled = true
	m.connectLocked()
	m.mu.Unlock()
}

// Disconnect disables reconnection and force-closes the connection. The
// resulting disconnected state is set directly rather than through the
// transition table: a deliberate shutdown is terminal from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.reconnectEnabled = false
	m.generation++
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("close on disconnect", zap.Error(err))
		}
		m.conn = nil
	}
	m.setStateDirectLocked(StateDisconnected)
	m.mu.Unlock()
}

// SendBinary writes a binary frame. The frame is dropped silently when
// the connection is not open; streaming audio into a half-open link is
// worse than losing a frame.
func (m *Manager) SendBinary(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.state != StateConnected {
		m.logger.Debug("binary send skipped: connection not open", zap.String("state", string(m.state)))
		return
	}
	if err := m.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		m.logger.Warn("binary send failed", zap.Error(err))
	}
}

// SendText writes a structured text frame. Dropped silently when the
// connection is not open.
func (m *Manager) SendText(text string) {
	payload, err := sonic.Marshal(textFrame{Type: "text", Text: text})
	if err != nil {
		m.logger.Warn("text frame marshal failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.state != StateConnected {
		m.logger.Debug("text send skipped: connection not open", zap.String("state", string(m.state)))
		return
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.logger.Warn("text send failed", zap.Error(err))
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the most recently dialed URL.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURL
}

// connectLocked builds the URL, drives the state machine, and dials in
// the background. Caller holds m.mu.
func (m *Manager) connectLocked() {
	m.currentURL = buildURL(m.secure, m.host, m.userID, m.sessionID)
	if m.state == StateReconnecting {
		// Re-dial after a drop: the table has no reconnecting->connecting
		// edge, so the intermediate state is set directly.
		m.setStateDirectLocked(StateConnecting)
	} else {
		m.applyLocked(EventConnect)
	}

	m.generation++
	gen := m.generation
	rawURL := m.currentURL
	m.logger.Debug("connecting", zap.String("url", rawURL), zap.String("userID", m.userID), zap.String("sessionID", m.sessionID))

	go m.dial(gen, rawURL)
}

func (m *Manager) dial(gen int, rawURL string) {
	conn, err := m.dialer(rawURL)

	m.mu.Lock()
	if gen != m.generation {
		// A newer Connect or Disconnect superseded this dial.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("dial failed", zap.String("url", rawURL), zap.Error(err))
		m.applyLocked(EventConnectError)
		if m.reconnectEnabled {
			m.applyLocked(EventRetry)
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.applyLocked(EventConnectSuccess)
	m.mu.Unlock()

	m.readPump(gen, conn)
}

// readPump delivers inbound text frames serially, in arrival order.
// Binary frames are not consumed by this core.
func (m *Manager) readPump(gen int, conn Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		m.mu.Lock()
		stale := gen != m.generation
		onMessage := m.handlers.OnMessage
		m.mu.Unlock()
		if stale {
			return
		}
		if onMessage != nil {
			onMessage(payload)
		}
	}
}

func (m *Manager) handleClose(gen int, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.conn = nil
	m.logger.Warn("connection closed", zap.Error(cause))

	if m.reconnectEnabled {
		if m.state == StateConnecting || m.state == StateReconnecting {
			m.applyLocked(EventConnectError)
		} else {
			m.applyLocked(EventError)
		}
		m.applyLocked(EventRetry)
		m.scheduleReconnectLocked()
		return
	}

	m.applyLocked(EventDisconnect)
}

// scheduleReconnectLocked arms a re-dial after the reconnect delay. The
// callback re-checks the reconnect flag so a manual Disconnect that
// races the timer wins. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if !m.reconnectEnabled {
		return
	}
	m.clk.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.reconnectEnabled {
			return
		}
		m.connectLocked()
	})
}

func (m *Manager) applyLocked(event Event) {
	next := Transition(m.state, event)
	if next == m.state {
		return
	}
	m.setStateDirectLocked(next)
}

func (m *Manager) setStateDirectLocked(next State) {
	m.state = next
	if h := m.handlers.OnStateChange; h != nil {
		h(next)
	}
}

// normalizeHost strips any scheme prefix from a caller-supplied target,
// keeping just host:port. Targets without a scheme pass through.
func normalizeHost(target string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(target), "/")
	if trimmed == "" {
		return trimmed
	}
	for _, scheme := range []string{"ws://", "wss://", "http://", "https://"} {
		if strings.HasPrefix(trimmed, scheme) {
			if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
				return parsed.Host
			}
			return strings.TrimPrefix(trimmed, scheme)
		}
	}
	return trimmed
}

func buildURL(secure bool, host, userID, sessionID string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s/%s", scheme, normalizeHost(host), userID, sessionID)
}
