// Package devserver is a development stand-in for the agent backend.
// It serves the same WebSocket surface the session transport dials and
// the image endpoint the asset service calls, backed either by a
// scripted agent or by a Gemini Live proxy when an API key is
// configured. It exists so the client stack can run end to end without
// the production backend.
package devserver

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voxelworld/voicelink/internal/assets"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Development server, any origin may connect.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Agent handles one session's upstream traffic and emits downstream
// frames through the sink it was constructed with.
type Agent interface {
	HandleText(text string)
	HandleAudio(pcm []byte)
	Close() error
}

// EmitFunc queues one downstream value; it is marshaled to a text
// frame for the connected client.
type EmitFunc func(v any)

// AgentFactory builds the per-session agent. userID and sessionID come
// from the connection path.
type AgentFactory func(userID, sessionID string, emit EmitFunc) (Agent, error)

// Options configures a Server. Zero values select the scripted agent
// and the placeholder image provider.
type Options struct {
	Agents AgentFactory
	Images ImageProvider
	Logger *zap.Logger
}

// Server hosts the WebSocket and image endpoints.
type Server struct {
	agents AgentFactory
	images ImageProvider
	logger *zap.Logger
}

// New creates a server with the given options.
func New(opts Options) *Server {
	s := &Server{
		agents: opts.Agents,
		images: opts.Images,
		logger: opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.agents == nil {
		s.agents = func(userID, sessionID string, emit EmitFunc) (Agent, error) {
			return NewScriptedAgent(emit, s.logger), nil
		}
	}
	if s.images == nil {
		s.images = PlaceholderImages()
	}
	return s
}

// Register mounts the server's routes on an echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.GET("/ws/:userID/:sessionID", s.handleWebSocket)
	e.POST(assets.GenerateImagePath, s.handleGenerateImage)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "voicelink-devagent",
	})
}

// writeData is one queued outbound websocket message.
type writeData struct {
	messageType int
	payload     []byte
}

// client is a middleman between one websocket connection and its agent.
type client struct {
	conn   *websocket.Conn
	send   chan writeData
	done   chan struct{}
	agent  Agent
	logger *zap.Logger
}

func (s *Server) handleWebSocket(c echo.Context) error {
	userID := c.Param("userID")
	sessionID := c.Param("sessionID")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	logger := s.logger.With(
		zap.String("userID", userID),
		zap.String("sessionID", sessionID))

	cl := &client{
		conn:   conn,
		send:   make(chan writeData, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	agent, err := s.agents(userID, sessionID, cl.emit)
	if err != nil {
		logger.Error("Agent setup failed", zap.Error(err))
		conn.Close()
		return nil
	}
	cl.agent = agent

	logger.Info("Session connected")
	go cl.writePump()
	go cl.readPump()
	return nil
}

// emit marshals a downstream value and queues it as a text frame.
// Frames are dropped, not blocked on, when the client cannot keep up
// or the session is gone. The agent may call this from any goroutine.
func (c *client) emit(v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal downstream frame", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- writeData{messageType: websocket.TextMessage, payload: payload}:
	default:
		c.logger.Warn("Dropping downstream frame, send buffer full")
	}
}

// readPump pumps messages from the websocket connection to the agent.
func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.agent.Close()
		c.conn.Close()
		c.logger.Info("Session disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.processTextMessage(message)
		case websocket.BinaryMessage:
			c.agent.HandleAudio(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued frames to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.messageType, message.payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) processTextMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := sonic.Unmarshal(message, &msg); err != nil {
		c.logger.Error("Failed to parse message", zap.Error(err))
		return
	}
	switch msg.Type {
	case "text":
		c.agent.HandleText(msg.Text)
	default:
		c.logger.Warn("Unknown message type", zap.String("type", msg.Type))
	}
}
