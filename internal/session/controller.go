// Package session composes the transport, capture pipeline, playback
// scheduler, and downstream decoder into one observable voice session.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxelworld/voicelink/internal/audio"
	"github.com/voxelworld/voicelink/internal/connection"
	"github.com/voxelworld/voicelink/internal/protocol"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Status tracks the lifecycle of a conversation entry.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusFinal     Status = "final"
	StatusError     Status = "error"
)

// ConversationMessage is one entry of the session's conversation log.
type ConversationMessage struct {
	ID      string
	Role    Role
	Content string
	Status  Status
}

// PatchResult records the outcome of the last world-patch application.
type PatchResult struct {
	Success bool
	Error   string
}

// Snapshot is the full observable state of a session. Conversation is
// a copy; listeners may retain it.
type Snapshot struct {
	ConnectionState connection.State
	IsVoiceActive   bool
	Conversation    []ConversationMessage
	LastPatchResult *PatchResult
}

// Transport is the duplex connection the controller drives.
// *connection.Manager satisfies it.
type Transport interface {
	Connect(host, userID, sessionID string)
	Disconnect()
	SendBinary(payload []byte)
	SendText(text string)
	State() connection.State
	SetHandlers(h connection.Handlers)
}

// Player schedules synthesized agent audio. *audio.Playback satisfies
// it.
type Player interface {
	PlayChunk(base64Data, mimeType string) error
	Interrupt()
	Stop() error
}

// PatchSink applies a validated world patch to the world-state write
// layer. Application failure is recorded, never propagated.
type PatchSink interface {
	ApplyWorldPatch(ctx context.Context, patch protocol.WorldPatch) error
}

// CaptureStarter opens the microphone and streams PCM chunks; it exists
// so tests can substitute audio.StartCapture.
type CaptureStarter func(ctx context.Context, source audio.Source, onChunk func([]int16), logger *zap.Logger) (*audio.CaptureHandle, error)

// CaptureStopper releases a capture handle.
type CaptureStopper func(handle *audio.CaptureHandle) error

// Config wires a Controller. Transport, Playback, Sink, and Source are
// required; the rest default.
type Config struct {
	Host      string
	UserID    string
	SessionID string

	Transport Transport
	Source    audio.Source
	Playback  Player
	Decoder   *protocol.Decoder
	Sink      PatchSink

	StartCapture CaptureStarter
	StopCapture  CaptureStopper
	NewMessageID func() string
	Logger       *zap.Logger
}

// Controller owns one voice/agent session: connection state, the
// voice-active flag, the conversation log, and the last patch result.
// All mutations flow through the mutex; listeners are notified with a
// copied snapshot after the lock is released, so a listener can never
// observe or cause a half-applied mutation.
type Controller struct {
	cfg          Config
	startCapture CaptureStarter
	stopCapture  CaptureStopper
	newMessageID func() string
	logger       *zap.Logger

	mu           sync.Mutex
	connState    connection.State
	voiceActive  bool
	conversation []ConversationMessage
	lastPatch    *PatchResult
	capture      *audio.CaptureHandle
	listeners    map[int]func(Snapshot)
	nextListener int
}

// NewController builds a session controller and installs its transport
// handlers. Call Connect to open the session.
func NewController(cfg Config) *Controller {
	c := &Controller{
		cfg:          cfg,
		startCapture: cfg.StartCapture,
		stopCapture:  cfg.StopCapture,
		newMessageID: cfg.NewMessageID,
		logger:       cfg.Logger,
		listeners:    make(map[int]func(Snapshot)),
	}
	if c.startCapture == nil {
		c.startCapture = audio.StartCapture
	}
	if c.stopCapture == nil {
		c.stopCapture = audio.StopCapture
	}
	if c.newMessageID == nil {
		c.newMessageID = uuid.NewString
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.cfg.Decoder == nil {
		c.cfg.Decoder = protocol.NewDecoder(c.logger)
	}
	c.connState = cfg.Transport.State()

	cfg.Transport.SetHandlers(connection.Handlers{
		OnStateChange: c.handleTransportState,
		OnMessage:     c.handleDownstream,
	})
	return c
}

// Connect opens the session transport.
func (c *Controller) Connect() {
	c.cfg.Transport.Connect(c.cfg.Host, c.cfg.UserID, c.cfg.SessionID)
}

// Disconnect tears the session down: transport, capture, playback.
func (c *Controller) Disconnect() {
	c.cfg.Transport.Disconnect()

	c.mu.Lock()
	handle := c.capture
	c.capture = nil
	c.voiceActive = false
	notify := c.snapshotLocked()
	c.mu.Unlock()

	if handle != nil {
		if err := c.stopCapture(handle); err != nil {
			c.logger.Warn("capture stop on disconnect", zap.Error(err))
		}
	}
	c.cfg.Playback.Interrupt()
	if err := c.cfg.Playback.Stop(); err != nil {
		c.logger.Warn("playback stop on disconnect", zap.Error(err))
	}
	c.notify(notify)
}

// ToggleVoice starts or stops microphone streaming. Starting is
// refused while the session is not connected: captured audio would
// have nowhere to go, so the refusal lands in the conversation log
// instead.
func (c *Controller) ToggleVoice(ctx context.Context) error {
	c.mu.Lock()
	if c.capture != nil {
		handle := c.capture
		c.capture = nil
		c.voiceActive = false
		notify := c.snapshotLocked()
		c.mu.Unlock()

		if err := c.stopCapture(handle); err != nil {
			c.logger.Warn("capture stop", zap.Error(err))
		}
		c.notify(notify)
		return nil
	}

	if c.connState != connection.StateConnected {
		c.appendConversationLocked(RoleSystem, "voice capture unavailable: session is not connected", StatusError)
		notify := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(notify)
		return nil
	}
	c.mu.Unlock()

	handle, err := c.startCapture(ctx, c.cfg.Source, func(chunk []int16) {
		c.cfg.Transport.SendBinary(audio.Int16ToBytes(chunk))
	}, c.logger)
	if err != nil {
		// No safe fallback for a missing microphone; the caller decides.
		return err
	}

	c.mu.Lock()
	c.capture = handle
	c.voiceActive = true
	notify := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(notify)
	return nil
}

// SendText sends a structured text frame and logs it locally as a
// final user entry. The send itself is a no-op while the link is not
// open, but the entry still appears.
func (c *Controller) SendText(text string) {
	c.cfg.Transport.SendText(text)

	c.mu.Lock()
	c.appendConversationLocked(RoleUser, text, StatusFinal)
	notify := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(notify)
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers a listener that receives the full snapshot after
// every state change. The returned function unsubscribes. Listeners
// must not mutate the controller synchronously from the callback.
func (c *Controller) Subscribe(listener func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listener
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) handleTransportState(next connection.State) {
	c.mu.Lock()
	c.connState = next

	// A session cannot keep streaming audio into a dead or half-open
	// link; any state but connected force-stops capture.
	var handle *audio.CaptureHandle
	if next != connection.StateConnected && c.capture != nil {
		handle = c.capture
		c.capture = nil
		c.voiceActive = false
	}
	notify := c.snapshotLocked()
	c.mu.Unlock()

	if handle != nil {
		if err := c.stopCapture(handle); err != nil {
			c.logger.Warn("capture stop on transport drop", zap.Error(err))
		}
	}
	c.notify(notify)
}

func (c *Controller) handleDownstream(raw []byte) {
	msg := c.cfg.Decoder.Decode(raw)

	switch msg.Type {
	case protocol.MessageWorldPatch:
		c.applyWorldPatch(msg.Patch)
	case protocol.MessageError:
		c.mu.Lock()
		c.appendConversationLocked(RoleSystem, msg.Error, StatusError)
		notify := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(notify)
	case protocol.MessageAgentEvent:
		c.handleAgentEvent(msg.Event)
	}
}

func (c *Controller) applyWorldPatch(raw map[string]any) {
	patch, violations := protocol.PatchFromMap(raw)

	var result PatchResult
	if len(violations) > 0 {
		result = PatchResult{Success: false, Error: "Invalid world patch: " + strings.Join(violations, "; ")}
	} else if err := c.cfg.Sink.ApplyWorldPatch(context.Background(), patch); err != nil {
		result = PatchResult{Success: false, Error: err.Error()}
	} else {
		result = PatchResult{Success: true}
	}

	if !result.Success {
		c.logger.Warn("world patch rejected", zap.String("error", result.Error))
	}

	c.mu.Lock()
	c.lastPatch = &result
	notify := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(notify)
}

func (c *Controller) handleAgentEvent(event *protocol.AgentEvent) {
	status := StatusStreaming
	if event.TurnComplete {
		status = StatusFinal
	}

	c.mu.Lock()
	changed := false
	for _, part := range event.Parts {
		if part.Text != "" {
			changed = c.appendConversationLocked(RoleAgent, part.Text, status) || changed
		}
	}
	if event.TurnComplete {
		changed = c.finalizeLatestAgentLocked() || changed
	}
	var notify *Snapshot
	if changed {
		s := c.snapshotLocked()
		notify = &s
	}
	c.mu.Unlock()

	for _, part := range event.Parts {
		inline := part.InlineData
		if inline != nil && strings.HasPrefix(inline.MimeType, "audio/pcm") {
			if err := c.cfg.Playback.PlayChunk(inline.Data, inline.MimeType); err != nil {
				c.logger.Warn("agent audio chunk dropped", zap.Error(err))
			}
		}
	}
	if event.Interrupted {
		c.cfg.Playback.Interrupt()
	}

	if notify != nil {
		c.notify(*notify)
	}
}

// appendConversationLocked adds an entry unless the content is blank.
// Caller holds c.mu. Reports whether an entry was added.
func (c *Controller) appendConversationLocked(role Role, content string, status Status) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	c.conversation = append(c.conversation, ConversationMessage{
		ID:      c.newMessageID(),
		Role:    role,
		Content: content,
		Status:  status,
	})
	return true
}

// finalizeLatestAgentLocked flips the most recent agent entry to final,
// searching backward. Caller holds c.mu.
func (c *Controller) finalizeLatestAgentLocked() bool {
	for i := len(c.conversation) - 1; i >= 0; i-- {
		if c.conversation[i].Role == RoleAgent {
			if c.conversation[i].Status == StatusFinal {
				return false
			}
			c.conversation[i].Status = StatusFinal
			return true
		}
	}
	return false
}

// snapshotLocked builds a copy-safe snapshot. Caller holds c.mu.
func (c *Controller) snapshotLocked() Snapshot {
	conversation := make([]ConversationMessage, len(c.conversation))
	copy(conversation, c.conversation)
	var lastPatch *PatchResult
	if c.lastPatch != nil {
		result := *c.lastPatch
		lastPatch = &result
	}
	return Snapshot{
		ConnectionState: c.connState,
		IsVoiceActive:   c.voiceActive,
		Conversation:    conversation,
		LastPatchResult: lastPatch,
	}
}

// notify delivers a snapshot to every listener outside the lock.
func (c *Controller) notify(s Snapshot) {
	c.mu.Lock()
	listeners := make([]func(Snapshot), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(s)
	}
}
