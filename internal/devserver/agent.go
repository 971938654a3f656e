package devserver

import (
	"encoding/base64"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/voxelworld/voicelink/internal/audio"
	"github.com/voxelworld/voicelink/internal/protocol"
)

const agentAuthor = "devagent"

// Downstream frame shapes, in the backend's snake_case spelling.
type transcriptionFrame struct {
	Text string `json:"text"`
}

type partFrame struct {
	Text       string           `json:"text,omitempty"`
	InlineData *inlineDataFrame `json:"inline_data,omitempty"`
}

type inlineDataFrame struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type contentFrame struct {
	Parts []partFrame `json:"parts"`
}

type eventFrame struct {
	Author              string              `json:"author"`
	Content             *contentFrame       `json:"content,omitempty"`
	TurnComplete        bool                `json:"turn_complete,omitempty"`
	Interrupted         bool                `json:"interrupted,omitempty"`
	InputTranscription  *transcriptionFrame `json:"input_transcription,omitempty"`
	OutputTranscription *transcriptionFrame `json:"output_transcription,omitempty"`
}

type patchFrame struct {
	Type  string              `json:"type"`
	Patch protocol.WorldPatch `json:"patch"`
}

// utteranceBytes is how much 16kHz PCM16 audio the scripted agent
// accumulates before it acknowledges an utterance (one second).
const utteranceBytes = audio.CaptureSampleRate * 2

// ScriptedAgent is the offline stand-in for the real conversational
// backend. Text messages get a streamed echo reply; a message
// containing "spawn <type>" or "effect" additionally produces a world
// patch; inbound audio is acknowledged per accumulated second with a
// transcription and a short reply tone.
type ScriptedAgent struct {
	emit   EmitFunc
	logger *zap.Logger

	mu         sync.Mutex
	closed     bool
	audioBytes int
}

// NewScriptedAgent creates an agent emitting through the given sink.
func NewScriptedAgent(emit EmitFunc, logger *zap.Logger) *ScriptedAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptedAgent{emit: emit, logger: logger}
}

func (a *ScriptedAgent) HandleText(text string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	lower := strings.ToLower(text)
	if patch, ok := scriptedPatch(lower); ok {
		a.emit(patchFrame{Type: "worldPatch", Patch: patch})
	}

	// Stream the reply the way the real backend does: partial text
	// parts first, then a bare turn-complete frame.
	a.emitText("You said: ")
	a.emitText(text)
	a.emit(eventFrame{Author: agentAuthor, TurnComplete: true})
}

func (a *ScriptedAgent) HandleAudio(pcm []byte) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.audioBytes += len(pcm)
	if a.audioBytes < utteranceBytes {
		a.mu.Unlock()
		return
	}
	a.audioBytes = 0
	a.mu.Unlock()

	a.emit(eventFrame{
		Author:             agentAuthor,
		InputTranscription: &transcriptionFrame{Text: "(one second of audio)"},
	})
	a.emit(eventFrame{
		Author: agentAuthor,
		Content: &contentFrame{Parts: []partFrame{{
			InlineData: &inlineDataFrame{
				MimeType: "audio/pcm;rate=24000",
				Data:     base64.StdEncoding.EncodeToString(replyTone()),
			},
		}}},
		OutputTranscription: &transcriptionFrame{Text: "I hear you."},
	})
	a.emit(eventFrame{Author: agentAuthor, TurnComplete: true})
}

func (a *ScriptedAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *ScriptedAgent) emitText(text string) {
	a.emit(eventFrame{
		Author:  agentAuthor,
		Content: &contentFrame{Parts: []partFrame{{Text: text}}},
	})
}

// scriptedPatch maps a recognized instruction to a canned world patch.
func scriptedPatch(lower string) (protocol.WorldPatch, bool) {
	switch {
	case strings.Contains(lower, "spawn"):
		entityType := "sprite"
		if fields := strings.Fields(lower); len(fields) > 1 {
			for i, field := range fields[:len(fields)-1] {
				if field == "spawn" {
					entityType = strings.Trim(fields[i+1], ".,!?")
					break
				}
			}
		}
		return protocol.WorldPatch{
			Effect:    "sparkle",
			Color:     "#88CCFF",
			Intensity: 60,
			Spawn:     &protocol.Spawn{Type: entityType, X: 8, Y: 8},
			Caption:   "A " + entityType + " appears",
		}, true
	case strings.Contains(lower, "effect"):
		return protocol.WorldPatch{
			Effect:    "aurora",
			Color:     "#00FF88",
			Intensity: 80,
			Caption:   "Aurora over the valley",
		}, true
	}
	return protocol.WorldPatch{}, false
}

// replyTone renders 200ms of a 440Hz sine at the playback rate as
// little-endian PCM16.
func replyTone() []byte {
	const duration = audio.PlaybackSampleRate / 5
	samples := make([]int16, duration)
	for i := range samples {
		v := math.Sin(2 * math.Pi * 440 * float64(i) / audio.PlaybackSampleRate)
		samples[i] = int16(v * 0.3 * 32767)
	}
	return audio.Int16ToBytes(samples)
}
